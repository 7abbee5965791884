package project

import "errors"

// Sentinel errors for project store operations. Check with errors.Is().
var (
	// ErrNotFound indicates the project does not exist or does not belong
	// to the caller. The two cases are deliberately indistinguishable so
	// existence of other users' projects is never leaked.
	ErrNotFound = errors.New("project not found")

	// ErrInvalidRef indicates a project reference that is neither a UUID
	// nor a known url_id.
	ErrInvalidRef = errors.New("invalid project reference")
)
