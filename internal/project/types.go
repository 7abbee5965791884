// Package project implements the remote project store: PostgreSQL-backed
// persistence for projects, chat messages, project files, and workbench
// state, owned per authenticated user.
//
// All writes are idempotent upserts keyed on natural uniqueness
// ((project_id, message_id), (project_id, file_path), project_id alone for
// workbench) so repeated delivery from the sync layer is safe.
package project

import (
	"time"

	"github.com/google/uuid"
)

// Project is the durable anchor record joining a chat session to its
// persisted messages, files, and workbench state.
type Project struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"userId"`
	URLID        string    `json:"urlId"`
	Description  string    `json:"description,omitempty"`
	LastOpenedAt time.Time `json:"lastOpenedAt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Profile is a user profile row, upserted on login.
type Profile struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// File is a single persisted project file row. Directories are never
// stored remotely; they are implied by file paths.
type File struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	IsBinary  bool      `json:"isBinary"`
	UpdatedAt time.Time `json:"updatedAt"`
}
