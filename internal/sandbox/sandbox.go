// Package sandbox defines the execution sandbox the restore engine
// populates: an isolated filesystem plus a process runtime for the user's
// project. The engine depends only on the Sandbox interface; Local is the
// filesystem/os-exec implementation used by the CLI and tests.
package sandbox

import (
	"context"
	"io"
)

// Sandbox is the consumer-side view of the execution environment.
// Implementations resolve lazily; all operations may suspend the caller.
type Sandbox interface {
	// WorkDir returns the sandbox's working-directory root path.
	WorkDir() string

	// Mkdir creates a directory and any missing parents.
	Mkdir(ctx context.Context, path string) error

	// ReadFile returns a file's raw bytes.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes data to a file, creating it if necessary. The
	// parent directory must already exist.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Spawn starts a shell command inside the sandbox and returns a
	// handle to its output stream and eventual exit code.
	Spawn(ctx context.Context, command string) (Process, error)
}

// Process is a running sandbox command.
type Process interface {
	// Output streams the process's combined stdout and stderr.
	Output() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}
