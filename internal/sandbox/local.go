package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Local is a Sandbox backed by a directory on the host filesystem and
// os/exec. Paths are confined to the root: anything resolving outside it
// is rejected.
type Local struct {
	root string
}

// NewLocal creates a Local sandbox rooted at root, creating the directory
// if needed.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	return &Local{root: abs}, nil
}

// WorkDir returns the sandbox root.
func (l *Local) WorkDir() string { return l.root }

// resolve maps a sandbox path onto the host, rejecting escapes.
func (l *Local) resolve(path string) (string, error) {
	full := filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes sandbox root: %s", path)
	}
	return full, nil
}

// Mkdir creates a directory and any missing parents.
func (l *Local) Mkdir(_ context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// ReadFile returns a file's raw bytes.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full) // #nosec G304 -- confined by resolve
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes data to a file. The parent directory must exist.
func (l *Local) WriteFile(_ context.Context, path string, data []byte) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(full, data, 0640); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Spawn starts a shell command with the sandbox root as working directory.
func (l *Local) Spawn(ctx context.Context, command string) (Process, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) // #nosec G204 -- commands come from the project's own manifest
	cmd.Dir = l.root

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	return &localProcess{cmd: cmd, output: stdout}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	output io.Reader
}

func (p *localProcess) Output() io.Reader { return p.output }

// Wait drains remaining output and returns the exit code.
func (p *localProcess) Wait() (int, error) {
	_, _ = io.Copy(io.Discard, p.output)
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("failed to wait for command: %w", err)
}
