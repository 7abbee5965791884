package restore

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/chisel-dev/chisel/internal/chat"
	"github.com/chisel-dev/chisel/internal/detect"
	"github.com/chisel-dev/chisel/internal/sandbox"
)

// SandboxRootPrefix is the logical project root used in FileMap keys.
// Paths are stored with this prefix; the populator strips it before
// handing paths to the sandbox.
const SandboxRootPrefix = "/project"

// defaultSettleDelay is how long the populator waits after writing files
// before verifying the manifest, giving the sandbox filesystem time to
// flush.
const defaultSettleDelay = 500 * time.Millisecond

// Populator materializes a FileMap inside the execution sandbox and
// relaunches the restored project.
type Populator struct {
	sandbox     sandbox.Sandbox
	logger      *slog.Logger
	settleDelay time.Duration
}

// NewPopulator creates a Populator writing into sb.
func NewPopulator(sb sandbox.Sandbox, logger *slog.Logger) *Populator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Populator{sandbox: sb, logger: logger, settleDelay: defaultSettleDelay}
}

// Populate writes the file map into the sandbox: all folder entries first,
// then files, creating each file's parent directory on demand. A failure
// on one entry is logged and skipped; it never aborts the batch. Returns
// an error only when the context is cancelled.
func (p *Populator) Populate(ctx context.Context, files chat.FileMap) error {
	for _, folder := range files.Folders() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("populate cancelled: %w", err)
		}
		if err := p.sandbox.Mkdir(ctx, normalizePath(folder)); err != nil {
			p.logger.Warn("failed to create folder, skipping", "path", folder, "error", err)
		}
	}

	for _, file := range files.Files() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("populate cancelled: %w", err)
		}
		p.writeFile(ctx, file, files[file])
	}

	// Let the sandbox settle, then confirm the manifest landed. Absence
	// is suspicious but not fatal: not every project has one.
	select {
	case <-time.After(p.settleDelay):
	case <-ctx.Done():
		return fmt.Errorf("populate cancelled: %w", ctx.Err())
	}
	if _, err := p.sandbox.ReadFile(ctx, detect.ManifestFile); err != nil {
		p.logger.Warn("manifest not found after restore", "file", detect.ManifestFile, "error", err)
	}

	return nil
}

func (p *Populator) writeFile(ctx context.Context, filePath string, ent chat.Dirent) {
	target := normalizePath(filePath)

	if dir := path.Dir(target); dir != "." && dir != "/" {
		if err := p.sandbox.Mkdir(ctx, dir); err != nil {
			p.logger.Warn("failed to create parent directory, skipping file",
				"path", filePath, "error", err)
			return
		}
	}

	data := []byte(ent.Content)
	if ent.IsBinary {
		decoded, err := base64.StdEncoding.DecodeString(ent.Content)
		if err != nil {
			p.logger.Warn("failed to decode binary file, skipping", "path", filePath, "error", err)
			return
		}
		data = decoded
	}

	if err := p.sandbox.WriteFile(ctx, target, data); err != nil {
		p.logger.Warn("failed to write file, skipping", "path", filePath, "error", err)
	}
}

// AutoStart detects the project's setup/start commands and runs them: the
// setup command to completion (a non-zero exit is logged and tolerated),
// then the start command in the background, monitored but not awaited.
// Aborts quietly when no manifest is readable in the sandbox.
func (p *Populator) AutoStart(ctx context.Context, files chat.FileMap) error {
	cmds := detect.Detect(files)
	if cmds.Setup == "" && cmds.Start == "" {
		p.logger.Debug("no start commands detected, skipping auto-start")
		return nil
	}

	if _, err := p.sandbox.ReadFile(ctx, detect.ManifestFile); err != nil {
		p.logger.Warn("manifest not readable, aborting auto-start", "error", err)
		return nil
	}

	if cmds.Setup != "" {
		code, err := p.run(ctx, cmds.Setup)
		if err != nil {
			return fmt.Errorf("setup command failed to run: %w", err)
		}
		if code != 0 {
			p.logger.Warn("setup command exited non-zero", "command", cmds.Setup, "exit_code", code)
		}
	}

	if cmds.Start != "" {
		proc, err := p.sandbox.Spawn(ctx, cmds.Start)
		if err != nil {
			return fmt.Errorf("start command failed to launch: %w", err)
		}
		p.logger.Info("project started", "command", cmds.Start)
		go p.monitor(cmds.Start, proc)
	}

	return nil
}

// run executes a command to completion, streaming its output to debug logs.
func (p *Populator) run(ctx context.Context, command string) (int, error) {
	proc, err := p.sandbox.Spawn(ctx, command)
	if err != nil {
		return 0, err
	}
	if out, err := io.ReadAll(proc.Output()); err == nil && len(out) > 0 {
		p.logger.Debug("command output", "command", command, "output", string(out))
	}
	return proc.Wait()
}

// monitor logs the eventual exit of a background start command.
func (p *Populator) monitor(command string, proc sandbox.Process) {
	_, _ = io.Copy(io.Discard, proc.Output())
	code, err := proc.Wait()
	if err != nil {
		p.logger.Warn("start command monitoring failed", "command", command, "error", err)
		return
	}
	p.logger.Info("start command exited", "command", command, "exit_code", code)
}

// normalizePath strips the sandbox root prefix and leading slashes so the
// path is relative to the sandbox working directory.
func normalizePath(filePath string) string {
	trimmed := strings.TrimPrefix(filePath, SandboxRootPrefix)
	trimmed = strings.TrimLeft(trimmed, "/")
	if trimmed == "" {
		return "."
	}
	return trimmed
}
