package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chisel-dev/chisel/internal/chat"
	"github.com/chisel-dev/chisel/internal/history"
	"github.com/chisel-dev/chisel/internal/remote"
	"github.com/chisel-dev/chisel/internal/restore"
	"github.com/chisel-dev/chisel/internal/sandbox"
	"github.com/chisel-dev/chisel/internal/syncer"
)

func newOpenCmd() *cobra.Command {
	var rewindTo string
	cmd := &cobra.Command{
		Use:   "open <session-id>",
		Short: "Restore a session into the local sandbox and keep it synced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpen(cmd.Context(), args[0], rewindTo)
		},
	}
	cmd.Flags().StringVar(&rewindTo, "rewind-to", "", "message id to rewind the conversation to")
	return cmd
}

// runOpen restores one session and keeps its sync agent running until
// interrupted. On SIGINT/SIGTERM the final state is force-saved before
// exit, the CLI analogue of the page-unload flush.
func runOpen(parent context.Context, sessionID, rewindTo string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hist, err := history.Open(cfg.HistoryPath, logger)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer func() {
		if closeErr := hist.Close(); closeErr != nil {
			logger.Warn("closing history store", "error", closeErr)
		}
	}()

	sb, err := sandbox.NewLocal(cfg.SandboxDir)
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}

	client := remote.NewClient(cfg.RemoteURL, cfg.RemoteToken, logger)
	view := &consoleView{}

	coord := restore.NewCoordinator(hist, client, restore.NewPopulator(sb, logger), view, logger)
	defer coord.Close()

	err = coord.Activate(ctx, sessionID, rewindTo)
	switch {
	case errors.Is(err, restore.ErrProjectGone):
		return fmt.Errorf("session %q not found locally or remotely", sessionID)
	case err != nil:
		return fmt.Errorf("restoring session: %w", err)
	}

	// Establish the remote project identity, then keep the local copy
	// flowing upstream until interrupted.
	proj, _, err := client.EnsureProject(ctx, sessionID, "")
	if err != nil {
		return fmt.Errorf("ensuring remote project: %w", err)
	}

	registry := syncer.NewRegistry(client, logger)
	_, err = registry.Start(ctx, proj.ID.String(), localStateGetter(hist, sessionID))
	if err != nil {
		logger.Warn("initial sync failed, agent will retry", "error", err)
	}

	logger.Info("session open, syncing",
		"session", sessionID,
		"project", proj.ID,
		"interval", syncer.DefaultInterval,
	)

	<-ctx.Done()

	logger.Info("flushing session state before exit")
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	registry.Shutdown(flushCtx)
	return nil
}

// localStateGetter feeds the sync agent from the local history store.
func localStateGetter(hist *history.Store, sessionID string) syncer.Getter {
	return func() (syncer.Payload, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rec, err := hist.GetMessages(ctx, sessionID)
		if err != nil {
			return syncer.Payload{}, err
		}
		payload := syncer.Payload{
			Messages:    rec.Messages,
			Description: rec.Description,
		}
		if snap, err := hist.GetSnapshot(ctx, rec.ID); err == nil && snap != nil {
			payload.Files = snap.Files
		}
		return payload, nil
	}
}

// consoleView lands restore results on the terminal.
type consoleView struct{}

func (v *consoleView) ShowMessages(messages []chat.Message, description string) {
	if description != "" {
		fmt.Printf("== %s ==\n", description)
	}
	for _, m := range messages {
		if m.HasTag(chat.TagHidden) {
			continue
		}
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}
}

func (v *consoleView) Notify(message string, err error) {
	fmt.Printf("warning: %s: %v\n", message, err)
}

func (v *consoleView) RedirectHome() {
	fmt.Println("session not found; returning to the session list")
}
