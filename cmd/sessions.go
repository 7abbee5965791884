package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chisel-dev/chisel/internal/history"
)

func newSessionsCmd() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage locally stored sessions",
	}

	sessionsCmd.AddCommand(newSessionsListCmd())
	sessionsCmd.AddCommand(newSessionsShowCmd())
	sessionsCmd.AddCommand(newSessionsDeleteCmd())
	sessionsCmd.AddCommand(newSessionsDuplicateCmd())

	return sessionsCmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions in the local history store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(func(ctx context.Context, hist *history.Store) error {
				return runSessionsList(ctx, cmd, hist)
			})
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, hist *history.Store) error {
				return runSessionsShow(ctx, cmd, hist, args[0])
			})
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session from the local history store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, hist *history.Store) error {
				if err := hist.Delete(ctx, args[0]); err != nil {
					return fmt.Errorf("deleting session: %w", err)
				}
				cmd.Printf("deleted session %s\n", args[0])
				return nil
			})
		},
	}
}

func newSessionsDuplicateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicate <session-id>",
		Short: "Fork a session, copying its transcript and snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, hist *history.Store) error {
				newID, err := hist.DuplicateChat(ctx, args[0])
				if err != nil {
					return fmt.Errorf("duplicating session: %w", err)
				}
				cmd.Printf("created session %s\n", newID)
				return nil
			})
		},
	}
}

// withHistory opens the local history store for one command invocation.
func withHistory(fn func(context.Context, *history.Store) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	hist, err := history.Open(cfg.HistoryPath, logger)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer func() {
		if closeErr := hist.Close(); closeErr != nil {
			logger.Warn("closing history store", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, hist)
}

func runSessionsList(ctx context.Context, cmd *cobra.Command, hist *history.Store) error {
	records, err := hist.List(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(records) == 0 {
		cmd.Println("no local sessions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tURL ID\tMESSAGES\tUPDATED\tDESCRIPTION")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			rec.ID,
			rec.URLID,
			len(rec.Messages),
			rec.Timestamp.Format(time.RFC3339),
			rec.Description,
		)
	}
	return w.Flush()
}

func runSessionsShow(ctx context.Context, cmd *cobra.Command, hist *history.Store, id string) error {
	rec, err := hist.GetMessages(ctx, id)
	if err != nil {
		if errors.Is(err, history.ErrChatNotFound) {
			return fmt.Errorf("session %q not found", id)
		}
		return fmt.Errorf("loading session: %w", err)
	}

	if rec.Description != "" {
		cmd.Printf("== %s ==\n", rec.Description)
	}
	for _, m := range rec.Messages {
		cmd.Printf("[%s] %s\n", m.Role, m.Content)
	}
	return nil
}
