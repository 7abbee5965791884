package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chisel-dev/chisel/internal/chat"
)

// UpsertWorkbench writes the project's singleton workbench row.
func (s *Store) UpsertWorkbench(ctx context.Context, projectID uuid.UUID, state chat.WorkbenchState) error {
	openFiles, err := json.Marshal(state.OpenFiles)
	if err != nil {
		return fmt.Errorf("failed to marshal open files: %w", err)
	}
	previewURLs, err := json.Marshal(state.PreviewURLs)
	if err != nil {
		return fmt.Errorf("failed to marshal preview urls: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `INSERT INTO project_workbench
		(project_id, selected_file, open_files, current_view, show_workbench, terminal_history, preview_urls)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id) DO UPDATE SET
			selected_file = EXCLUDED.selected_file,
			open_files = EXCLUDED.open_files,
			current_view = EXCLUDED.current_view,
			show_workbench = EXCLUDED.show_workbench,
			terminal_history = EXCLUDED.terminal_history,
			preview_urls = EXCLUDED.preview_urls,
			updated_at = now()`,
		projectID, state.SelectedFile, openFiles, state.CurrentView,
		state.ShowWorkbench, state.TerminalHistory, previewURLs); err != nil {
		return fmt.Errorf("failed to upsert workbench: %w", err)
	}

	s.logger.Debug("upserted workbench", "project_id", projectID)
	return nil
}

// Workbench reads the project's workbench row. Returns (nil, nil) when the
// project has no workbench state yet.
func (s *Store) Workbench(ctx context.Context, projectID uuid.UUID) (*chat.WorkbenchState, error) {
	var state chat.WorkbenchState
	var openFiles, previewURLs []byte
	err := s.pool.QueryRow(ctx, `SELECT selected_file, open_files, current_view,
			show_workbench, terminal_history, preview_urls
		FROM project_workbench WHERE project_id = $1`, projectID).
		Scan(&state.SelectedFile, &openFiles, &state.CurrentView,
			&state.ShowWorkbench, &state.TerminalHistory, &previewURLs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workbench: %w", err)
	}

	if len(openFiles) > 0 {
		if err := json.Unmarshal(openFiles, &state.OpenFiles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal open files: %w", err)
		}
	}
	if len(previewURLs) > 0 {
		if err := json.Unmarshal(previewURLs, &state.PreviewURLs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal preview urls: %w", err)
		}
	}
	return &state, nil
}
