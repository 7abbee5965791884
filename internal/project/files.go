package project

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/chisel-dev/chisel/internal/chat"
)

// UpsertFiles writes file entries for a project. Folder entries in the map
// are skipped: directories are implied by file paths and never stored
// remotely. Returns the number of rows written.
func (s *Store) UpsertFiles(ctx context.Context, projectID uuid.UUID, files chat.FileMap) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Debug("transaction rollback (may be already committed)", "error", rbErr)
		}
	}()

	written := 0
	for _, path := range files.Files() {
		ent := files[path]
		if _, err := tx.Exec(ctx, `INSERT INTO project_files
			(project_id, file_path, content, is_binary)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (project_id, file_path) DO UPDATE SET
				content = EXCLUDED.content,
				is_binary = EXCLUDED.is_binary,
				updated_at = now()`,
			projectID, path, ent.Content, ent.IsBinary); err != nil {
			return 0, fmt.Errorf("failed to upsert file %s: %w", path, err)
		}
		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("upserted files", "project_id", projectID, "count", written)
	return written, nil
}

// Files returns a project's stored files as a FileMap of file entries.
func (s *Store) Files(ctx context.Context, projectID uuid.UUID) (chat.FileMap, error) {
	rows, err := s.pool.Query(ctx, `SELECT file_path, content, is_binary
		FROM project_files WHERE project_id = $1 ORDER BY file_path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	files := make(chat.FileMap)
	for rows.Next() {
		var path, content string
		var isBinary bool
		if err := rows.Scan(&path, &content, &isBinary); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files[path] = chat.Dirent{Type: chat.DirentFile, Content: content, IsBinary: isBinary}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read files: %w", err)
	}
	return files, nil
}
