package project

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/chisel-dev/chisel/internal/chat"
)

// ReplaceMessages upserts the given messages for a project and positions
// them in slice order. Existing rows with the same (project_id, message_id)
// are overwritten; rows not present in messages are removed, so the stored
// log always mirrors the client's full log. This is the operation both the
// append path and the rewind full-log replacement go through.
func (s *Store) ReplaceMessages(ctx context.Context, projectID uuid.UUID, messages []chat.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Debug("transaction rollback (may be already committed)", "error", rbErr)
		}
	}()

	if err := upsertMessages(ctx, tx, projectID, messages); err != nil {
		return err
	}

	// Drop rows that fell out of the log (rewind truncation).
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	if _, err := tx.Exec(ctx, `DELETE FROM project_messages
		WHERE project_id = $1 AND NOT (message_id = ANY($2))`, projectID, ids); err != nil {
		return fmt.Errorf("failed to prune messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("replaced messages", "project_id", projectID, "count", len(messages))
	return nil
}

// AppendMessages upserts messages without pruning absent rows.
func (s *Store) AppendMessages(ctx context.Context, projectID uuid.UUID, messages []chat.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if err := upsertMessages(ctx, s.pool, projectID, messages); err != nil {
		return err
	}
	s.logger.Debug("appended messages", "project_id", projectID, "count", len(messages))
	return nil
}

func upsertMessages(ctx context.Context, q querier, projectID uuid.UUID, messages []chat.Message) error {
	for i, m := range messages {
		var parts, annotations []byte
		var err error
		if len(m.Parts) > 0 {
			if parts, err = json.Marshal(m.Parts); err != nil {
				return fmt.Errorf("failed to marshal parts of message %s: %w", m.ID, err)
			}
		}
		if len(m.Annotations) > 0 {
			if annotations, err = json.Marshal(m.Annotations); err != nil {
				return fmt.Errorf("failed to marshal annotations of message %s: %w", m.ID, err)
			}
		}

		if _, err := q.Exec(ctx, `INSERT INTO project_messages
			(project_id, message_id, role, content, parts, annotations, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (project_id, message_id) DO UPDATE SET
				role = EXCLUDED.role,
				content = EXCLUDED.content,
				parts = EXCLUDED.parts,
				annotations = EXCLUDED.annotations,
				position = EXCLUDED.position,
				updated_at = now()`,
			projectID, m.ID, m.Role, m.Content, parts, annotations, i); err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
		}
	}
	return nil
}

// Messages returns a project's messages in log order.
func (s *Store) Messages(ctx context.Context, projectID uuid.UUID) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT message_id, role, content, parts, annotations, created_at
		FROM project_messages WHERE project_id = $1 ORDER BY position`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var m chat.Message
		var parts, annotations []byte
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &parts, &annotations, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(parts) > 0 {
			if err := json.Unmarshal(parts, &m.Parts); err != nil {
				return nil, fmt.Errorf("failed to unmarshal parts of message %s: %w", m.ID, err)
			}
		}
		if len(annotations) > 0 {
			if err := json.Unmarshal(annotations, &m.Annotations); err != nil {
				return nil, fmt.Errorf("failed to unmarshal annotations of message %s: %w", m.ID, err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// MessageCount returns the number of stored messages for a project.
func (s *Store) MessageCount(ctx context.Context, projectID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM project_messages WHERE project_id = $1`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
