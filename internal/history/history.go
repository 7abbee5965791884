// Package history implements the local history store: the on-device,
// authoritative copy of chat transcripts and point-in-time snapshots,
// keyed by chat identifier.
//
// The store is the first tier consulted on session restore; the remote
// project store is only queried when a chat is absent here. Backed by
// SQLite, guarded by a file lock so two processes cannot open the same
// database concurrently.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/chisel-dev/chisel/internal/chat"
)

// Sentinel errors for history store operations. Check with errors.Is().
var (
	// ErrChatNotFound indicates no chat with the given id or url id exists.
	ErrChatNotFound = errors.New("chat not found")

	// ErrLocked indicates another process holds the store's file lock.
	ErrLocked = errors.New("history store locked by another process")
)

// Store is the SQLite-backed local history store.
//
// Store is safe for concurrent use by multiple goroutines within one
// process; cross-process exclusion is enforced by the file lock taken in
// Open.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	logger *slog.Logger
}

// Open opens (creating if needed) the history database at dbPath and
// acquires its file lock. Returns ErrLocked if another process holds it.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire history lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, lock: lock, logger: logger}, nil
}

// Close releases the database and its file lock. Idempotent.
func (s *Store) Close() error {
	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		s.db = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release lock: %w", err))
		}
		s.lock = nil
	}
	return errors.Join(errs...)
}

// GetMessages returns the chat whose id or url id matches. This is the
// lookup the restore path uses: callers hold whichever identifier appeared
// in the URL.
func (s *Store) GetMessages(ctx context.Context, id string) (*chat.HistoryRecord, error) {
	rec, err := s.GetMessagesByID(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrChatNotFound) {
		return nil, err
	}
	return s.GetMessagesByURLID(ctx, id)
}

// GetMessagesByID returns the chat with the given chat identifier.
func (s *Store) GetMessagesByID(ctx context.Context, id string) (*chat.HistoryRecord, error) {
	return s.getChat(ctx, `SELECT id, url_id, description, messages, metadata, updated_at
		FROM chats WHERE id = ?`, id)
}

// GetMessagesByURLID returns the chat with the given url identifier.
func (s *Store) GetMessagesByURLID(ctx context.Context, urlID string) (*chat.HistoryRecord, error) {
	return s.getChat(ctx, `SELECT id, url_id, description, messages, metadata, updated_at
		FROM chats WHERE url_id = ?`, urlID)
}

func (s *Store) getChat(ctx context.Context, query, arg string) (*chat.HistoryRecord, error) {
	var rec chat.HistoryRecord
	var urlID sql.NullString
	var messagesJSON string
	var metadataJSON sql.NullString

	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&rec.ID, &urlID, &rec.Description, &messagesJSON, &metadataJSON, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	rec.URLID = urlID.String
	if err := json.Unmarshal([]byte(messagesJSON), &rec.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

// SetMessages writes the full transcript for a chat, creating the row if
// needed. Empty urlID and description leave existing values untouched;
// nil metadata leaves existing metadata untouched.
func (s *Store) SetMessages(ctx context.Context, id string, messages []chat.Message, urlID, description string, metadata map[string]string) error {
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	var metadataJSON any
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	var urlIDVal any
	if urlID != "" {
		urlIDVal = urlID
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO chats
		(id, url_id, description, messages, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			url_id = COALESCE(excluded.url_id, url_id),
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE description END,
			messages = excluded.messages,
			metadata = COALESCE(excluded.metadata, metadata),
			updated_at = excluded.updated_at`,
		id, urlIDVal, description, string(messagesJSON), metadataJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set messages: %w", err)
	}

	s.logger.Debug("stored chat", "id", id, "messages", len(messages))
	return nil
}

// GetSnapshot returns the live snapshot for a chat, or (nil, nil) when the
// chat has none.
func (s *Store) GetSnapshot(ctx context.Context, chatID string) (*chat.Snapshot, error) {
	var snap chat.Snapshot
	var filesJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT chat_index, files, summary FROM snapshots WHERE chat_id = ?`, chatID).
		Scan(&snap.ChatIndex, &filesJSON, &snap.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(filesJSON), &snap.Files); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot files: %w", err)
	}
	return &snap, nil
}

// SetSnapshot writes the chat's snapshot, overwriting any prior one. At
// most one live snapshot exists per chat.
func (s *Store) SetSnapshot(ctx context.Context, chatID string, snap chat.Snapshot) error {
	filesJSON, err := json.Marshal(snap.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots
		(chat_id, chat_index, files, summary, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			chat_index = excluded.chat_index,
			files = excluded.files,
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		chatID, snap.ChatIndex, string(filesJSON), snap.Summary, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

// NextID returns the next unused numeric chat identifier.
func (s *Store) NextID(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chats`)
	if err != nil {
		return "", fmt.Errorf("failed to scan chat ids: %w", err)
	}
	defer rows.Close()

	highest := int64(0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("failed to scan chat id: %w", err)
		}
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to read chat ids: %w", err)
	}
	return strconv.FormatInt(highest+1, 10), nil
}

// URLID returns candidate if it is unused, otherwise the first free
// candidate-2, candidate-3, ... variant.
func (s *Store) URLID(ctx context.Context, candidate string) (string, error) {
	taken, err := s.urlIDTaken(ctx, candidate)
	if err != nil {
		return "", err
	}
	if !taken {
		return candidate, nil
	}

	for i := 2; ; i++ {
		next := fmt.Sprintf("%s-%d", candidate, i)
		taken, err := s.urlIDTaken(ctx, next)
		if err != nil {
			return "", err
		}
		if !taken {
			return next, nil
		}
	}
}

func (s *Store) urlIDTaken(ctx context.Context, urlID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chats WHERE url_id = ?`, urlID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check url id: %w", err)
	}
	return n > 0, nil
}

// DuplicateChat copies an existing chat (transcript, metadata, snapshot)
// under a fresh identifier and returns the new chat's id.
func (s *Store) DuplicateChat(ctx context.Context, id string) (string, error) {
	rec, err := s.GetMessages(ctx, id)
	if err != nil {
		return "", err
	}

	newID, err := s.CreateChatFromMessages(ctx, rec.Description, rec.Messages, rec.Metadata)
	if err != nil {
		return "", err
	}

	if snap, err := s.GetSnapshot(ctx, rec.ID); err == nil && snap != nil {
		if err := s.SetSnapshot(ctx, newID, *snap); err != nil {
			return "", err
		}
	}
	return newID, nil
}

// CreateChatFromMessages creates a new chat with a fresh id and a url id
// derived from it, and returns the new id.
func (s *Store) CreateChatFromMessages(ctx context.Context, description string, messages []chat.Message, metadata map[string]string) (string, error) {
	id, err := s.NextID(ctx)
	if err != nil {
		return "", err
	}
	urlID, err := s.URLID(ctx, id)
	if err != nil {
		return "", err
	}
	if err := s.SetMessages(ctx, id, messages, urlID, description, metadata); err != nil {
		return "", err
	}
	return id, nil
}

// List returns all stored chats ordered by most recent activity, without
// their transcripts.
func (s *Store) List(ctx context.Context) ([]chat.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, url_id, description, updated_at
		FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var records []chat.HistoryRecord
	for rows.Next() {
		var rec chat.HistoryRecord
		var urlID sql.NullString
		if err := rows.Scan(&rec.ID, &urlID, &rec.Description, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		rec.URLID = urlID.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chats: %w", err)
	}
	return records, nil
}

// Delete removes a chat and its snapshot.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}
