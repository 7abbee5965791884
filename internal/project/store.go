package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// projectCols is the standard SELECT column list for scanProject.
const projectCols = `id, user_id, url_id, description, last_opened_at, created_at, updated_at`

// Store manages project persistence backed by PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a project Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying connection pool for readiness probes.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// CreateOrTouch creates a project for (userID, urlID) if absent, otherwise
// refreshes last_opened_at on the existing row. Idempotent: repeated calls
// with the same key converge on a single row.
func (s *Store) CreateOrTouch(ctx context.Context, userID, urlID, description string) (*Project, bool, error) {
	// Try the existing row first so `existed` is accurate; the unique
	// constraint makes the subsequent insert race-safe regardless.
	existing, err := s.getByURLID(ctx, userID, urlID)
	if err == nil {
		if description != "" && description != existing.Description {
			existing, err = s.updateDescription(ctx, existing.ID, description)
			if err != nil {
				return nil, false, err
			}
		} else if existing, err = s.touch(ctx, existing.ID); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	var p Project
	row := s.pool.QueryRow(ctx, `INSERT INTO projects (user_id, url_id, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, url_id) DO UPDATE SET last_opened_at = now()
		RETURNING `+projectCols,
		userID, urlID, description)
	if err := scanProject(row, &p); err != nil {
		return nil, false, fmt.Errorf("failed to create project: %w", err)
	}

	s.logger.Debug("created project", "id", p.ID, "url_id", urlID)
	return &p, false, nil
}

// UpdateDescription sets a project's description, scoped to the owner.
func (s *Store) UpdateDescription(ctx context.Context, userID string, projectID uuid.UUID, description string) (*Project, error) {
	var p Project
	row := s.pool.QueryRow(ctx, `UPDATE projects
		SET description = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING `+projectCols,
		projectID, userID, description)
	if err := scanProject(row, &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return &p, nil
}

// Delete removes a project and, via cascade, its messages, files, and
// workbench row. Scoped to the owner.
func (s *Store) Delete(ctx context.Context, userID string, projectID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM projects WHERE id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted project", "id", projectID)
	return nil
}

// List returns the caller's projects ordered by most recently opened.
func (s *Store) List(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+projectCols+` FROM projects
		WHERE user_id = $1 ORDER BY last_opened_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := scanProject(rows, &p); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}
	return projects, nil
}

// Resolve looks up a project by UUID or url_id, scoped to the owner, and
// refreshes last_opened_at. Returns ErrNotFound for foreign or missing
// projects without distinguishing the two.
func (s *Store) Resolve(ctx context.Context, userID, ref string) (*Project, error) {
	if ref == "" {
		return nil, ErrInvalidRef
	}

	if id, err := uuid.Parse(ref); err == nil {
		p, err := s.getByID(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		return s.touch(ctx, p.ID)
	}

	p, err := s.getByURLID(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	return s.touch(ctx, p.ID)
}

func (s *Store) getByID(ctx context.Context, userID string, id uuid.UUID) (*Project, error) {
	var p Project
	row := s.pool.QueryRow(ctx, `SELECT `+projectCols+` FROM projects
		WHERE id = $1 AND user_id = $2`, id, userID)
	if err := scanProject(row, &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (s *Store) getByURLID(ctx context.Context, userID, urlID string) (*Project, error) {
	var p Project
	row := s.pool.QueryRow(ctx, `SELECT `+projectCols+` FROM projects
		WHERE user_id = $1 AND url_id = $2`, userID, urlID)
	if err := scanProject(row, &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project by url_id: %w", err)
	}
	return &p, nil
}

func (s *Store) touch(ctx context.Context, id uuid.UUID) (*Project, error) {
	var p Project
	row := s.pool.QueryRow(ctx, `UPDATE projects SET last_opened_at = now()
		WHERE id = $1 RETURNING `+projectCols, id)
	if err := scanProject(row, &p); err != nil {
		return nil, fmt.Errorf("failed to touch project: %w", err)
	}
	return &p, nil
}

func (s *Store) updateDescription(ctx context.Context, id uuid.UUID, description string) (*Project, error) {
	var p Project
	row := s.pool.QueryRow(ctx, `UPDATE projects
		SET description = $2, last_opened_at = now(), updated_at = now()
		WHERE id = $1 RETURNING `+projectCols, id, description)
	if err := scanProject(row, &p); err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return &p, nil
}

func scanProject(row pgx.Row, p *Project) error {
	return row.Scan(&p.ID, &p.UserID, &p.URLID, &p.Description,
		&p.LastOpenedAt, &p.CreatedAt, &p.UpdatedAt)
}
