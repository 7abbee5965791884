// Package testutil provides shared testing infrastructure: a disposable
// PostgreSQL container wired to the chisel schema, and small helpers used
// across package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chisel-dev/chisel/db"
)

// TestDB wraps a PostgreSQL test container with a ready connection pool.
type TestDB struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// SetupPostgres starts a PostgreSQL container, applies the embedded
// migrations, and returns a pool. Cleanup runs via t.Cleanup.
//
// Call t.Skip in -short mode before using this; container startup is slow.
func SetupPostgres(t *testing.T) *TestDB {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chisel_test"),
		postgres.WithUsername("chisel_test"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	if err := db.Migrate(connStr); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to create connection pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Container: container, Pool: pool, ConnStr: connStr}
}

// CleanTables truncates all data tables between subtests.
func (tdb *TestDB) CleanTables(t *testing.T) {
	t.Helper()
	_, err := tdb.Pool.Exec(context.Background(),
		`TRUNCATE projects, user_profiles CASCADE`)
	if err != nil {
		t.Fatalf("failed to clean tables: %v", err)
	}
}
