package config

import (
	"fmt"
	"log/slog"
	"slices"
)

// validSSLModes are the sslmode values pgx accepts.
var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. Server configuration validation
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr cannot be empty", ErrInvalidListenAddr)
	}

	// 2. PostgreSQL configuration validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: must be one of %v, got %q",
			ErrInvalidPostgresSSLMode, validSSLModes, c.PostgresSSLMode)
	}

	if c.PostgresPassword == "chisel_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	// 3. Identity secret validation (serve mode). An empty secret passes
	// here so local-only commands work; the serve command checks
	// RequireAuthSecret before binding.
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		return fmt.Errorf("%w: auth_secret must be at least 32 characters (got %d)",
			ErrInvalidAuthSecret, len(c.AuthSecret))
	}

	// 4. Sync cadence validation
	if c.SyncInterval < 5 || c.SyncInterval > 3600 {
		return fmt.Errorf("%w: must be between 5 and 3600 seconds, got %d",
			ErrInvalidSyncInterval, c.SyncInterval)
	}

	return nil
}

// RequireAuthSecret enforces the serve-mode identity secret. Split out of
// Validate so CLI commands that never serve HTTP can run without it.
func (c *Config) RequireAuthSecret() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("%w: set CHISEL_AUTH_SECRET (32+ characters)", ErrMissingAuthSecret)
	}
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("%w: auth_secret must be at least 32 characters (got %d)",
			ErrInvalidAuthSecret, len(c.AuthSecret))
	}
	return nil
}
