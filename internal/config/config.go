// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.chisel/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - Server: listen address, CORS, rate limiting, proxy trust
//   - Storage: PostgreSQL connection for the project store (see storage.go)
//   - Local: on-device history database and sandbox working directory
//   - Remote: base URL and credential for the sync client
//
// Security: Sensitive data (passwords, secrets) are never logged; config
// directory uses 0750 permissions.
// Validation: Range checks in validation.go with clear error messages.
//
// Error Handling:
//   - Uses sentinel errors for Go-idiomatic error checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidListenAddr indicates the server listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingAuthSecret indicates the identity HMAC secret is not set.
	ErrMissingAuthSecret = errors.New("missing auth secret")

	// ErrInvalidAuthSecret indicates the identity HMAC secret is too short.
	ErrInvalidAuthSecret = errors.New("invalid auth secret")

	// ErrInvalidSyncInterval indicates the sync interval is out of range.
	ErrInvalidSyncInterval = errors.New("invalid sync interval")
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, tokens), update MarshalJSON.
type Config struct {
	// Server configuration (serve mode)
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For headers (set true behind reverse proxy)
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`
	IsDev       bool     `mapstructure:"is_dev" json:"is_dev"` // HTTP cookies, identity auto-provisioning

	// Identity configuration
	AuthSecret string `mapstructure:"auth_secret" json:"auth_secret"` // SENSITIVE: masked in MarshalJSON

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Local state (history database, sandbox working directory)
	HistoryPath string `mapstructure:"history_path" json:"history_path"`
	SandboxDir  string `mapstructure:"sandbox_dir" json:"sandbox_dir"`

	// Remote sync client configuration
	RemoteURL    string `mapstructure:"remote_url" json:"remote_url"`
	RemoteToken  string `mapstructure:"remote_token" json:"remote_token"` // SENSITIVE: masked in MarshalJSON
	SyncInterval int    `mapstructure:"sync_interval" json:"sync_interval"` // seconds

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".chisel")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	setDefaults(configDir)
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(configDir string) {
	// Server defaults
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_burst", 60)
	viper.SetDefault("is_dev", false)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "chisel")
	viper.SetDefault("postgres_password", "chisel_dev_password")
	viper.SetDefault("postgres_db_name", "chisel")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Local state defaults
	viper.SetDefault("history_path", filepath.Join(configDir, "history.db"))
	viper.SetDefault("sandbox_dir", filepath.Join(configDir, "sandbox"))

	// Remote sync defaults
	viper.SetDefault("remote_url", "http://localhost:8080")
	viper.SetDefault("sync_interval", 30)

	// Logging defaults
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)
}

// bindEnvVariables binds environment variables explicitly. Secrets come
// only from the environment; everything else may also live in the file.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail).
	// If this panics, it's a BUG in our code, not a runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("auth_secret", "CHISEL_AUTH_SECRET")
	mustBind("remote_token", "CHISEL_REMOTE_TOKEN")
	mustBind("remote_url", "CHISEL_REMOTE_URL")
	mustBind("cors_origins", "CHISEL_CORS_ORIGINS")
	mustBind("trust_proxy", "CHISEL_TRUST_PROXY")
	mustBind("listen_addr", "CHISEL_LISTEN_ADDR")
	mustBind("is_dev", "CHISEL_DEV")
	mustBind("log_level", "CHISEL_LOG_LEVEL")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid substring matching against real secret text.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// SECURITY: For secrets <=8 chars, fully masks to prevent substring attacks.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - AuthSecret
//   - RemoteToken
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.AuthSecret = maskSecret(a.AuthSecret)
	a.RemoteToken = maskSecret(a.RemoteToken)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
