package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/chisel-dev/chisel/db"
	"github.com/chisel-dev/chisel/internal/api"
	"github.com/chisel-dev/chisel/internal/project"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the project store API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (host:port, overrides config)")
	return cmd
}

// runServe initializes and starts the HTTP API server.
func runServe(parent context.Context, addrFlag string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err = cfg.RequireAuthSecret(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	addr := cfg.ListenAddr
	if addrFlag != "" {
		addr = addrFlag
	}
	if err = validateAddr(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting project store server", "version", AppVersion)

	if err = db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()

	if err = pool.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to PostgreSQL: %w", err)
	}

	store, err := project.NewStore(pool, logger)
	if err != nil {
		return fmt.Errorf("creating project store: %w", err)
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Store:       store,
		Pool:        pool,
		AuthSecret:  []byte(cfg.AuthSecret),
		CORSOrigins: cfg.CORSOrigins,
		IsDev:       cfg.IsDev,
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", addr,
		"api", "/api/*",
		"health", "/health, /ready",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// validateAddr validates the server address format.
func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be in host:port format: %w", err)
	}

	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil {
			return fmt.Errorf("invalid host: %s", host)
		}
	}

	if port == "" {
		return errors.New("port is required")
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric: %w", err)
	}
	if portNum < 0 || portNum > 65535 {
		return fmt.Errorf("port must be 0-65535 (0 = auto-assign), got %d", portNum)
	}

	return nil
}
