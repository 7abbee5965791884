// Package api is the JSON HTTP server fronting the project store: the
// endpoints the sync agents and the restore coordinator's remote
// fallback talk to.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      *slog.Logger
	Store       ProjectStore  // Required
	Pool        *pgxpool.Pool // Optional: nil disables the pool ping in /ready
	AuthSecret  []byte        // Required: 32+ bytes, HMAC key for identity credentials
	CORSOrigins []string      // Allowed origins for CORS
	IsDev       bool          // HTTP cookies (no Secure flag) and identity auto-provisioning
	TrustProxy  bool          // Trust X-Real-IP/X-Forwarded-For headers (behind reverse proxy)
	RateBurst   int           // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("project store is required")
	}
	if len(cfg.AuthSecret) < 32 {
		return nil, errors.New("auth secret must be at least 32 bytes")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	im := &identityManager{
		hmacSecret: cfg.AuthSecret,
		isDev:      cfg.IsDev,
		logger:     logger,
	}

	ph := &projectHandler{store: cfg.Store, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/projects", ph.mutateProject)
	mux.HandleFunc("GET /api/projects", ph.listProjects)
	mux.HandleFunc("GET /api/projects/{id}/load", ph.loadProject)
	mux.HandleFunc("POST /api/projects/{id}/messages", ph.saveMessages)
	mux.HandleFunc("GET /api/projects/{id}/messages", ph.getMessages)
	mux.HandleFunc("POST /api/projects/{id}/files", ph.saveFiles)
	mux.HandleFunc("GET /api/projects/{id}/files", ph.getFiles)
	mux.HandleFunc("POST /api/projects/{id}/workbench", ph.saveWorkbench)
	mux.HandleFunc("GET /api/projects/{id}/workbench", ph.getWorkbench)
	mux.HandleFunc("POST /api/user-profile", ph.saveProfile)

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Identity → Routes
	// CORS must be before RateLimit so preflight OPTIONS gets proper CORS headers.
	var handler http.Handler = mux
	handler = identityMiddleware(im)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	isDev := cfg.IsDev
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isDev)
		handler.ServeHTTP(w, r)
	})

	// Health probes live outside the middleware stack so a rate-limited
	// or unauthenticated prober still sees liveness.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
