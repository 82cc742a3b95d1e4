package router

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/paychat-billing/internal/expiration"
	httpmiddleware "github.com/wolfman30/paychat-billing/internal/http/middleware"
	"github.com/wolfman30/paychat-billing/internal/session"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// Sweeper runs one expiration pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) expiration.Result
}

// Drainer flushes pending outbox events on demand.
type Drainer interface {
	Drain(ctx context.Context) int
}

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Sessions       *session.Handler
	MetricsHandler http.Handler
	Health         func(ctx context.Context) error

	// UserJWTSecret enables bearer auth on /v1. Empty means caller ids come from request bodies.
	UserJWTSecret  string
	RateLimitRPS   float64
	RateLimitBurst int

	OpsToken string
	Sweeper  Sweeper
	Outbox   Drainer
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.Health))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.UserJWTSecret != "" {
			v1.Use(httpmiddleware.UserJWT(cfg.UserJWTSecret))
		}
		if cfg.RateLimitRPS > 0 {
			v1.Use(httpmiddleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
		}
		if cfg.Sessions != nil {
			v1.Mount("/sessions", cfg.Sessions.Routes())
		}
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(requireOpsToken(cfg.OpsToken))
		if cfg.Sweeper != nil {
			admin.Post("/sweep", func(w http.ResponseWriter, r *http.Request) {
				res := cfg.Sweeper.Sweep(r.Context())
				writeJSON(w, http.StatusOK, map[string]int{
					"scanned": res.Scanned,
					"expired": res.Expired,
					"not_due": res.NotDue,
					"skipped": res.Skipped,
					"failed":  res.Failed,
				})
			})
		}
		if cfg.Outbox != nil {
			admin.Post("/outbox/drain", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]int{"delivered": cfg.Outbox.Drain(r.Context())})
			})
		}
	})

	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
