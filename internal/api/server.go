package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/warmlinehq/warmline/pkg/ratelimit"
)

// Server wraps the HTTP listener and router.
type Server struct {
	server *http.Server
	log    zerolog.Logger
}

// ServerConfig holds listener settings and the request middleware stack.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit is the request rate-limit middleware config. A nil Limiter
	// disables limiting.
	RateLimit ratelimit.MiddlewareConfig

	// Gatherer serves GET /metrics. Defaults to the default registry.
	Gatherer prometheus.Gatherer
}

// NewServer builds the router and listener.
func NewServer(cfg ServerConfig, handlers *Handlers, log zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	if cfg.RateLimit.Limiter != nil {
		r.Use(ratelimit.Middleware(cfg.RateLimit))
	}

	r.Post("/webhooks/{provider}", handlers.HandleWebhook)
	r.Get("/webhooks/dead-letter", handlers.ListDeadLetters)

	r.Get("/entitlements/me", handlers.GetEntitlement)
	r.Get("/trial/eligibility", handlers.GetTrialEligibility)
	r.Post("/devices/register", handlers.RegisterDevice)

	r.Route("/contacts/{id}", func(r chi.Router) {
		r.Get("/warmth", handlers.GetWarmth)
		r.Get("/warmth/timeline", handlers.GetWarmthTimeline)
		r.Post("/interactions", handlers.RecordInteraction)
		r.Patch("/warmth/mode", handlers.SwitchWarmthMode)
		r.Post("/warmth/override", handlers.OverrideWarmth)
	})
	r.Get("/warmth/modes", handlers.ListWarmthModes)

	r.Get("/cron/reconcile-entitlements", handlers.RunSweep)

	r.Get("/healthz", handlers.Healthz)
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: log.With().Str("component", "http").Logger(),
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
