// Package server exposes a Lottery over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	lottery "github.com/kydenul/ticket-lottery"
)

// Options are the optional collaborators of a Server
type Options struct {
	Logger lottery.Logger

	// Breaker adds the ledger circuit breaker to /healthz
	Breaker *lottery.CircuitBreakerHealthCheck

	// Gatherer serves /metrics; prometheus.DefaultGatherer if nil
	Gatherer prometheus.Gatherer

	RequestTimeout time.Duration
}

// Server is the HTTP front of one lottery
type Server struct {
	lottery *lottery.Lottery
	limiter *RateLimiter
	opts    Options
	router  chi.Router
	http    *http.Server
}

// New builds the router for l
func New(l *lottery.Lottery, cfg *lottery.ServerConfig, opts Options) *Server {
	if cfg == nil {
		cfg = lottery.DefaultServerConfig()
	}
	if opts.Logger == nil {
		opts.Logger = lottery.NewSilentLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		lottery: l,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitBurst, opts.Logger),
		opts:    opts,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestContext)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Handler)
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Post("/tickets", s.handleBuyTickets)
		r.Post("/draws", s.handleDraw)
		r.Post("/claims", s.handleClaim)

		r.Get("/players", s.handlePlayers)
		r.Get("/winners", s.handleWinners)
		r.Get("/winners/{account}", s.handleWinner)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.router }

// Limiter returns the rate limiter so limits can be changed at runtime
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// ListenAndServe serves until Shutdown
func (s *Server) ListenAndServe() error {
	s.opts.Logger.Info("HTTP server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones or ctx
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
