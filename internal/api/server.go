// Package api exposes the allow-listed shell over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/shellcall/internal/events"
	"github.com/mattjoyce/shellcall/internal/shell"
)

const (
	defaultMaxConcurrent = 10
	defaultRetainAsync   = 256
	maxRequestBytes      = 1 << 20
)

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
	// RateLimit is the sustained POST /invoke rate per second. Zero disables limiting.
	RateLimit     float64
	Burst         int
	MaxConcurrent int
	// RetainAsync bounds how many async invocations are kept in memory for polling.
	RetainAsync int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	runner    Runner
	async     *shell.AsyncShell
	allow     Allowlist
	history   HistoryReader
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	limiter   *rate.Limiter
	sem       chan struct{}
	inflight  *asyncSet
	baseCtx   context.Context
}

// New creates a new API server instance. allow, history and hub may be nil;
// the endpoints that need them then answer 501.
func New(config Config, runner Runner, allow Allowlist, history HistoryReader, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	if config.RetainAsync <= 0 {
		config.RetainAsync = defaultRetainAsync
	}
	s := &Server{
		config:    config,
		runner:    runner,
		async:     shell.Async(runner),
		allow:     allow,
		history:   history,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
		sem:       make(chan struct{}, config.MaxConcurrent),
		inflight:  newAsyncSet(config.RetainAsync),
		baseCtx:   context.Background(),
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return s
}

// Start starts the HTTP server (blocking). Async invocations started through
// the API are cancelled when ctx is.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // sync invocations and SSE streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.rateLimitMiddleware).Post("/invoke", s.handleInvoke)
		r.Get("/invocations", s.handleListInvocations)
		r.Get("/invocations/{id}", s.handleGetInvocation)
		r.Get("/commands", s.handleCommands)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// acquire takes a concurrency slot without waiting.
func (s *Server) acquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() { <-s.sem }
