package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/clock/system"
	"github.com/JakeFAU/preprint-harvester/internal/metrics"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/queue"
	"github.com/JakeFAU/preprint-harvester/internal/store"
)

// Config controls routing and authentication.
type Config struct {
	// APIKey, when set, is required on every /v1 route.
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// PublicationReader is the read side of the store used by the API.
type PublicationReader interface {
	Fetch(ctx context.Context, id int64) (publication.Publication, error)
	SearchFor(ctx context.Context, q publication.SearchQuery) publication.Stream
	ListNewest(ctx context.Context, limit int) ([]publication.Publication, error)
	LatestStoredDate(ctx context.Context, server string) (string, bool, error)
	Count(ctx context.Context, server string) (int, error)
	Enrichment(ctx context.Context, id int64, kind publication.EnrichmentKind) (publication.Enrichment, bool, error)
	PDFPath(ctx context.Context, id int64) (string, bool, error)
	Ping(ctx context.Context) error
}

// Jobs performs the work behind the trigger endpoints.
type Jobs interface {
	// Servers lists the catalog servers that can be synced; the first is
	// the default.
	Servers() []string
	Sync(ctx context.Context, req SyncRequest) error
	Backfill(ctx context.Context, req BackfillRequest) error
}

// Enqueuer hands jobs to the background dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Server wires HTTP handlers to the store, the run history and the job
// dispatcher.
type Server struct {
	router   chi.Router
	cfg      Config
	store    PublicationReader
	jobs     Jobs
	enqueuer Enqueuer
	runs     *RunHandler
	clock    publication.Clock
	ids      func() uuid.UUID
	logger   *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(c publication.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRunIDs overrides job ID generation.
func WithRunIDs(fn func() uuid.UUID) Option {
	return func(s *Server) {
		if fn != nil {
			s.ids = fn
		}
	}
}

// NewServer constructs a Server with middleware and routes. jobs and
// enqueuer may be nil, in which case the trigger endpoints answer 503; runs
// may be nil, in which case the run endpoints do.
func NewServer(cfg Config, reader PublicationReader, runs store.RunRepository, jobs Jobs, enqueuer Enqueuer, opts ...Option) (*Server, error) {
	if reader == nil {
		return nil, errors.New("api: publication reader is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		store:    reader,
		jobs:     jobs,
		enqueuer: enqueuer,
		clock:    system.New(),
		ids:      newJobID,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runs = NewRunHandler(runs, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/publications", func(r chi.Router) {
			r.Get("/", s.searchPublications)
			r.Get("/latest", s.latestPublications)
			r.Get("/{id}", s.getPublication)
		})
		r.Post("/sync", s.triggerSync)
		r.Post("/backfill", s.triggerBackfill)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.runs.ListRuns)
			r.Get("/{run_id}", s.runs.GetRun)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newJobID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
