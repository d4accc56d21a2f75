package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ekisa-team/rvcbroker/internal/progress"
	"github.com/ekisa-team/rvcbroker/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP request surface of the broker.
type Server struct {
	router chi.Router
	api    huma.API
}

// Option configures a Server.
type Option func(*options)

type options struct {
	metrics http.Handler
	hub     *progress.Hub
	version string
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithProgress streams hub events on /ws/progress.
func WithProgress(hub *progress.Hub) Option {
	return func(o *options) { o.hub = hub }
}

// WithVersion sets the API version in the OpenAPI document.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// NewServer builds the router and registers every handler.
func NewServer(broker *service.Broker, opts ...Option) *Server {
	o := &options{version: "dev"}
	for _, opt := range opts {
		opt(o)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)
	router.Use(callerJobID)

	api := humachi.New(router, huma.DefaultConfig("rvcbroker", o.version))

	NewStatusHandler(api, broker)
	NewConvertHandler(api, broker)
	NewTTSHandler(api, broker)
	NewAudioHandler(router, broker)

	if o.metrics != nil {
		router.Method(http.MethodGet, "/metrics", o.metrics)
	}
	if o.hub != nil {
		NewProgressHandler(router, o.hub)
	}

	return &Server{router: router, api: api}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API.
func (s *Server) API() huma.API {
	return s.api
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("Shutting down HTTP server")

	return srv.Shutdown(shutdownCtx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
		)
	})
}

// callerJobID moves a caller-chosen job id from the request header into the
// request context.
func callerJobID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(progress.JobIDHeader)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !progress.ValidJobID(id) {
			writeError(w, progress.ErrInvalidJobID)
			return
		}

		next.ServeHTTP(w, r.WithContext(progress.WithJobID(r.Context(), id)))
	})
}
