// Package api serves the watcher over HTTP: lifecycle event streams over
// websocket and SSE, a status snapshot, a rebuild trigger and Prometheus
// metrics.
package api

import (
	"context"
	"net/http"
	"sync"

	"bundlewatch/internal/logging"
	"bundlewatch/internal/metrics"
	"bundlewatch/internal/otel"
	"bundlewatch/internal/watch"
)

type Options struct {
	Watcher        *watch.Watcher
	Registry       *metrics.Registry
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	// StreamRate caps change events per second on each stream connection.
	// Zero disables the limit.
	StreamRate  float64
	StreamBurst int
}

type Server struct {
	watcher        *watch.Watcher
	registry       *metrics.Registry
	logger         *logging.Logger
	authToken      string
	allowedOrigins []string
	streamRate     float64
	streamBurst    int

	// background rebuilds started by POST /api/invalidate
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

func NewServer(options Options) *Server {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		watcher:        options.Watcher,
		registry:       options.Registry,
		logger:         logger.Component("api"),
		authToken:      options.AuthToken,
		allowedOrigins: options.AllowedOrigins,
		streamRate:     options.StreamRate,
		streamBurst:    options.StreamBurst,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Handler returns the routed handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return loggingMiddleware(s.logger, mux)
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	wrap := func(route string, handler apiHandler) http.Handler {
		return otel.HTTPMiddleware(route, restHandler(s.authToken, handler))
	}

	mux.Handle("/api/events", securityHeadersMiddleware(cacheControlNoStore, http.HandlerFunc(s.handleEventsWS)))
	mux.Handle("/api/events/stream", securityHeadersMiddleware(cacheControlNoStore, http.HandlerFunc(s.handleEventsSSE)))
	mux.Handle("/api/status", wrap("/api/status", s.handleStatus))
	mux.Handle("/api/history", wrap("/api/history", s.handleHistory))
	mux.Handle("/api/invalidate", wrap("/api/invalidate", s.handleInvalidate))
	mux.Handle("/api/", securityHeadersMiddleware(cacheControlNoStore, http.NotFoundHandler()))
	mux.Handle("/metrics", otel.HTTPMiddleware("/metrics", securityHeadersHandler(cacheControlNoStore, s.handleMetrics)))
}

// Shutdown waits for rebuilds started over HTTP. When ctx ends first they
// are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
