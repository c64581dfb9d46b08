// Package app composes the HTTP application served by each server instance:
// middleware, health probes, the query endpoint and metrics exposition.
package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/gorelay/internal/lifecycle"
	"github.com/Tyrowin/gorelay/internal/logger"
)

// Broadcaster is the broadcast service as seen by the application.
type Broadcaster interface {
	lifecycle.Service
	ClientCount() int
}

// InstanceInfo describes the server instance answering a request.
type InstanceInfo struct {
	ID         string `json:"id"`
	Generation int    `json:"generation"`
	Port       int    `json:"port"`
}

// Options configures the composed application.
type Options struct {
	// Gatherer enables GET /metrics when set.
	Gatherer prometheus.Gatherer

	// Instance reports the active instance for readiness. Optional.
	Instance func() (InstanceInfo, bool)
}

// NewFactory returns the application factory handed to the lifecycle
// manager. The broadcaster must implement Broadcaster.
func NewFactory(opts Options) lifecycle.ApplicationFactory {
	return func(handler lifecycle.RequestHandler, broadcaster lifecycle.Service) (http.Handler, error) {
		if handler == nil {
			return nil, fmt.Errorf("app: request handler is required")
		}
		b, ok := broadcaster.(Broadcaster)
		if !ok {
			return nil, fmt.Errorf("app: broadcaster %T does not report client counts", broadcaster)
		}
		return NewRouter(handler, b, opts), nil
	}
}

// NewRouter mounts the routes:
//   - GET /health - liveness
//   - GET /health/ready - readiness with broadcast and instance state
//   - GET, POST /query - query and mutation execution
//   - GET /metrics - Prometheus exposition, when a gatherer is set
func NewRouter(handler http.Handler, broadcaster Broadcaster, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	health := &healthHandler{broadcaster: broadcaster, instance: opts.Instance}
	r.Route("/health", func(r chi.Router) {
		r.Get("/", health.Liveness)
		r.Get("/ready", health.Readiness)
	})

	r.Method(http.MethodGet, "/query", handler)
	r.Method(http.MethodPost, "/query", handler)

	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("Request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
