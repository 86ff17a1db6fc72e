// Package api exposes the HTTP interface for the annotator service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/config"
	"github.com/JakeFAU/page-annotator/internal/dataset"
	"github.com/JakeFAU/page-annotator/internal/metrics"
	"github.com/JakeFAU/page-annotator/internal/probe"
	"github.com/JakeFAU/page-annotator/internal/proxy"
	"github.com/JakeFAU/page-annotator/internal/telemetry"
)

const requestTimeout = 60 * time.Second

// Prober classifies whether a URL may be framed.
type Prober interface {
	Probe(ctx context.Context, rawURL, userAgent string) (probe.Result, error)
}

// Proxy serves rewritten pages and pass-through resources.
type Proxy interface {
	Fetch(ctx context.Context, rawURL, userAgent string) (proxy.Page, error)
	Resource(ctx context.Context, rawURL, userAgent string) (proxy.Resource, error)
}

// Deps bundles the collaborators the server needs.
type Deps struct {
	Dataset *dataset.Dataset
	Store   annotator.Store
	Prober  Prober
	Proxy   Proxy
	Config  config.Config
	Logger  *zap.Logger
	// Ready reports downstream health for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the dataset, store, prober and proxy.
type Server struct {
	router chi.Router
	rows   *dataset.Dataset
	store  annotator.Store
	prober Prober
	proxy  Proxy
	cfg    config.Config
	schema annotator.Schema
	logger *zap.Logger
	ready  func(ctx context.Context) error
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Dataset == nil:
		return nil, errors.New("api: dataset is required")
	case deps.Store == nil:
		return nil, errors.New("api: store is required")
	case deps.Prober == nil:
		return nil, errors.New("api: prober is required")
	case deps.Proxy == nil:
		return nil, errors.New("api: proxy is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		rows:   deps.Dataset,
		store:  deps.Store,
		prober: deps.Prober,
		proxy:  deps.Proxy,
		cfg:    deps.Config,
		schema: deps.Config.Schema(),
		logger: logger.Named("api"),
		ready:  deps.Ready,
	}
	progress := NewProgressHandler(deps.Dataset, deps.Store, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if deps.Config.Auth.Enabled {
			r.Use(apiKeyMiddleware(deps.Config.Auth.APIKey))
		}
		r.Get("/state", s.state)
		r.Get("/resume", s.resumeIndex)
		r.Get("/frame-check/{rowId}", s.frameCheck)
		r.Get("/proxy/resource", s.proxyResource)
		r.Get("/proxy/{rowId}", s.proxyPage)
		r.Get("/annotation/{rowId}", s.getAnnotation)
		r.Post("/annotation/{rowId}", s.saveAnnotation)
		r.Get("/progress", progress.Summary)
		r.Get("/progress/{annotator}", progress.ListRows)
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
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
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

// RequestID returns the identifier assigned by the request ID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", metrics.StatusOf(ww)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
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

type requestIDKey struct{}

// apiKeyMiddleware accepts the key as a header or, for frame and download
// URLs the browser loads directly, as an api_key query parameter.
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
