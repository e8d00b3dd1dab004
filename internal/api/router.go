package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/lvonguyen/aptforge/internal/api/gateway"
	"github.com/lvonguyen/aptforge/internal/config"
)

// RouterOptions holds the cross-cutting HTTP settings.
type RouterOptions struct {
	CORS           config.CORSConfig
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	RateLimiter    *gateway.RateLimiter // nil disables limiting
	MetricsHandler http.Handler         // nil omits /metrics
}

// NewRouter builds the HTTP handler for s.
func NewRouter(s *Server, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	r.Use(corsHandler(opts.CORS).Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Middleware(opts.RateLimiter.TierFromHeader, nil))
		}
		if opts.MaxBodyBytes > 0 {
			r.Use(middleware.RequestSize(opts.MaxBodyBytes))
		}

		r.Post("/analyze", s.handleAnalyze)
		r.Post("/ttps/match", s.handleMatch)
		r.Post("/apts/attribute", s.handleAttribute)

		r.Get("/techniques/search", s.handleSearchTechniques)
		r.Get("/techniques/{id}", s.handleGetTechnique)
		r.Get("/apts/{id}", s.handleGetAPT)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", s.handleListReports)
			r.Get("/{id}", s.handleGetReport)
		})
	})

	return r
}

func corsHandler(cfg config.CORSConfig) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           cfg.MaxAge,
	})
}

// requestLogger logs each request and records its latency by route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		elapsed := time.Since(start)
		s.Metrics.HTTPRequest(r.Method, route, status, elapsed)

		s.logger().Info("HTTP request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", elapsed),
		)
	})
}
