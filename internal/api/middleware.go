package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modax/controllayer/internal/apierr"
	"github.com/modax/controllayer/internal/ratelimit"
)

// MetricsSink receives API-surface observability events (spec §4.10's
// api_requests_total / api_request_duration_seconds).
type MetricsSink interface {
	ObserveRequest(method, endpoint string, status int)
	ObserveDuration(method, endpoint string, seconds float64)
}

// NopMetricsSink discards every observation.
type NopMetricsSink struct{}

func (NopMetricsSink) ObserveRequest(string, string, int)     {}
func (NopMetricsSink) ObserveDuration(string, string, float64) {}

// requestID injects an X-Request-Id (generated if absent) into the response
// header, ahead of every other middleware (spec §4.8:
// "request id injection → ...").
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one structured line per request and records API metrics
// (spec §4.8 step 2, §4.10).
func accessLog(logger *zap.Logger, metrics MetricsSink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			endpoint := routePattern(r)
			logger.Info("api request",
				zap.String("request_id", w.Header().Get("X-Request-Id")),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", duration),
				zap.String("remote_addr", r.RemoteAddr),
			)
			metrics.ObserveRequest(r.Method, endpoint, ww.Status())
			metrics.ObserveDuration(r.Method, endpoint, duration.Seconds())
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// rateLimit applies a token-bucket check keyed by API key (if present) or
// remote address, per spec §4.8. Exceeding the bucket returns 429 with a
// Retry-After header.
func rateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.RemoteAddr
			}
			ok, retryAfter := limiter.Allow(key)
			if !ok {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				writeError(w, r, apierr.New(apierr.KindRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
