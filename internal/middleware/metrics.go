// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nadmax/jarvis/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpointLabel(r), status, duration)
	})
}

// endpointLabel prefers the matched chi pattern so path parameters do not
// explode label cardinality.
func endpointLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			return pattern
		}
	}
	return normalizeEndpoint(r.URL.Path)
}

func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/tasks/") && !strings.Contains(path[len("/api/tasks/"):], "/"):
		return "/api/tasks/{id}"
	case strings.HasPrefix(path, "/api/health/") && strings.HasSuffix(path, "/recover"):
		return "/api/health/{component}/recover"
	case strings.HasPrefix(path, "/api/history/task/"):
		return "/api/history/task/{id}"
	case strings.HasPrefix(path, "/api/history/kind/"):
		return "/api/history/kind/{kind}"
	default:
		return path
	}
}
