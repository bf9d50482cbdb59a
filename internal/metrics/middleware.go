// ABOUTME: HTTP middleware recording request counts and latency
// ABOUTME: Labels by the mux route pattern to keep cardinality bounded

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// statusWriter wraps http.ResponseWriter to capture status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming handlers behind the middleware keep working
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns a handler that records Prometheus metrics for next.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := routeLabel(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routeLabel prefers the pattern the mux matched and falls back to a
// prefix table for unmatched requests.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		// "POST /webhook/{tenantID}" -> "/webhook/{tenantID}"
		if i := strings.IndexByte(r.Pattern, ' '); i >= 0 {
			return r.Pattern[i+1:]
		}
		return r.Pattern
	}
	return normalizePath(r.URL.Path)
}

// normalizePath normalizes paths to avoid high cardinality in metrics.
func normalizePath(path string) string {
	prefixes := []struct{ prefix, normalized string }{
		{"/webhook/", "/webhook/{tenantID}"},
		{"/process/", "/process/{tenantID}/{conversationID}"},
		{"/widget/", "/widget/*"},
		{"/api/conversations/", "/api/conversations/*"},
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p.prefix) && len(path) > len(p.prefix) {
			return p.normalized
		}
	}
	if path == "/health" || path == "/health/ready" || path == "/metrics" {
		return path
	}
	return "other"
}
