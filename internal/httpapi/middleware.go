package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"scenelens/internal/telemetry"
)

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the tracing
// middleware, or "unknown".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return "unknown"
}

// tracing opens a server span per request and tags it with a ksuid request
// id, which is echoed in X-Request-ID.
func (s *Server) tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := ksuid.New().String()
		ctx, span := telemetry.StartSpan(r.Context(), fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.Path),
			attribute.String("request.id", requestID),
		)
		defer span.End()
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Request-ID", requestID)
		start := time.Now()
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		elapsed := time.Since(start)
		span.SetAttributes(
			attribute.Int("http.status_code", wrapped.status),
			attribute.Int64("http.response_time_ms", elapsed.Milliseconds()),
		)
		if wrapped.status >= 400 {
			span.SetStatus(codes.Error, http.StatusText(wrapped.status))
		}
		s.logf("[%s] %s %s - %d (%dms)", requestID, r.Method, r.URL.Path, wrapped.status, elapsed.Milliseconds())
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				span := trace.SpanFromContext(r.Context())
				span.RecordError(fmt.Errorf("panic: %v", rec))
				span.SetStatus(codes.Error, "panic recovered")
				s.logf("[%s] PANIC: %v\n%s", RequestID(r.Context()), rec, debug.Stack())
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(realIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
