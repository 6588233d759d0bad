// Middleware kept close to the teacher's internal/api/middleware.go:
// correlation-id propagation and request logging, chained the same way.
package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/chis/corectl/internal/logging"
)

const correlationIDHeader = "X-Correlation-ID"

// CorrelationIDMiddleware assigns (or propagates) a correlation id and
// stores it on the request context for downstream logging.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := logging.WithCorrelationID(r.Context(), id)
		w.Header().Set(correlationIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
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

// RequestLoggingMiddleware logs method, path, status and latency for every
// request, differentiating level by status the way the teacher's does.
func RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}
		log := logging.Default().WithFields(fields)
		switch {
		case rec.status >= 500:
			log.ErrorContext(r.Context(), "request failed")
		case rec.status >= 400:
			log.WarnContext(r.Context(), "request rejected")
		default:
			log.InfoContext(r.Context(), "request handled")
		}
	})
}

// ChainMiddleware applies middlewares in order, first listed runs outermost.
func ChainMiddleware(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
