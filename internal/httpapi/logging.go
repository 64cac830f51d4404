package httpapi

import (
	"net/http"
	"time"

	"qms/journey-service/internal/telemetry"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware writes one line per request and counts requests and
// error responses.
func LoggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	meter := otel.Meter("qms/journey-service/httpapi")
	requests, _ := meter.Int64Counter("http.requests", metric.WithDescription("Handled HTTP requests"))
	failures, _ := meter.Int64Counter("http.request_errors", metric.WithDescription("HTTP responses with status >= 400"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		duration := time.Since(start)

		attrs := metric.WithAttributes(attribute.String("method", r.Method), attribute.Int("status", writer.status))
		if requests != nil {
			requests.Add(r.Context(), 1, attrs)
		}
		if failures != nil && writer.status >= http.StatusBadRequest {
			failures.Add(r.Context(), 1, attrs)
		}

		log := telemetry.WithTrace(r.Context(), logger)
		event := log.Info()
		if writer.status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", duration.Milliseconds()).
			Str("structure_id", r.Header.Get("X-Structure-ID")).
			Str("request_id", requestID(r)).
			Msg("request")
	})
}
