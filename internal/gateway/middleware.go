package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	otelPkg "github.com/basket/agentq/internal/otel"
)

// instrument wraps next with a server span, the request duration
// histogram, a debug access log line and panic recovery. The span is named
// after the mux pattern that will serve the request.
func (s *Server) instrument(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		ctx, span := otelPkg.StartServerSpan(r.Context(), s.tracer, pattern,
			otelPkg.AttrRoute.String(pattern),
			attribute.String("http.request.method", r.Method),
		)
		defer span.End()

		rec := &statusRecorder{w: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error("api handler panic", "path", r.URL.Path, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
				if !rec.wroteHeader {
					writeError(rec, http.StatusInternalServerError, "internal error")
				}
				rec.status = http.StatusInternalServerError
			}
			span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
			elapsed := time.Since(start)
			s.metrics.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("route", pattern),
				attribute.Int("status", rec.status),
			))
			s.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration_ms", elapsed.Milliseconds())
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status. It forwards Flush and
// Hijack so WebSocket upgrades keep working behind it.
type statusRecorder struct {
	w           http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) Header() http.Header { return rw.w.Header() }

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
		rw.status = code
	}
	rw.w.WriteHeader(code)
}

func (rw *statusRecorder) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.w.Write(p)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.w }

func (rw *statusRecorder) Flush() {
	if f, ok := rw.w.(http.Flusher); ok {
		rw.wroteHeader = true
		f.Flush()
	}
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("gateway: underlying ResponseWriter does not support hijacking")
	}
	c, brw, err := h.Hijack()
	if err == nil {
		rw.wroteHeader = true
		rw.status = http.StatusSwitchingProtocols
	}
	return c, brw, err
}
