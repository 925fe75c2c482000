package api

import (
	"crypto/subtle"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/metrics"
)

// MaxBodySize limits request body size. Admin requests are small.
const MaxBodySize = 1 << 20 // 1 MB

// JSONMediaType is the media type of every response body.
const JSONMediaType = "application/json"

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestHeaders sets the response media type and echoes or generates the
// request id.
func RequestHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = "req_" + core.NewUUIDv7()
		}
		w.Header().Set(RequestIDHeader, reqID)
		w.Header().Set("Content-Type", JSONMediaType)
		next.ServeHTTP(w, r)
	})
}

// RequestLogger middleware logs HTTP requests with structured logging and
// counts them.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.HTTPRequest(r.Method, sw.status)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get(RequestIDHeader),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// LimitBody middleware restricts request body size.
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateContentType rejects request bodies that are not JSON. Requests
// without a body method or without a Content-Type pass through.
func ValidateContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			next.ServeHTTP(w, r)
			return
		}
		ct := r.Header.Get("Content-Type")
		if ct == "" {
			next.ServeHTTP(w, r)
			return
		}
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != JSONMediaType {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"Content-Type must be application/json.", map[string]any{"content_type": ct}))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerAuth rejects requests that do not carry key as a bearer token. The
// health and metrics endpoints stay open for liveness checks and scrapers. An empty
// key disables the check.
func BearerAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		want := []byte(key)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cta-maintd"`)
				WriteError(w, http.StatusUnauthorized, core.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
