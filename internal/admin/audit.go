package admin

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxAuditBodyBytes  = 1024
	maxRequestIDLength = 64
	requestIDHeader    = "X-Request-ID"
)

// AuditMiddleware writes one "admin API audit" record per mutating request.
// Reads pass through untouched. Every audited response carries X-Request-ID,
// either the caller's own or a fresh one.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	auditLogger := logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		body := captureBody(r)
		user, _, _ := r.BasicAuth()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(sw, r)

		auditLogger.Info("admin API audit",
			"request_id", requestID,
			"operation", auditOperation(r.URL.Path),
			"method", r.Method,
			"path", r.URL.Path,
			"user", user,
			"remote_addr", r.RemoteAddr,
			"body", body,
			"status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// captureBody reads at most maxAuditBodyBytes+1 bytes of the request body for
// the audit record and hands the same bytes on to the next handler.
func captureBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAuditBodyBytes+1))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(raw) > maxAuditBodyBytes {
		return string(raw[:maxAuditBodyBytes]) + "...(truncated)"
	}
	return string(raw)
}

// auditOperation names the action behind a mutating admin path, e.g.
// "trigger:complete" for /admin/v1/tasks/complete/trigger.
func auditOperation(path string) string {
	rest, ok := strings.CutPrefix(path, "/admin/v1/tasks/")
	if !ok {
		return "unknown"
	}
	task, action, ok := strings.Cut(rest, "/")
	if !ok || task == "" {
		return "unknown"
	}
	return action + ":" + task
}
