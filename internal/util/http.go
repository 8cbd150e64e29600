package util

import (
	"fmt"
	"net/http"
)

// UpstreamStatusError signals that a backend answered with a 5xx status.
// The response is still delivered to the client; the error only feeds
// retry decisions and circuit-breaker accounting.
type UpstreamStatusError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// NewUpstreamStatusError creates a new UpstreamStatusError.
func NewUpstreamStatusError(statusCode int) *UpstreamStatusError {
	return &UpstreamStatusError{StatusCode: statusCode}
}

// StatusRecorder wraps http.ResponseWriter to track the status code and
// bytes written. The dispatcher boundary and the observability
// middleware both need to inspect the outcome after the handler ran.
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode    int
	BytesWritten  int
	HeaderWritten bool
}

// NewStatusRecorder wraps w with a default status of 200 OK.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader records the status code once and forwards it.
func (w *StatusRecorder) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	w.ResponseWriter.WriteHeader(code)
}

// Write forwards data and marks the header as written.
func (w *StatusRecorder) Write(b []byte) (int, error) {
	if !w.HeaderWritten {
		w.HeaderWritten = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += n
	return n, err
}

// Flush implements http.Flusher for streaming support.
func (w *StatusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Compile-time interface assertion.
var _ http.Flusher = (*StatusRecorder)(nil)
