// Package httpx holds the shared HTTP error envelope. Every handler
// failure is serialised through WriteError so clients see one shape.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/procureline/api/internal/platform/requestctx"
)

// Error is a machine-readable API failure. Code is a stable snake_case
// identifier clients can branch on; Message is for humans.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`

	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    flatten(code, 80),
		Message: flatten(message, 512),
		Status:  status,
	}
}

// WriteError serialises err as the JSON error envelope. Request and
// trace identifiers are filled from the context when not already set.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	if err.RequestID == "" {
		err.RequestID = flatten(middleware.GetReqID(ctx), 80)
	}
	if err.TraceID == "" {
		err.TraceID = flatten(requestctx.TraceID(ctx), 64)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(err)
}

// flatten collapses newlines and caps length so caller-supplied text
// cannot break the log line or the envelope.
func flatten(value string, limit int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
