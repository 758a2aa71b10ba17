// Package api exposes the remote contact operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/zfranque/de.systopia.remotetools/pkg/remotecontact"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes the X-Request-ID of the failed request.
	TraceID string `json:"trace_id,omitempty"`
	// StatusMessages carries the accumulated messages of a failed pipeline run.
	StatusMessages []request.Message `json:"status_messages,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	problem.Type = fmt.Sprintf("https://remotetools.systopia.de/errors/%d", problem.Status)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 response enriched with request context.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(HeaderRequestID),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never exposed.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "error", err, "request_id", w.Header().Get(HeaderRequestID))
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// statusFor maps an operation error class to an HTTP status and title.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, remotecontact.ErrValidation):
		return http.StatusBadRequest, "Bad Request"
	case errors.Is(err, remotecontact.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, remotecontact.ErrPermissionDenied):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, remotecontact.ErrIntegrityGuard):
		return http.StatusConflict, "Conflict"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

// WriteServiceError writes the problem response for an operation error.
// Storage failures are reported as opaque internal errors.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := statusFor(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, err)
		return
	}
	WriteError(w, r, status, title, err.Error())
}

// writeFailedResponse reports a pipeline response whose IsError is set.
func writeFailedResponse(w http.ResponseWriter, r *http.Request, resp *remotecontact.Response) {
	status, title := statusFor(resp.Err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, fmt.Errorf("%w: %s", resp.Err, resp.ErrorMessage))
		return
	}
	writeProblem(w, &ProblemDetail{
		Title:          title,
		Status:         status,
		Detail:         resp.ErrorMessage,
		Instance:       r.URL.Path,
		TraceID:        w.Header().Get(HeaderRequestID),
		StatusMessages: resp.StatusMessages,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
