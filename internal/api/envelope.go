package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shiftwire/shiftwire/internal/ingest"
	"github.com/shiftwire/shiftwire/internal/queue"
	"github.com/shiftwire/shiftwire/internal/session"
	"github.com/shiftwire/shiftwire/internal/validation"
)

// Envelope is the uniform response wrapper on every endpoint.
type Envelope struct {
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error codes surfaced in the envelope.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeStorageFailure   = "STORAGE_FAILURE"
	CodeNotFound         = "NOT_FOUND"
	CodeAuthExpired      = "AUTH_EXPIRED"
	CodeAuthMalformed    = "AUTH_MALFORMED"
	CodeAuthRevoked      = "AUTH_REVOKED"
	CodeSessionInactive  = "SESSION_INACTIVE"
	CodeNeedsRefresh     = "NEEDS_REFRESH"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
	CodeInvalidState     = "INVALID_STATE"
)

// WriteSuccess writes a success envelope with the given payload.
func WriteSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, r, status, Envelope{
		Status: "success",
		Data:   data,
	})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeEnvelope(w, r, status, Envelope{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
	})
}

// validationPayload carries field errors in the data section of a 400.
type validationPayload struct {
	Errors []validation.ValidationError `json:"errors"`
}

// WriteValidationError writes a 400 envelope with field-level details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, errs []validation.ValidationError) {
	writeEnvelope(w, r, http.StatusBadRequest, Envelope{
		Status:    "error",
		ErrorCode: CodeValidationFailed,
		Message:   "request validation failed",
		Data:      validationPayload{Errors: errs},
	})
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Timestamp = time.Now().UTC()
	env.RequestID = GetRequestID(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to encode response envelope", "error", err)
	}
}

// MapDomainError converts domain errors to envelope responses.
func MapDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ingest.ValidationError

	switch {
	case errors.As(err, &verr):
		WriteValidationError(w, r, verr.Fields)
	case errors.Is(err, queue.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "Record not found")
	case errors.Is(err, queue.ErrInvalidState):
		WriteError(w, r, http.StatusConflict, CodeInvalidState, "Entry state does not permit this transition")
	case errors.Is(err, session.ErrExpired):
		WriteError(w, r, http.StatusUnauthorized, CodeAuthExpired, "Token expired")
	case errors.Is(err, session.ErrNeedsRefresh):
		WriteError(w, r, http.StatusUnauthorized, CodeNeedsRefresh, "Token signed by retired key; refresh required")
	case errors.Is(err, session.ErrSessionInactive):
		WriteError(w, r, http.StatusUnauthorized, CodeSessionInactive, "Session is no longer active")
	case errors.Is(err, session.ErrRevoked), errors.Is(err, session.ErrSessionNotFound):
		WriteError(w, r, http.StatusUnauthorized, CodeAuthRevoked, "Credential revoked")
	case errors.Is(err, session.ErrMalformed), errors.Is(err, session.ErrWrongKind):
		WriteError(w, r, http.StatusUnauthorized, CodeAuthMalformed, "Credential malformed")
	default:
		// Never expose internal error details to the device
		WriteError(w, r, http.StatusInternalServerError, CodeStorageFailure, "Internal Server Error")
	}
}
