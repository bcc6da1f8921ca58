package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/infra/logging"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type httpError struct {
	status  int
	code    string
	message string
}

// classify maps domain errors to responses. Business rejections carry an
// actionable message; internal faults get a generic one.
func classify(err error) httpError {
	switch {
	case errors.Is(err, domain.ErrAlreadyOwned):
		return httpError{http.StatusConflict, "already_owned", "you already own this program"}
	case errors.Is(err, domain.ErrAlreadyActive):
		return httpError{http.StatusConflict, "already_active", "you already have an active subscription; change its tier instead"}
	case errors.Is(err, domain.ErrRefundWindowExpired):
		return httpError{http.StatusUnprocessableEntity, "refund_window_expired", "purchases can only be refunded within 30 days"}
	case errors.Is(err, domain.ErrNoChange):
		return httpError{http.StatusUnprocessableEntity, "no_change", "the requested change matches the current state"}
	case errors.Is(err, domain.ErrInvalidState):
		return httpError{http.StatusConflict, "invalid_state", "this action is not available in the current state"}
	case errors.Is(err, domain.ErrInvalidArgument):
		return httpError{http.StatusBadRequest, "invalid_argument", "the request is invalid"}
	case errors.Is(err, domain.ErrNotFound):
		return httpError{http.StatusNotFound, "not_found", "not found"}
	case errors.Is(err, domain.ErrLockNotAcquired):
		return httpError{http.StatusConflict, "busy", "another request is in progress, retry shortly"}
	case errors.Is(err, domain.ErrStateConflict):
		return httpError{http.StatusConflict, "conflict", "the request conflicts with the current state"}
	case errors.Is(err, domain.ErrSignature):
		return httpError{http.StatusBadRequest, "bad_signature", "invalid signature"}
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, context.DeadlineExceeded):
		return httpError{http.StatusServiceUnavailable, "unavailable", "payment processor unavailable, try again later"}
	}
	return httpError{http.StatusInternalServerError, "internal_error", "internal error"}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *zerolog.Logger, err error) {
	he := classify(err)
	l := logging.With(r.Context(), logger)
	switch {
	case domain.IsBusinessRejection(err), he.status == http.StatusNotFound, he.status == http.StatusBadRequest && he.code == "invalid_argument":
		l.Debug().Err(err).Int("status", he.status).Msg("request rejected")
	case errors.Is(err, domain.ErrLockNotAcquired):
		l.Warn().Err(err).Msg("request lock busy")
	default:
		// state conflicts, signature failures and internal faults
		l.Error().Err(err).Int("status", he.status).Msg("request failed")
	}
	writeJSON(w, he.status, errorBody{Error: he.code, Message: he.message})
}
