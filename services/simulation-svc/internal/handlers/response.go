package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"simulator/pkg/apperror"
	"simulator/pkg/auth"
	"simulator/pkg/logger"
	"simulator/services/simulation-svc/internal/repository"
)

var (
	errRouteNotFound    = apperror.New(apperror.CodeNotFound, "route not found")
	errMethodNotAllowed = apperror.New(apperror.CodeMethodNotAllowed, "method not allowed")
)

type errorBody struct {
	Code      apperror.ErrorCode `json:"code"`
	Message   string             `json:"message"`
	Field     string             `json:"field,omitempty"`
	Details   map[string]any     `json:"details,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to encode response", "error", err)
	}
}

// toAppError переводит ошибки сервиса и хранилища в коды API
func toAppError(err error) *apperror.Error {
	var appErr *apperror.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, repository.ErrSimulationNotFound):
		return apperror.Wrap(err, apperror.CodeNotFound, "simulation not found")
	case errors.Is(err, auth.ErrMissingToken):
		return apperror.ErrUnauthenticated
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrNoSubject):
		return apperror.Wrap(err, apperror.CodeUnauthenticated, "invalid token")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperror.Wrap(err, apperror.CodeUnavailable, "request timed out")
	default:
		return apperror.Wrap(err, apperror.CodeInternal, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := toAppError(err)
	status := apperror.HTTPStatus(appErr)

	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "error", err, "code", appErr.Code)
	} else {
		log.Debug("Request rejected", "error", err, "code", appErr.Code)
	}

	body := errorBody{
		Code:      appErr.Code,
		Message:   apperror.PublicMessage(appErr),
		Field:     appErr.Field,
		RequestID: requestIDFromContext(r.Context()),
	}
	if len(appErr.Details) > 0 {
		body.Details = appErr.Details
	}

	writeJSON(w, status, errorResponse{Error: body})
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="simulator"`)
	writeError(w, r, err)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, r, apperror.ErrRateLimited)
}
