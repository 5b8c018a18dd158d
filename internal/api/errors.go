package api

import (
	"errors"
	"net/http"

	"github.com/tracegate/tracegate/internal/ipam"
	"github.com/tracegate/tracegate/internal/revision"
	"github.com/tracegate/tracegate/internal/state"
)

// ServiceError is a typed error handlers can return to pick the response
// code. Domain errors from lower layers are translated in writeServiceError.
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return e.Code + ": " + e.Message
}

func invalidArgument(message string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: message}
}

func conflict(message string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: message}
}

func writeInvalidArgument(w http.ResponseWriter, message string) {
	writeServiceError(w, invalidArgument(message))
}

// writeServiceError maps service and domain errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	if err == nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}

	var svcErr *ServiceError
	var graceErr *revision.GraceError
	var overrideErr *revision.OverrideError
	switch {
	case errors.As(err, &svcErr):
		WriteError(w, statusForCode(svcErr.Code), svcErr.Code, svcErr.Message)
	case errors.Is(err, state.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &graceErr):
		WriteError(w, http.StatusBadRequest, "GRACE_REQUIRED", graceErr.Error())
	case errors.Is(err, revision.ErrUserBlocked):
		WriteError(w, http.StatusBadRequest, "USER_BLOCKED", err.Error())
	case errors.As(err, &overrideErr):
		WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", overrideErr.Error())
	case errors.Is(err, revision.ErrNoEnabledSNI), errors.Is(err, revision.ErrPoolRequired):
		WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, ipam.ErrPoolExhausted):
		WriteError(w, http.StatusBadRequest, "POOL_EXHAUSTED", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

func statusForCode(code string) int {
	switch code {
	case "INVALID_ARGUMENT", "GRACE_REQUIRED", "USER_BLOCKED", "POOL_EXHAUSTED":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "CONFLICT":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
