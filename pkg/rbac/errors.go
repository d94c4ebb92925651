package rbac

import (
	"errors"
	"fmt"
	"net/http"
)

// Errors returned by the engine and the stores. Callers distinguish them
// with errors.Is. A DENY verdict is never an error.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrProjectNotFound   = errors.New("project not found")
	ErrRoleNotFound      = errors.New("role not found")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrValidation        = errors.New("validation failed")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrConditionNotFound = errors.New("access condition not found")
	ErrBindingNotFound   = errors.New("binding not found")
	ErrGrantNotFound     = errors.New("grant not found")
	ErrGrantConflict     = errors.New("an active grant already exists")
	ErrInvalidTransition = errors.New("invalid grant status transition")
)

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storeError wraps a driver failure so it reads as ErrStoreUnavailable while
// keeping the cause inspectable.
func storeError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStoreUnavailable, op, err)
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrProjectNotFound),
		errors.Is(err, ErrRoleNotFound),
		errors.Is(err, ErrResourceNotFound),
		errors.Is(err, ErrConditionNotFound),
		errors.Is(err, ErrBindingNotFound),
		errors.Is(err, ErrGrantNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrGrantConflict), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
