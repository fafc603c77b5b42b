package terminal

import (
	"errors"
	"net/http"
)

var (
	// ErrSessionNotFound means the id was never known or has been removed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionDestroyed means the session existed and is being torn down.
	ErrSessionDestroyed = errors.New("session destroyed")
	// ErrCapacityExceeded means the session ceiling was reached even after a sweep.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrSandboxCreate wraps a provider failure during session creation.
	ErrSandboxCreate = errors.New("sandbox creation failed")
	// ErrSandboxMissing means a live session lost its sandbox binding.
	ErrSandboxMissing = errors.New("session has no sandbox binding")
	// ErrInvalidCommand is returned for empty or oversized commands.
	ErrInvalidCommand = errors.New("invalid command")
)

// HTTPStatus maps a manager error to the status code every transport reports.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionDestroyed):
		return http.StatusGone
	case errors.Is(err, ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSandboxCreate):
		return http.StatusBadGateway
	case errors.Is(err, ErrInvalidCommand):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
