package app

import (
	"errors"
	"fmt"
	"net/http"

	"metagraph/api/internal/auth"
	"metagraph/api/internal/graph"
)

// DomainError is an error with a ready HTTP status and machine code.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// notFoundError and forbiddenError carry only the uuid, like the engine's
// own errors.
func notFoundError(uuid string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", uuid, nil)
}

func forbiddenError(uuid string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", uuid, nil)
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var graphErr *graph.Error
	if errors.As(err, &graphErr) {
		switch graphErr.Kind {
		case graph.KindNotFound:
			return http.StatusNotFound, "NOT_FOUND", graphErr.Message, nil
		case graph.KindInput:
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", graphErr.Message, nil
		case graph.KindPermissionDenied:
			return http.StatusForbidden, "FORBIDDEN", graphErr.Message, nil
		}
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
