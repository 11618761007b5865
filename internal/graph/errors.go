package graph

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindInput            ErrorKind = "input"
	KindPermissionDenied ErrorKind = "permission_denied"
)

// Error is a user-facing failure. Any other error returned by the engine is
// fatal and aborts the surrounding transaction.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func notFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func inputError(format string, args ...any) error {
	return &Error{Kind: KindInput, Message: fmt.Sprintf(format, args...)}
}

func permissionDenied(format string, args ...any) error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

func kindOf(err error) ErrorKind {
	var graphErr *Error
	if errors.As(err, &graphErr) {
		return graphErr.Kind
	}
	return ""
}

func IsNotFound(err error) bool {
	return kindOf(err) == KindNotFound
}

func IsInput(err error) bool {
	return kindOf(err) == KindInput
}

func IsPermissionDenied(err error) bool {
	return kindOf(err) == KindPermissionDenied
}

// asInput turns a child's NotFound into an InputError for the parent body.
func asInput(err error) error {
	var graphErr *Error
	if errors.As(err, &graphErr) && graphErr.Kind == KindNotFound {
		return &Error{Kind: KindInput, Message: graphErr.Message}
	}
	return err
}
