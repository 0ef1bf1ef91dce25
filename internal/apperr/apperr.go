// Package apperr holds the error taxonomy shared by the client and the CLI.
// Every error ends up as a single human readable string via Message.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrTransport  = errors.New("transport error")
	ErrBackend    = errors.New("backend error")
	ErrValidation = errors.New("validation failed")
)

type Error struct {
	Kind       error
	Msg        string
	StatusCode int
	Field      string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

func Transport(msg string, cause error) *Error {
	return &Error{Kind: ErrTransport, Msg: msg, Cause: cause}
}

func Backend(msg string, statusCode int, cause error) *Error {
	return &Error{Kind: ErrBackend, Msg: msg, StatusCode: statusCode, Cause: cause}
}

func Validation(msg string, cause error) *Error {
	return &Error{Kind: ErrValidation, Msg: msg, Cause: cause}
}

// Message converts any error into the text shown next to the control that
// triggered it.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

func IsTransport(err error) bool  { return errors.Is(err, ErrTransport) }
func IsBackend(err error) bool    { return errors.Is(err, ErrBackend) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
