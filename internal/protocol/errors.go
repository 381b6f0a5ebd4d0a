package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed        = errors.New("malformed record")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrMissingField     = errors.New("missing field")
	ErrInvalidValue     = errors.New("invalid value")
)

// Error is returned by Decode for every rejected record. Kind is one of
// the sentinels above; Field names the offending field when there is one.
type Error struct {
	Kind   error
	Field  string
	Detail string
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg += fmt.Sprintf(" %q", e.Field)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

func missing(field string) error { return &Error{Kind: ErrMissingField, Field: field} }

func invalid(field, detail string) error {
	return &Error{Kind: ErrInvalidValue, Field: field, Detail: detail}
}
