// Package faults defines the error taxonomy shared by the inbound and
// outbound exchange paths. Every error that terminates an exchange attempt
// carries exactly one Category, and the category alone decides whether the
// failure is transient (worth retrying) or permanent.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Category is a closed set of exchange failure classes.
type Category string

const (
	MalformedSegment              Category = "MalformedSegment"
	UnrecognizedMessageType       Category = "UnrecognizedMessageType"
	ConsentDenied                 Category = "ConsentDenied"
	ConsentUnknown                Category = "ConsentUnknown"
	TransformError                Category = "TransformError"
	NetworkTimeout                Category = "NetworkTimeout"
	RemoteServerError             Category = "RemoteServerError"
	RemoteClientError             Category = "RemoteClientError"
	OptimisticConcurrencyConflict Category = "OptimisticConcurrencyConflict"
	NotFound                      Category = "NotFound"
	InvalidState                  Category = "InvalidState"
	// Internal covers storage and infrastructure failures.
	Internal Category = "Internal"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	MalformedSegment,
	UnrecognizedMessageType,
	ConsentDenied,
	ConsentUnknown,
	TransformError,
	NetworkTimeout,
	RemoteServerError,
	RemoteClientError,
	OptimisticConcurrencyConflict,
	NotFound,
	InvalidState,
	Internal,
}

// Transient reports whether a failure of this category may succeed when
// the same operation is attempted again.
func (c Category) Transient() bool {
	switch c {
	case NetworkTimeout, RemoteServerError, OptimisticConcurrencyConflict, Internal:
		return true
	}
	return false
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// Error is a categorized exchange error.
type Error struct {
	Category Category
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Category, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return string(e.Category)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by category so callers can write
// errors.Is(err, &faults.Error{Category: faults.ConsentDenied}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Category == e.Category && t.Detail == "" && t.Err == nil
}

// New builds a categorized error with a formatted detail.
func New(c Category, format string, args ...any) *Error {
	return &Error{Category: c, Detail: fmt.Sprintf(format, args...)}
}

// Wrap categorizes err. A nil err yields nil.
func Wrap(c Category, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Category: c, Detail: fmt.Sprintf(format, args...), Err: err}
}

// CategoryOf returns the category of err. Uncategorized deadline errors are
// NetworkTimeout; anything else uncategorized is Internal. A nil error has
// no category.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NetworkTimeout
	}
	return Internal
}

// Has reports whether err carries category c.
func Has(err error, c Category) bool {
	return err != nil && CategoryOf(err) == c
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && CategoryOf(err).Transient()
}

// Detail returns the human-readable reason of err without the category prefix.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		switch {
		case fe.Detail != "" && fe.Err != nil:
			return fe.Detail + ": " + fe.Err.Error()
		case fe.Detail != "":
			return fe.Detail
		case fe.Err != nil:
			return fe.Err.Error()
		}
		return string(fe.Category)
	}
	return err.Error()
}
