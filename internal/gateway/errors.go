package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of failures a call (or a client-side check) can produce.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	// KindConflict is a dependent-data constraint (HTTP 422).
	KindConflict
	// KindReadOnly is a locked resource, e.g. a closed year (HTTP 423).
	KindReadOnly
	KindServerError
	// KindValidation is raised on the client before any request is sent.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConflict:
		return "conflict"
	case KindReadOnly:
		return "read-only"
	case KindServerError:
		return "server-error"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is returned by Send for every failed call. Status is 0 when no response was received.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind of err. Errors that did not come from the gateway are KindUnknown.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// Invalid builds a validation error for input rejected before any request is made.
func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func classify(status int) Kind {
	switch {
	case status == http.StatusUnprocessableEntity:
		return KindConflict
	case status == http.StatusLocked:
		return KindReadOnly
	case status >= 500 && status <= 599:
		return KindServerError
	default:
		return KindUnknown
	}
}

func defaultMessage(kind Kind, status int) string {
	switch kind {
	case KindTimeout:
		return "timeout: deadline reached"
	case KindConflict:
		return "the change conflicts with dependent data"
	case KindReadOnly:
		return "this year is closed and can no longer be changed"
	case KindServerError:
		return fmt.Sprintf("server error (%d)", status)
	default:
		if status == 0 {
			return "server unreachable"
		}
		return fmt.Sprintf("unexpected response (%d %s)", status, http.StatusText(status))
	}
}
