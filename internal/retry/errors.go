package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

// Kind is the closed set of failure classes every external call resolves to.
type Kind int

const (
	// Transient failures are worth retrying with backoff; if retries are
	// exhausted the whole unit of work is deferred to the next cycle.
	Transient Kind = iota
	// Permanent failures abort the current unit of work without retry.
	Permanent
	// Unexpected covers programming errors caught at the ticket boundary.
	Unexpected
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unexpected"
	}
}

// Error carries a failure class alongside the underlying cause. StatusCode
// is set only for failures derived from an HTTP response.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	StatusCode int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewTransient wraps err as a retryable failure.
func NewTransient(msg string, err error) *Error {
	return &Error{Kind: Transient, Message: msg, Cause: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(msg string, err error) *Error {
	return &Error{Kind: Permanent, Message: msg, Cause: err}
}

// ClassifyKind returns the failure class of err, defaulting to Unexpected
// for anything that is not an *Error and not a recognizable network failure.
func ClassifyKind(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Transient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return Transient
	}
	return Unexpected
}

// FromStatusCode classifies an HTTP response status. Rate limiting and
// server-side failures are retryable; every other non-2xx status is not.
func FromStatusCode(code int, op string) *Error {
	var err *Error
	switch {
	case code == http.StatusTooManyRequests:
		err = NewTransient(fmt.Sprintf("%s: rate limited (429)", op), nil)
	case code >= 500:
		err = NewTransient(fmt.Sprintf("%s: server error (%d)", op, code), nil)
	default:
		err = NewPermanent(fmt.Sprintf("%s: request rejected (%d)", op, code), nil)
	}
	err.StatusCode = code
	return err
}

// IsLockContention reports whether err looks like write contention from the
// persistent store (SQLITE_BUSY / SQLITE_LOCKED). Matched on message text
// because the driver does not export sentinel errors for these codes.
func IsLockContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database table is locked")
}
