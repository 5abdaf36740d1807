package venue

import (
	"errors"
	"net/http"
	"strings"
)

// Kind is the six-member error taxonomy every venue operation classifies its
// failures into, so nothing above this package needs to understand HTTP
// status codes or SDK-specific error types.
type Kind int

const (
	Unknown Kind = iota
	Transient
	Auth
	NotFound
	InvalidArgument
	RateLimited
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "Transient"
	case Auth:
		return "Auth"
	case NotFound:
		return "NotFound"
	case InvalidArgument:
		return "InvalidArgument"
	case RateLimited:
		return "RateLimited"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying venue failure with its classified Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the executor should retry this failure with
// backoff (Transient and RateLimited), as opposed to surfacing it immediately.
func (e *Error) Retryable() bool {
	return e.Kind == Transient || e.Kind == RateLimited
}

// Classify maps an HTTP status code and/or underlying error into a Kind,
// adapted from the substring-matching classifier used by the trade executor
// example in the retrieval pack, generalized to also consult a status code
// when one is available from the SDK response.
func Classify(op string, statusCode int, err error) *Error {
	if err == nil && statusCode == 0 {
		return nil
	}
	if err == nil {
		err = errors.New(http.StatusText(statusCode))
	}

	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return &Error{Auth, op, err}
	case statusCode == http.StatusTooManyRequests:
		return &Error{RateLimited, op, err}
	case statusCode == http.StatusNotFound:
		return &Error{NotFound, op, err}
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		return &Error{InvalidArgument, op, err}
	case statusCode >= http.StatusInternalServerError:
		return &Error{Transient, op, err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "connection refused", "eof", "dial", "deadline exceeded"):
		return &Error{Transient, op, err}
	case containsAny(msg, "unauthorized", "forbidden", "invalid signature", "invalid api key"):
		return &Error{Auth, op, err}
	case containsAny(msg, "not found"):
		return &Error{NotFound, op, err}
	case containsAny(msg, "rate limit", "too many requests"):
		return &Error{RateLimited, op, err}
	case containsAny(msg, "invalid", "bad request", "malformed"):
		return &Error{InvalidArgument, op, err}
	default:
		return &Error{Fatal, op, err}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
