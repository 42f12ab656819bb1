package feed

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSymbolNotFound indicates the provider does not list the requested symbol.
var ErrSymbolNotFound = errors.New("feed: symbol not found")

// ErrorKind splits provider failures into the two retry classes.
type ErrorKind int

const (
	// KindTransient covers timeouts, throttling and 5xx responses; callers
	// retry with backoff up to a bounded attempt count.
	KindTransient ErrorKind = iota
	// KindPermanent covers failures a retry cannot fix, e.g. an unknown
	// symbol or a rejected API key.
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is the typed failure surfaced by provider clients. It records the
// attempt count and last HTTP status for observability.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Op         string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s failure", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable provider failure.
func Transient(provider, op string, err error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable provider failure.
func Permanent(provider, op string, err error) *Error {
	return &Error{Kind: KindPermanent, Provider: provider, Op: op, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindTransient
	}
	return false
}

// IsPermanent reports whether err is beyond retry.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrSymbolNotFound) {
		return true
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindPermanent
	}
	return false
}

// ClassifyStatus maps an HTTP status code onto an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return KindTransient
	default:
		return KindPermanent
	}
}
