package fetcher

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/hlspoll/internal/fetch"
)

// ErrorKind unifies the duck-typed error tags the source implementation
// inspects (isBoom, statusCode, httpStatus, syscall, isBlocking) into a
// single enum, per spec §9's "tagged variants instead of duck typing"
// design note.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindAbort
	ErrorKindTimeout
	ErrorKindParser
	ErrorKindInvalidMime
	ErrorKindHTTPStatus
	ErrorKindTransport
	ErrorKindRewind
	ErrorKindStreamInconsistency
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindAbort:
		return "abort"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindParser:
		return "parser"
	case ErrorKindInvalidMime:
		return "invalid_mime"
	case ErrorKindHTTPStatus:
		return "http_status"
	case ErrorKindTransport:
		return "transport"
	case ErrorKindRewind:
		return "rewind"
	case ErrorKindStreamInconsistency:
		return "stream_inconsistency"
	default:
		return "unknown"
	}
}

// Error is the fetcher package's unified error type. Kind classifies the
// failure; Blocking records whether the request that produced it carried a
// blocking key (spec §4.2: "errors... tagged is_blocking=true... so that
// the next retry's recoverability check trivially succeeds").
type Error struct {
	Kind     ErrorKind
	Blocking bool
	Status   int
	Cause    error
	msg      string
}

func (e *Error) Error() string {
	if e.msg != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.msg, e.Cause)
		}
		return e.msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("fetcher: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("fetcher: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithBlocking returns a copy of e tagged as produced by a blocking
// request, matching spec §4.2's "errors during a blocking request are
// tagged is_blocking=true before propagation".
func (e *Error) WithBlocking() *Error {
	cp := *e
	cp.Blocking = true
	return &cp
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, Cause: cause}
}

// ErrIndexNotReady is the synchronous failure Update returns when called
// before Index has completed successfully (spec §4.2 "update()... fails
// synchronously if called before index() completed").
var ErrIndexNotReady = errors.New("fetcher: an initial index() must have been successfully fetched")

// ErrUpdateInFlight is the synchronous failure Update returns when another
// update is already pending (spec invariant I3 / property P2).
var ErrUpdateInFlight = errors.New("fetcher: an update is already being fetched")

// ErrCannotUpdate is returned by Update when CanUpdate() is false (the
// playlist is not live, or the fetcher is cancelled).
var ErrCannotUpdate = errors.New("fetcher: playlist cannot be updated (not live or cancelled)")

// ErrStalled is the cancellation reason used when an update's stall timer
// fires (spec §4.2 "Stall timer", property P8).
var ErrStalled = errors.New("Index update stalled")

// ErrStreamInconsistency is raised when a blocking reload returns the same
// head it was told to advance past, immediately following a previously
// successful blocking update (spec §4.2 step 7).
var ErrStreamInconsistency = errors.New("stream inconsistency: blocking reload did not advance")

// classify maps a raw error from the fetch/parse layer to a *Error with a
// concrete ErrorKind, per spec §4.2 isRecoverableUpdateError's input
// taxonomy.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var statusErr *fetch.StatusError
	if errors.As(err, &statusErr) {
		return &Error{Kind: ErrorKindHTTPStatus, Status: statusErr.Status, Cause: err}
	}
	var timeoutErr *fetch.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &Error{Kind: ErrorKindTimeout, Cause: err}
	}
	var abortErr *fetch.AbortError
	if errors.As(err, &abortErr) {
		return &Error{Kind: ErrorKindAbort, Cause: err}
	}
	var transportErr *fetch.TransportError
	if errors.As(err, &transportErr) {
		return &Error{Kind: ErrorKindTransport, Cause: err}
	}
	return &Error{Kind: ErrorKindUnknown, Cause: err}
}

// isRecoverableUpdateError implements spec §4.2's recoverability rule.
func isRecoverableUpdateError(err *Error) bool {
	if err.Blocking {
		return true
	}
	switch err.Kind {
	case ErrorKindRewind:
		return true
	case ErrorKindParser:
		return true
	case ErrorKindHTTPStatus:
		switch err.Status {
		case 404, 408, 425, 429:
			return true
		}
		return err.Status >= 500 && err.Status < 600
	case ErrorKindTransport:
		// Syscall-classified transport errors (DNS failure, reset
		// connection) are recoverable; bare transport errors with no
		// syscall detail are treated conservatively as non-recoverable,
		// matching the web-variant behavior noted in spec §4.2.
		var te *fetch.TransportError
		if errors.As(err.Cause, &te) {
			return te.Syscall != ""
		}
		return false
	default:
		return false
	}
}
