// Package apperr classifies the failures of a notifier run and maps them to
// process exit codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stage of the run an error belongs to.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that carry no classification.
	KindUnknown Kind = iota
	// KindConfig: missing or invalid configuration. No network call is attempted.
	KindConfig
	// KindAuth: the client-credentials exchange failed.
	KindAuth
	// KindLookup: the broadcaster login could not be resolved to a user id.
	KindLookup
	// KindStatusQuery: the stream status request failed.
	KindStatusQuery
	// KindNotify: a single webhook delivery failed. Never fatal.
	KindNotify
	// KindState: the state backend could not be read or written.
	KindState
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindLookup:
		return "lookup"
	case KindStatusQuery:
		return "status_query"
	case KindNotify:
		return "notify"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

var (
	// ErrBroadcasterNotFound is wrapped by lookup errors when the login matches no user.
	ErrBroadcasterNotFound = errors.New("broadcaster not found")
	// ErrUnauthorized is wrapped when the platform rejects the bearer token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error is a classified error. Op names the call that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must abort the run. Only notify failures are
// tolerated, since state still has to be saved after them.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindNotify
}

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case KindOf(err) == KindConfig:
		return 2
	case !IsFatal(err):
		return 0
	default:
		return 1
	}
}
