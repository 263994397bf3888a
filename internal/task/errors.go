package task

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/api/googleapi"
)

// Kind classifies a remote-boundary failure. The sync layer switches on
// kinds instead of pattern-matching error text.
type Kind int

const (
	// KindUnknown is a failure that matched no classification rule.
	KindUnknown Kind = iota

	// KindNotConnected is a precondition failure: no usable client was
	// available and one could not be created.
	KindNotConnected

	// KindAuthExpired means the stored credentials were rejected.
	KindAuthExpired

	// KindTransientNetwork covers timeouts and connectivity failures
	// that the next poll tick may recover from.
	KindTransientNetwork

	// KindRemote is a definite answer from the service that the call
	// failed (bad request, not found, server error).
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not-connected"
	case KindAuthExpired:
		return "auth-expired"
	case KindTransientNetwork:
		return "transient-network"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a user-facing message.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the kind from err, classifying on the fly when err is
// not already a *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ClassifyError(err)
}

// ClassifyError maps a raw client error to a Kind. Structured sources
// (googleapi status codes, net.Error) are checked first; the string
// heuristics the original client relied on remain only as a last resort.
func ClassifyError(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return KindAuthExpired
		case apiErr.Code >= 400:
			return KindRemote
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid_token"),
		strings.Contains(msg, "authentication expired"),
		strings.Contains(msg, "invalid_grant"):
		return KindAuthExpired
	case strings.Contains(msg, "network"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "socket"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"):
		return KindTransientNetwork
	}

	return KindUnknown
}
