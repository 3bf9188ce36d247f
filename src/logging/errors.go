package logging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies failures so sweeps can decide between retrying, skipping and
// treating the item as already handled.
type Kind int

const (
	Unknown Kind = iota
	// TransientNetwork: RPC/API unreachable or timed out. Retry next cycle.
	TransientNetwork
	// InvalidResponse: malformed data from a collaborator. Skip the item.
	InvalidResponse
	// StateConflict: external state disagrees with the cached record. Treat as handled.
	StateConflict
	// PermanentConfig: missing credentials or addresses. Fatal at startup.
	PermanentConfig
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case InvalidResponse:
		return "invalid_response"
	case StateConflict:
		return "state_conflict"
	case PermanentConfig:
		return "permanent_config"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the innermost explicit kind, falling back to a best-effort
// classification of network errors.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsTimeout(err) || IsRateLimit(err) {
		return TransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientNetwork
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTimeout reports deadline and client timeouts.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429")
}

// KindForStatus maps an HTTP response status to a kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusConflict:
		return StateConflict
	case status == http.StatusTooManyRequests || status >= 500:
		return TransientNetwork
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return PermanentConfig
	case status >= 400:
		return InvalidResponse
	default:
		return Unknown
	}
}
