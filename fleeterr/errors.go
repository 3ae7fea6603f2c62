// Package fleeterr defines the error taxonomy shared by the fleet client
// packages.
//
// Every failure surfaced to a caller is one of:
//   - ConfigError: invalid construction arguments, conflicting transport
//     options, an unreadable known hosts file, or an endpoint that is
//     unreachable or is not a fleet v1 API at construction time.
//   - ConnectivityError: DNS failure, refused connection, SSH authentication
//     or host key failure, unsupported tunneling capability. Kind tells them
//     apart.
//   - FormatError: malformed unit file text, out-of-range port strings,
//     unknown endpoint schemes.
//   - APIError: a well-formed error response from the fleet API.
//   - StateError: an operation that is not allowed for a unit in its current
//     live/editable variant.
//
// All types implement Unwrap, so errors.As works through wrapping layers
// such as *url.Error.
package fleeterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ConfigError reports invalid client or tunnel configuration.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Configf returns a ConfigError with a formatted reason and no cause.
func Configf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ConnectivityKind identifies what went wrong while reaching a host.
type ConnectivityKind string

const (
	KindResolve     ConnectivityKind = "resolve"
	KindRefused     ConnectivityKind = "refused"
	KindTimeout     ConnectivityKind = "timeout"
	KindAuth        ConnectivityKind = "auth"
	KindHostKey     ConnectivityKind = "host-key"
	KindHandshake   ConnectivityKind = "handshake"
	KindUnsupported ConnectivityKind = "unsupported"
	KindClosed      ConnectivityKind = "closed"
	KindNetwork     ConnectivityKind = "network"
)

// ConnectivityError reports a failure to reach Addr before any HTTP
// response was received.
type ConnectivityError struct {
	Kind ConnectivityKind
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	var msg string
	switch e.Kind {
	case KindResolve:
		msg = fmt.Sprintf("unable to resolve host %s", e.Addr)
	case KindRefused:
		msg = fmt.Sprintf("connection to %s refused", e.Addr)
	case KindTimeout:
		msg = fmt.Sprintf("connection to %s timed out", e.Addr)
	case KindAuth:
		msg = fmt.Sprintf("authentication to %s failed", e.Addr)
	case KindHostKey:
		msg = fmt.Sprintf("host key verification for %s failed", e.Addr)
	case KindHandshake:
		msg = fmt.Sprintf("ssh handshake with %s failed", e.Addr)
	case KindUnsupported:
		msg = fmt.Sprintf("operation not supported by %s", e.Addr)
	case KindClosed:
		msg = fmt.Sprintf("connection to %s is closed", e.Addr)
	default:
		msg = fmt.Sprintf("unable to connect to %s", e.Addr)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ClassifyDial wraps a dial failure for addr in a ConnectivityError whose
// Kind reflects the underlying cause. Errors that are already classified are
// returned unchanged.
func ClassifyDial(addr string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return err
	}

	kind := KindNetwork
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		kind = KindResolve
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindRefused
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &ConnectivityError{Kind: kind, Addr: addr, Err: err}
}

// IsConnectivity reports whether err is a ConnectivityError of the given kind.
func IsConnectivity(err error, kind ConnectivityKind) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce) && ce.Kind == kind
}

// FormatError reports malformed input. Line is 1-based and zero when the
// input is not line oriented.
type FormatError struct {
	Line   int
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	msg := e.Reason
	if e.Input != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Input)
	}
	if e.Line > 0 {
		msg = fmt.Sprintf("%s (line: %d)", msg, e.Line)
	}
	return msg
}

// HTTPError is the raw HTTP failure behind an APIError.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, string(e.Body))
}

// APIError is an error response returned by the fleet API. Err holds the
// underlying *HTTPError for callers that need the raw response.
type APIError struct {
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an APIError with code 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

// StateError reports an operation that is invalid for an object's current
// state, e.g. editing the options of a unit already submitted to fleet.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return e.Reason }
