// Package endpoint parses fleet API endpoint URLs and tunnel targets.
//
// Supported endpoint schemes:
//
//	http://host[:port]                    TCP, port defaults to 80
//	https://host[:port]                   TCP, port defaults to 443
//	http+unix://%2Fvar%2Frun%2Ffleet.sock unix domain socket, path percent-escaped
//
// The ssh+http and ssh+http+unix forms are produced by Endpoint.Tunneled when
// requests travel through an SSH tunnel; callers never supply them.
package endpoint

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/cnelson/go-fleet/fleeterr"
)

// Scheme is an endpoint URL scheme.
type Scheme string

const (
	SchemeHTTP        Scheme = "http"
	SchemeHTTPS       Scheme = "https"
	SchemeHTTPUnix    Scheme = "http+unix"
	SchemeSSHHTTP     Scheme = "ssh+http"
	SchemeSSHHTTPS    Scheme = "ssh+https"
	SchemeSSHHTTPUnix Scheme = "ssh+http+unix"
)

const tunnelPrefix = "ssh+"

// unixAuthority is the authority handed to the HTTP layer for unix socket
// endpoints. The unix and tunnel providers ignore the dial address, so it
// only shows up in the Host header.
const unixAuthority = "localhost"

func (s Scheme) valid() bool {
	switch s {
	case SchemeHTTP, SchemeHTTPS, SchemeHTTPUnix, SchemeSSHHTTP, SchemeSSHHTTPS, SchemeSSHHTTPUnix:
		return true
	}
	return false
}

// IsUnix reports whether the scheme addresses a unix domain socket.
func (s Scheme) IsUnix() bool { return strings.Contains(string(s), "unix") }

// IsTunneled reports whether the scheme carries the internal ssh+ prefix.
func (s Scheme) IsTunneled() bool { return strings.HasPrefix(string(s), tunnelPrefix) }

// IsTLS reports whether the scheme is https flavored.
func (s Scheme) IsTLS() bool { return strings.Contains(string(s), "https") }

// DefaultPort returns 443 for https flavored schemes and 80 otherwise.
func (s Scheme) DefaultPort() int {
	if s.IsTLS() {
		return 443
	}
	return 80
}

// Endpoint is a parsed endpoint URL. Exactly one of (Host, Port) or
// SocketPath is populated, depending on Scheme.
type Endpoint struct {
	Scheme     Scheme
	Host       string
	Port       int
	SocketPath string

	raw string
}

// Parse parses an endpoint URL. Trailing slashes are ignored.
func Parse(raw string) (Endpoint, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")

	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return Endpoint{}, &fleeterr.FormatError{Input: raw, Reason: "endpoint must be of the form scheme://host[:port]"}
	}
	ep := Endpoint{Scheme: Scheme(strings.ToLower(scheme)), raw: raw}
	if !ep.Scheme.valid() {
		return Endpoint{}, &fleeterr.FormatError{Input: scheme, Reason: "unsupported endpoint scheme"}
	}

	// net/url refuses %2F inside the authority, so the unix form is split by hand.
	authority, _, _ := strings.Cut(rest, "/")
	if ep.Scheme.IsUnix() {
		path, err := url.PathUnescape(authority)
		if err != nil {
			return Endpoint{}, &fleeterr.FormatError{Input: authority, Reason: "invalid socket path escape"}
		}
		if path == "" {
			return Endpoint{}, &fleeterr.FormatError{Input: raw, Reason: "missing socket path"}
		}
		ep.SocketPath = path
		return ep, nil
	}

	host, port, err := SplitHostPort(authority, ep.Scheme.DefaultPort())
	if err != nil {
		return Endpoint{}, err
	}
	if host == "" {
		return Endpoint{}, &fleeterr.FormatError{Input: raw, Reason: "missing host"}
	}
	ep.Host = host
	ep.Port = port
	return ep, nil
}

// Resolve returns the host, port and socket path addressed by an endpoint
// URL. For unix schemes host is empty and port is zero; otherwise socketPath
// is empty.
func Resolve(raw string) (host string, port int, socketPath string, err error) {
	ep, err := Parse(raw)
	if err != nil {
		return "", 0, "", err
	}
	return ep.Host, ep.Port, ep.SocketPath, nil
}

// SplitHostPort splits a "host[:port]" string. When no port is present,
// defaultPort is used; a defaultPort of 0 means there is no default and the
// port is required. Ports must be integers in [1, 65535].
func SplitHostPort(s string, defaultPort int) (string, int, error) {
	host, portStr := s, ""
	hasPort := false
	switch {
	case strings.HasPrefix(s, "["):
		end := strings.Index(s, "]")
		if end < 0 {
			return "", 0, &fleeterr.FormatError{Input: s, Reason: "missing ']' in address"}
		}
		host = s[1:end]
		tail := s[end+1:]
		if tail != "" {
			if !strings.HasPrefix(tail, ":") {
				return "", 0, &fleeterr.FormatError{Input: s, Reason: "unexpected characters after address"}
			}
			portStr, hasPort = tail[1:], true
		}
	case strings.Count(s, ":") == 1:
		host, portStr, hasPort = strings.Cut(s, ":")
	case strings.Count(s, ":") > 1:
		// Bare IPv6 literal without a port.
		if net.ParseIP(s) == nil {
			return "", 0, &fleeterr.FormatError{Input: s, Reason: "too many colons in address"}
		}
	}

	if !hasPort {
		if defaultPort == 0 {
			return "", 0, &fleeterr.FormatError{Input: s, Reason: "port is required"}
		}
		return host, defaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, &fleeterr.FormatError{Input: portStr, Reason: "port must be an integer"}
	}
	if port < 1 || port > 65535 {
		return "", 0, &fleeterr.FormatError{Input: portStr, Reason: "port must be between 1 and 65535"}
	}
	return host, port, nil
}

// UnixURL returns the http+unix endpoint URL for a socket path, escaping
// the path so it fits in the authority component.
func UnixURL(socketPath string) string {
	return string(SchemeHTTPUnix) + "://" + strings.ReplaceAll(url.PathEscape(socketPath), "/", "%2F")
}

// Raw returns the endpoint as given to Parse, without trailing slashes.
func (e Endpoint) Raw() string { return e.raw }

func (e Endpoint) String() string { return e.raw }

// IsUnix reports whether the endpoint addresses a unix domain socket.
func (e Endpoint) IsUnix() bool { return e.Scheme.IsUnix() }

// Address returns "host:port" for TCP endpoints and the socket path for
// unix endpoints.
func (e Endpoint) Address() string {
	if e.IsUnix() {
		return e.SocketPath
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Tunneled returns a copy of e with the internal ssh+ scheme prefix applied.
func (e Endpoint) Tunneled() Endpoint {
	if e.Scheme.IsTunneled() {
		return e
	}
	t := e
	t.Scheme = Scheme(tunnelPrefix + string(e.Scheme))
	_, rest, _ := strings.Cut(e.raw, "://")
	t.raw = string(t.Scheme) + "://" + rest
	return t
}

// BaseURL returns the URL root the HTTP layer requests against: plain http
// or https with host:port. Unix socket endpoints get a placeholder authority
// because their provider ignores the dial address.
func (e Endpoint) BaseURL() string {
	scheme := "http"
	if e.Scheme.IsTLS() {
		scheme = "https"
	}
	if e.IsUnix() {
		return scheme + "://" + unixAuthority
	}
	return scheme + "://" + e.Address()
}
