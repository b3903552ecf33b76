// Package target decodes and validates upstream URLs supplied by clients.
package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var ErrInvalidTarget = errors.New("invalid target")

// HeaderName is the fallback source for a target when the path carries none.
const HeaderName = "X-Target-URL"

// Route selects which schemes are acceptable.
type Route int

const (
	RouteWS Route = iota
	RouteREST
)

func (r Route) String() string {
	if r == RouteWS {
		return "ws"
	}
	return "rest"
}

// Key identifies an upstream endpoint for connection pooling.
type Key struct {
	Host string
	Port int
	TLS  bool
}

// Addr is the dialable host:port.
func (k Key) Addr() string { return net.JoinHostPort(k.Host, strconv.Itoa(k.Port)) }

func (k Key) String() string {
	if k.TLS {
		return "tls://" + k.Addr()
	}
	return "tcp://" + k.Addr()
}

// Target is a validated upstream URL.
type Target struct {
	URL  *url.URL
	Host string
	Port int
	TLS  bool
}

// Key returns the pool key for t.
func (t *Target) Key() Key { return Key{Host: t.Host, Port: t.Port, TLS: t.TLS} }

// RequestURI is the origin-form request target sent upstream.
func (t *Target) RequestURI() string { return t.URL.RequestURI() }

// HostHeader is the value for the upstream Host header; default ports are omitted.
func (t *Target) HostHeader() string { return t.URL.Host }

func (t *Target) String() string { return t.URL.String() }

// Redacted drops the query so URLs can be logged without leaking API keys.
func (t *Target) Redacted() string {
	u := *t.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

var schemes = map[Route]map[string]bool{
	RouteWS:   {"ws": false, "wss": true},
	RouteREST: {"http": false, "https": true},
}

// Resolve decodes raw (percent-encoded or literal) and validates it for route.
// No name resolution is attempted.
func Resolve(raw string, route Route) (*Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if !strings.Contains(raw, "://") && strings.Contains(raw, "%") {
		dec, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		raw = dec
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	scheme := strings.ToLower(u.Scheme)
	secure, ok := schemes[route][scheme]
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q not allowed on %s route", ErrInvalidTarget, u.Scheme, route)
	}
	u.Scheme = scheme
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("%w: port %q", ErrInvalidTarget, p)
		}
		port = n
	}
	u.Fragment = ""
	return &Target{URL: u, Host: host, Port: port, TLS: secure}, nil
}

// FromPath returns the raw target following prefix in a request URI as sent
// on the wire, so encoded separators survive. The relay's own query string
// (everything after the first literal '?') is returned separately.
func FromPath(requestURI, prefix string) (raw, query string) {
	rest, ok := strings.CutPrefix(requestURI, prefix)
	if !ok {
		return "", ""
	}
	raw, query, _ = strings.Cut(rest, "?")
	return raw, query
}

// WithQuery appends a relay-side query to t, merging with any query already
// embedded in the target.
func (t *Target) WithQuery(query string) {
	if query == "" {
		return
	}
	if t.URL.RawQuery == "" {
		t.URL.RawQuery = query
		return
	}
	t.URL.RawQuery += "&" + query
}

// StripParam removes a relay-only parameter (such as token) from a raw query.
func StripParam(query, name string) string {
	if query == "" {
		return ""
	}
	parts := strings.Split(query, "&")
	out := parts[:0]
	for _, p := range parts {
		k, _, _ := strings.Cut(p, "=")
		if k == name {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "&")
}
