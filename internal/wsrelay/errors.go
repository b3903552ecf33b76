package wsrelay

import "errors"

var (
	// ErrUpstreamConnect covers DNS, TCP, TLS and handshake failures toward the target.
	ErrUpstreamConnect = errors.New("upstream unreachable")
	// ErrProtocol is a malformed in-band handshake or an unexpected frame.
	ErrProtocol = errors.New("protocol error")
	// ErrAuthTooLarge is an in-band auth message over the pre-auth size cap.
	ErrAuthTooLarge = errors.New("auth message too large")
	// ErrRateLimited is returned when the user exceeded their session rate.
	ErrRateLimited = errors.New("rate limited")
)

// Close codes sent to in-band clients whose handshake is rejected. The 4xxx
// range is reserved for applications by RFC 6455.
const (
	CloseBadRequest   = 4000
	CloseUnauthorized = 4001
	CloseAuthTimeout  = 4008
	CloseRateLimited  = 4029
)
