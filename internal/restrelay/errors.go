package restrelay

import "errors"

var (
	// ErrUpstream is a failure talking to the target after a connection was established.
	ErrUpstream = errors.New("upstream request failed")
	// ErrBodyTooLarge is returned when a request body exceeds rest_max_body_bytes.
	ErrBodyTooLarge = errors.New("request body too large")
)
