package pool

import "errors"

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrStaleConn marks I/O failures on a connection that came from the idle
	// set; callers discard the connection and retry on a fresh one.
	ErrStaleConn = errors.New("stale pooled connection")
	// ErrDial wraps failures to establish a new upstream connection.
	ErrDial = errors.New("upstream dial failed")
)
