package dispatch

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// sniffedConn replays the bytes buffered while classifying the request.
type sniffedConn struct {
	net.Conn
	br         *bufio.Reader
	acceptedAt time.Time
}

func (c *sniffedConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// chanListener feeds classified connections to an http.Server.
type chanListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{addr: addr, conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() net.Addr { return l.addr }

// push hands c to the server; it fails once the listener is closed or ctx ends.
func (l *chanListener) push(ctx context.Context, c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	}
}

type ctxKey struct{}

// ConnContext is installed as http.Server.ConnContext so handlers can read the
// accept time of the underlying connection.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	if sc, ok := c.(*sniffedConn); ok {
		return context.WithValue(ctx, ctxKey{}, sc.acceptedAt)
	}
	return ctx
}

// AcceptedAt returns when the connection carrying ctx's request was accepted.
// It falls back to now for requests that did not pass through a Dispatcher.
func AcceptedAt(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ctxKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}
