// Package pool keeps idle upstream HTTP/1.1 connections for reuse across REST
// requests. A connection is checked out exclusively by Acquire and handed back
// exactly once with Release.
package pool

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/relaycore/internal/obs"
	"github.com/matst80/relaycore/internal/target"
)

const probeWait = time.Millisecond

// Settings are read on every Acquire so a config reload applies to new dials.
type Settings struct {
	MaxIdlePerHost     int
	IdleTTL            time.Duration
	DialTimeout        time.Duration
	InsecureSkipVerify bool
}

type idleKey struct {
	target.Key
	insecure bool
}

// Conn is a checked-out upstream connection.
type Conn struct {
	net.Conn
	key      idleKey
	br       *bufio.Reader
	lastUsed time.Time
	reused   bool
	released atomic.Bool
}

// Reader buffers reads from the connection; response parsing must go through
// it so buffered bytes are not lost between requests.
func (c *Conn) Reader() *bufio.Reader { return c.br }

// Reused reports whether the connection came from the idle set.
func (c *Conn) Reused() bool { return c.reused }

// Key is the upstream endpoint the connection belongs to.
func (c *Conn) Key() target.Key { return c.key.Key }

// Pool is safe for concurrent use.
type Pool struct {
	settings func() Settings
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	sessions tls.ClientSessionCache
	now      func() time.Time

	mu     sync.Mutex // guards idle, total and closed only
	idle   map[idleKey][]*Conn
	total  int
	closed bool
}

// New creates a pool reading its limits from settings.
func New(settings func() Settings) *Pool {
	return &Pool{
		settings: settings,
		sessions: tls.NewLRUClientSessionCache(128),
		now:      time.Now,
		idle:     make(map[idleKey][]*Conn),
	}
}

// Acquire returns an idle connection for key that passes a liveness probe, or
// dials a new one.
func (p *Pool) Acquire(ctx context.Context, key target.Key) (*Conn, error) {
	s := p.settings()
	ik := idleKey{Key: key, insecure: s.InsecureSkipVerify}
	for {
		c, err := p.pop(ik)
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}
		if p.alive(c, s.IdleTTL) {
			c.reused = true
			c.released.Store(false)
			obs.PoolReuseTotal.Inc()
			return c, nil
		}
		obs.PoolDiscardsTotal.WithLabelValues("dead").Inc()
		_ = c.Conn.Close()
	}
	return p.dialNew(ctx, ik, s)
}

// Dial establishes a new connection for key without consulting the idle set.
// The connection can still be handed back with Release.
func (p *Pool) Dial(ctx context.Context, key target.Key) (*Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	s := p.settings()
	return p.dialNew(ctx, idleKey{Key: key, insecure: s.InsecureSkipVerify}, s)
}

func (p *Pool) pop(ik idleKey) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	list := p.idle[ik]
	if len(list) == 0 {
		return nil, nil
	}
	c := list[len(list)-1]
	list[len(list)-1] = nil
	if len(list) == 1 {
		delete(p.idle, ik)
	} else {
		p.idle[ik] = list[:len(list)-1]
	}
	p.total--
	obs.PoolIdleConns.Set(float64(p.total))
	return c, nil
}

// alive peeks with a short deadline. An idle HTTP/1.1 connection must have
// nothing to read: a timeout means it is still open, data or EOF means the
// upstream closed or misbehaved.
func (p *Pool) alive(c *Conn, ttl time.Duration) bool {
	if ttl > 0 && p.now().Sub(c.lastUsed) > ttl {
		return false
	}
	if c.br.Buffered() > 0 {
		return false
	}
	if err := c.Conn.SetReadDeadline(time.Now().Add(probeWait)); err != nil {
		return false
	}
	_, err := c.br.Peek(1)
	var ne net.Error
	if err == nil || !errors.As(err, &ne) || !ne.Timeout() {
		return false
	}
	return c.Conn.SetReadDeadline(time.Time{}) == nil
}

func (p *Pool) dialNew(ctx context.Context, ik idleKey, s Settings) (*Conn, error) {
	if s.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.DialTimeout)
		defer cancel()
	}
	raw, err := p.dialRaw(ctx, ik.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDial, ik.Addr(), err)
	}
	conn := raw
	if ik.TLS {
		tc := tls.Client(raw, &tls.Config{
			ServerName:         ik.Host,
			InsecureSkipVerify: ik.insecure,
			NextProtos:         []string{"http/1.1"},
			ClientSessionCache: p.sessions,
		})
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("%w: tls %s: %v", ErrDial, ik.Addr(), err)
		}
		conn = tc
	}
	obs.PoolDialsTotal.Inc()
	obs.Debug("pool.dial", obs.Fields{"upstream": ik.String()})
	return &Conn{Conn: conn, key: ik, br: bufio.NewReaderSize(conn, 32*1024), lastUsed: p.now()}, nil
}

func (p *Pool) dialRaw(ctx context.Context, addr string) (net.Conn, error) {
	if p.dial != nil {
		return p.dial(ctx, "tcp", addr)
	}
	d := net.Dialer{KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// Release hands c back. Only the first Release of a checkout has effect. A
// connection released with reusable=false is closed and never handed out again.
func (p *Pool) Release(c *Conn, reusable bool) {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	if !reusable || c.br.Buffered() > 0 {
		obs.PoolDiscardsTotal.WithLabelValues("not_reusable").Inc()
		_ = c.Conn.Close()
		return
	}
	s := p.settings()
	limit := s.MaxIdlePerHost
	if limit <= 0 {
		limit = 1
	}
	c.lastUsed = p.now()
	p.mu.Lock()
	if p.closed || len(p.idle[c.key]) >= limit {
		p.mu.Unlock()
		obs.PoolDiscardsTotal.WithLabelValues("full").Inc()
		_ = c.Conn.Close()
		return
	}
	p.idle[c.key] = append(p.idle[c.key], c)
	p.total++
	obs.PoolIdleConns.Set(float64(p.total))
	p.mu.Unlock()
}

// Evict closes idle connections unused for longer than the configured TTL and
// returns how many were closed.
func (p *Pool) Evict() int {
	ttl := p.settings().IdleTTL
	if ttl <= 0 {
		return 0
	}
	cutoff := p.now().Add(-ttl)
	var expired []*Conn
	p.mu.Lock()
	for k, list := range p.idle {
		keep := list[:0]
		for _, c := range list {
			if c.lastUsed.Before(cutoff) {
				expired = append(expired, c)
				continue
			}
			keep = append(keep, c)
		}
		for i := len(keep); i < len(list); i++ {
			list[i] = nil
		}
		if len(keep) == 0 {
			delete(p.idle, k)
		} else {
			p.idle[k] = keep
		}
	}
	p.total -= len(expired)
	obs.PoolIdleConns.Set(float64(p.total))
	p.mu.Unlock()
	for _, c := range expired {
		_ = c.Conn.Close()
	}
	if len(expired) > 0 {
		obs.PoolDiscardsTotal.WithLabelValues("expired").Add(float64(len(expired)))
		obs.Debug("pool.evict", obs.Fields{"closed": len(expired)})
	}
	return len(expired)
}

// Run evicts on a ticker until ctx is done, then closes the pool.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Close()
			return
		case <-t.C:
			p.Evict()
		}
	}
}

// Idle reports the number of idle connections held.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Close closes every idle connection; later releases close their connection.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = make(map[idleKey][]*Conn)
	p.total = 0
	obs.PoolIdleConns.Set(0)
	p.mu.Unlock()
	for _, list := range idle {
		for _, c := range list {
			_ = c.Conn.Close()
		}
	}
}
