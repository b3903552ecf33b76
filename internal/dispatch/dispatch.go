// Package dispatch classifies connections arriving on the single relay port and
// hands them to the WebSocket or REST server without consuming any bytes.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/matst80/relaycore/internal/config"
	"github.com/matst80/relaycore/internal/httpx"
	"github.com/matst80/relaycore/internal/obs"
)

// Route is the outcome of classifying a request head.
type Route string

const (
	RouteWS     Route = "ws"
	RouteREST   Route = "rest"
	RouteReject Route = "reject"
)

// Path prefixes served by the relay.
const (
	WSPath     = "/ws"
	RESTPrefix = "/rest/"
	HealthPath = "/healthz"
)

const defaultHeadTimeout = 10 * time.Second

// Dispatcher owns one listener per route. Serve feeds them.
type Dispatcher struct {
	store *config.Store
	ws    *chanListener
	rest  *chanListener
}

// New creates a dispatcher whose route listeners report addr.
func New(store *config.Store, addr net.Addr) *Dispatcher {
	return &Dispatcher{store: store, ws: newChanListener(addr), rest: newChanListener(addr)}
}

// WS is the listener for the WebSocket server.
func (d *Dispatcher) WS() net.Listener { return d.ws }

// REST is the listener for the REST server.
func (d *Dispatcher) REST() net.Listener { return d.rest }

// Close stops both route listeners.
func (d *Dispatcher) Close() {
	_ = d.ws.Close()
	_ = d.rest.Close()
}

// Serve accepts from ln until it is closed or ctx is done. Temporary accept
// errors back off from 5ms up to 1s.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if limit := time.Second; tempDelay > limit {
					tempDelay = limit
				}
				obs.Error("accept.temp", obs.Fields{"err": err.Error(), "retry_in": tempDelay.String()})
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go d.Handle(ctx, c)
	}
}

// Handle classifies one accepted connection and passes it on, or writes a raw
// error response and closes it.
func (d *Dispatcher) Handle(ctx context.Context, c net.Conn) {
	accepted := time.Now()
	snap := d.store.Snapshot()
	limit := snap.Config.Server.MaxHeaderBytes
	headTimeout := snap.Config.Server.AuthTimeout()
	if headTimeout <= 0 {
		headTimeout = defaultHeadTimeout
	}
	_ = c.SetReadDeadline(accepted.Add(headTimeout))

	br := bufio.NewReaderSize(c, limit)
	head, _, err := httpx.PeekRequest(br, limit)
	if err != nil {
		d.rejectErr(c, err)
		return
	}
	route, status, msg := Classify(head)
	obs.DispatchTotal.WithLabelValues(string(route)).Inc()
	if route == RouteReject {
		obs.Debug("dispatch.reject", obs.Fields{"remote": httpx.RemoteIPFromConn(c), "path": head.Path(), "status": status})
		writeRaw(c, status, msg)
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	sc := &sniffedConn{Conn: c, br: br, acceptedAt: accepted}
	l := d.rest
	if route == RouteWS {
		l = d.ws
	}
	if !l.push(ctx, sc) {
		writeRaw(c, http.StatusServiceUnavailable, "shutting down")
	}
}

func (d *Dispatcher) rejectErr(c net.Conn, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, httpx.ErrHeaderTooLarge):
		obs.ErrorsTotal.WithLabelValues("header_too_large").Inc()
		writeRaw(c, http.StatusRequestHeaderFieldsTooLarge, "request header too large")
	case errors.Is(err, httpx.ErrMalformed):
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		writeRaw(c, http.StatusBadRequest, "malformed request")
	case errors.As(err, &ne) && ne.Timeout():
		obs.ErrorsTotal.WithLabelValues("head_timeout").Inc()
		writeRaw(c, http.StatusRequestTimeout, "request head timeout")
	default:
		// EOF, reset or a failed TLS handshake: nobody is there to answer.
		obs.Debug("dispatch.read", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
		_ = c.Close()
	}
}

// Classify maps a request head to a route. For RouteReject it also returns the
// status and message to send.
func Classify(p *httpx.ProxyHeaders) (Route, int, string) {
	return classify(p.Path(), p.IsWebSocketUpgrade())
}

func classify(path string, upgrade bool) (Route, int, string) {
	switch {
	case path == WSPath || strings.HasPrefix(path, WSPath+"/"):
		if !upgrade {
			return RouteReject, http.StatusBadRequest, "websocket upgrade required"
		}
		return RouteWS, 0, ""
	case strings.HasPrefix(path, RESTPrefix), path == HealthPath:
		if upgrade {
			return RouteReject, http.StatusBadRequest, "websocket upgrade not supported on this route"
		}
		return RouteREST, 0, ""
	default:
		return RouteReject, http.StatusNotFound, "not found"
	}
}

// Guard re-classifies every request a route server reads, since only the
// first request on a connection passed through Handle. Requests for another
// route get 421 and the connection is closed so the client can retry on a
// fresh one.
func Guard(route Route, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, _, _ := strings.Cut(r.RequestURI, "?")
		got, status, msg := classify(path, httpx.IsWebSocketRequest(r))
		if got == route {
			h.ServeHTTP(w, r)
			return
		}
		if got != RouteReject {
			status, msg = http.StatusMisdirectedRequest, "request must use a new connection"
		}
		obs.DispatchTotal.WithLabelValues(string(got)).Inc()
		obs.Debug("dispatch.guard", obs.Fields{"remote": r.RemoteAddr, "path": path, "server": string(route), "status": status})
		w.Header().Set("Connection", "close")
		http.Error(w, msg, status)
	})
}

func writeRaw(c net.Conn, status int, msg string) {
	_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = fmt.Fprintf(c, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(msg), msg)
	_ = c.Close()
}
