// Package wsrelay bridges a client WebSocket to an upstream WebSocket chosen
// by the client, frame by frame.
package wsrelay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/relaycore/internal/auth"
	"github.com/matst80/relaycore/internal/config"
	"github.com/matst80/relaycore/internal/dispatch"
	"github.com/matst80/relaycore/internal/httpx"
	"github.com/matst80/relaycore/internal/obs"
	"github.com/matst80/relaycore/internal/proto"
	"github.com/matst80/relaycore/internal/ratelimit"
	"github.com/matst80/relaycore/internal/registry"
	"github.com/matst80/relaycore/internal/target"
)

// Handshake modes as recorded on sessions.
const (
	ModePath   = "path"
	ModeInband = "inband"
)

// authMessageLimit caps the first in-band message, read before the client is known.
const authMessageLimit = 4 * 1024

const oversizeDrain = 250 * time.Millisecond

// skipped are never copied from the client's upgrade request to the upstream one.
var skipped = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
	"Host":                     true,
	"Cookie":                   true,
	"Authorization":            true,
	auth.TokenHeader:           true,
	target.HeaderName:          true,
}

// Relay is the http.Handler for the WebSocket route.
type Relay struct {
	store    *config.Store
	registry registry.Store
	limits   *ratelimit.Holder

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
}

// New creates a Relay.
func New(store *config.Store, reg registry.Store, limits *ratelimit.Holder) *Relay {
	return &Relay{store: store, registry: reg, limits: limits, sessions: make(map[string]*Session)}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := rl.store.Snapshot()
	accepted := dispatch.AcceptedAt(r.Context())
	raw, query := target.FromPath(r.RequestURI, dispatch.WSPath+"/")
	if raw == "" {
		raw = r.Header.Get(target.HeaderName)
	}
	allowed := snap.Config.Server.WSHandshake

	if raw != "" {
		if allowed == config.HandshakeInband {
			w.Header().Set("Connection", "close")
			http.Error(w, "path handshake disabled", http.StatusNotFound)
			return
		}
		rl.servePath(w, r, snap, raw, target.StripParam(query, "token"), accepted)
		return
	}
	if allowed == config.HandshakePath {
		w.Header().Set("Connection", "close")
		http.Error(w, "target required", http.StatusBadRequest)
		return
	}
	rl.serveInband(w, r, snap, accepted)
}

// servePath authenticates from the request itself, dials the upstream and
// only then upgrades the client, so every failure is a plain HTTP status.
func (rl *Relay) servePath(w http.ResponseWriter, r *http.Request, snap *config.Snapshot, raw, query string, accepted time.Time) {
	sess := newSession(ModePath, accepted)
	fields := obs.Fields{"id": sess.ID, "remote": r.RemoteAddr, "mode": ModePath}

	user, err := auth.Authenticate(snap, auth.TokenFromRequest(r), time.Since(accepted))
	if err != nil {
		rl.rejectHTTP(w, sess, fields, auth.Status(err), err)
		return
	}
	sess.User, fields["user"] = user.Name, user.Name
	tg, err := target.Resolve(raw, target.RouteWS)
	if err != nil {
		rl.rejectHTTP(w, sess, fields, http.StatusBadRequest, err)
		return
	}
	tg.WithQuery(query)
	sess.Target, fields["target"] = tg.Redacted(), tg.Redacted()
	if !rl.limits.Limiter().AllowSession(user.Name) {
		obs.RateLimitedTotal.WithLabelValues("ws").Inc()
		rl.rejectHTTP(w, sess, fields, http.StatusTooManyRequests, ErrRateLimited)
		return
	}

	sess.setState(Connecting)
	up, subprotocol, err := dialUpstream(r.Context(), snap, tg, upstreamHeader(r), websocket.Subprotocols(r))
	if err != nil {
		rl.rejectHTTP(w, sess, fields, http.StatusBadGateway, err)
		return
	}
	upgrader := newUpgrader(snap)
	if subprotocol != "" {
		upgrader.Subprotocols = []string{subprotocol}
	}
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		_ = up.Close()
		sess.setState(Closed)
		obs.Error("ws.upgrade", obs.Fields{"id": sess.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		return
	}
	rl.run(sess, snap, client, up)
}

// serveInband upgrades first and expects {"token","target"} as the first
// text message. Rejections are an error message followed by a close frame.
func (rl *Relay) serveInband(w http.ResponseWriter, r *http.Request, snap *config.Snapshot, accepted time.Time) {
	sess := newSession(ModeInband, accepted)
	fields := obs.Fields{"id": sess.ID, "remote": r.RemoteAddr, "mode": ModeInband}

	client, err := newUpgrader(snap).Upgrade(w, r, nil)
	if err != nil {
		sess.setState(Closed)
		obs.Error("ws.upgrade", obs.Fields{"id": sess.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		return
	}
	authTimeout := snap.Config.Server.AuthTimeout()
	if authTimeout > 0 {
		_ = client.SetReadDeadline(accepted.Add(authTimeout))
	}
	client.SetReadLimit(authMessageLimit)
	mtype, data, err := client.ReadMessage()
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			rl.rejectWS(client, sess, fields, CloseAuthTimeout, auth.ErrAuthTimeout)
			return
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			// gorilla has already sent 1009 to the client.
			rl.rejectOversize(client, sess, fields)
			return
		}
		sess.setState(Closed)
		_ = client.Close()
		obs.Debug("ws.inband.read", obs.Fields{"id": sess.ID, "err": err.Error()})
		return
	}
	if mtype != websocket.TextMessage {
		rl.rejectWS(client, sess, fields, CloseBadRequest, fmt.Errorf("%w: auth must be a text message", ErrProtocol))
		return
	}
	msg, err := proto.DecodeAuth(data)
	if err != nil {
		rl.rejectWS(client, sess, fields, CloseBadRequest, err)
		return
	}
	user, err := auth.Authenticate(snap, msg.Token, time.Since(accepted))
	if err != nil {
		code := CloseUnauthorized
		if errors.Is(err, auth.ErrAuthTimeout) {
			code = CloseAuthTimeout
		}
		rl.rejectWS(client, sess, fields, code, err)
		return
	}
	sess.User, fields["user"] = user.Name, user.Name
	tg, err := target.Resolve(msg.Target, target.RouteWS)
	if err != nil {
		rl.rejectWS(client, sess, fields, CloseBadRequest, err)
		return
	}
	sess.Target, fields["target"] = tg.Redacted(), tg.Redacted()
	if !rl.limits.Limiter().AllowSession(user.Name) {
		obs.RateLimitedTotal.WithLabelValues("ws").Inc()
		rl.rejectWS(client, sess, fields, CloseRateLimited, ErrRateLimited)
		return
	}

	sess.setState(Connecting)
	up, _, err := dialUpstream(r.Context(), snap, tg, nil, nil)
	if err != nil {
		rl.rejectWS(client, sess, fields, websocket.CloseTryAgainLater, err)
		return
	}
	_ = client.SetReadDeadline(time.Time{})
	if err := client.WriteJSON(proto.Connected{Status: proto.StatusConnected}); err != nil {
		_ = up.Close()
		_ = client.Close()
		sess.setState(Closed)
		return
	}
	rl.run(sess, snap, client, up)
}

func (rl *Relay) run(sess *Session, snap *config.Snapshot, client, up *websocket.Conn) {
	sess.client, sess.upstream = client, up
	sess.idle = snap.Config.Server.IdleTimeout()
	// Zero lifts the auth message cap as well.
	client.SetReadLimit(snap.Config.Server.WSMaxMessageBytes)
	up.SetReadLimit(snap.Config.Server.WSMaxMessageBytes)
	sess.onTouch = func(t time.Time) { rl.registry.Touch(sess.ID, t) }

	if !rl.track(sess) {
		sess.Terminate(websocket.CloseGoingAway, "relay shutting down")
		sess.setState(Closed)
		return
	}
	defer rl.untrack(sess)

	ctx := context.Background()
	if err := rl.registry.Add(ctx, registry.Entry{
		ID: sess.ID, User: sess.User, Target: sess.Target, Mode: sess.Mode,
		CreatedAt: sess.CreatedAt, LastActivity: sess.LastActivity(),
	}); err != nil {
		obs.Error("registry.add", obs.Fields{"id": sess.ID, "err": err.Error()})
	}
	defer rl.registry.Remove(ctx, sess.ID)

	obs.WSSessionsTotal.WithLabelValues(sess.Mode).Inc()
	obs.WSSessionsActive.Inc()
	obs.Info("ws.session.relaying", obs.Fields{"id": sess.ID, "user": sess.User, "target": sess.Target, "mode": sess.Mode})
	err := sess.relay()
	obs.WSSessionsActive.Dec()
	obs.WSSessionDuration.Observe(time.Since(sess.CreatedAt).Seconds())
	sess.logClosed(err)
}

func (rl *Relay) track(sess *Session) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closing {
		return false
	}
	rl.sessions[sess.ID] = sess
	return true
}

func (rl *Relay) untrack(sess *Session) {
	rl.mu.Lock()
	delete(rl.sessions, sess.ID)
	rl.mu.Unlock()
}

// Active returns the number of sessions currently relaying.
func (rl *Relay) Active() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sessions)
}

// Shutdown closes every relaying session with 1001 and refuses new ones.
func (rl *Relay) Shutdown() {
	rl.mu.Lock()
	rl.closing = true
	live := make([]*Session, 0, len(rl.sessions))
	for _, s := range rl.sessions {
		live = append(live, s)
	}
	rl.mu.Unlock()
	for _, s := range live {
		s.Terminate(websocket.CloseGoingAway, "relay shutting down")
	}
}

func (rl *Relay) rejectHTTP(w http.ResponseWriter, sess *Session, f obs.Fields, status int, err error) {
	sess.setState(Closed)
	rl.registry.Reject()
	f["status"] = status
	f["err"] = err.Error()
	obs.Info("ws.session.rejected", f)
	obs.ErrorsTotal.WithLabelValues(errType(err)).Inc()
	w.Header().Set("Connection", "close")
	http.Error(w, err.Error(), status)
}

func (rl *Relay) rejectWS(c *websocket.Conn, sess *Session, f obs.Fields, code int, err error) {
	sess.setState(Closed)
	rl.registry.Reject()
	f["close_code"] = code
	f["err"] = err.Error()
	obs.Info("ws.session.rejected", f)
	obs.ErrorsTotal.WithLabelValues(errType(err)).Inc()

	deadline := time.Now().Add(controlWait)
	_ = c.SetWriteDeadline(deadline)
	if b, merr := json.Marshal(proto.ErrorReply{Error: err.Error()}); merr == nil {
		_ = c.WriteMessage(websocket.TextMessage, b)
	}
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, closeText(err)), deadline)
	_ = c.Close()
}

// rejectOversize discards whatever is left of an oversized auth frame for a
// short while so the close frame is not lost to a reset.
func (rl *Relay) rejectOversize(c *websocket.Conn, sess *Session, f obs.Fields) {
	sess.setState(Closed)
	rl.registry.Reject()
	f["close_code"] = websocket.CloseMessageTooBig
	f["err"] = ErrAuthTooLarge.Error()
	obs.Info("ws.session.rejected", f)
	obs.ErrorsTotal.WithLabelValues(errType(ErrAuthTooLarge)).Inc()

	nc := c.NetConn()
	_ = nc.SetReadDeadline(time.Now().Add(oversizeDrain))
	_, _ = io.Copy(io.Discard, nc)
	_ = c.Close()
}

// closeText keeps the close reason within the 123 bytes a control frame allows.
func closeText(err error) string {
	s := err.Error()
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func errType(err error) string {
	switch {
	case errors.Is(err, auth.ErrAuthTimeout):
		return "auth_timeout"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrMissingToken):
		return "auth"
	case errors.Is(err, target.ErrInvalidTarget):
		return "target"
	case errors.Is(err, ErrUpstreamConnect):
		return "upstream_connect"
	case errors.Is(err, ErrAuthTooLarge):
		return "auth_too_large"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "protocol"
	}
}

func newUpgrader(snap *config.Snapshot) *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: snap.Config.Server.DialTimeout(),
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		// Clients are authenticated by token, not by origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// upstreamHeader copies end-to-end request headers, dropping handshake,
// relay-internal and client-identity headers.
func upstreamHeader(r *http.Request) http.Header {
	h := make(http.Header)
	for k, v := range r.Header {
		if skipped[k] {
			continue
		}
		h[k] = v
	}
	httpx.CleanHopHeaders(h)
	httpx.StripIdentity(h)
	return h
}

// dialUpstream opens the upstream WebSocket and returns the negotiated subprotocol.
func dialUpstream(ctx context.Context, snap *config.Snapshot, tg *target.Target, header http.Header, subprotocols []string) (*websocket.Conn, string, error) {
	s := snap.Config.Server
	dialer := &websocket.Dialer{
		HandshakeTimeout: s.DialTimeout(),
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		Subprotocols:     subprotocols,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: s.InsecureSkipVerify},
	}
	if s.DialTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.DialTimeout())
		defer cancel()
	}
	conn, resp, err := dialer.DialContext(ctx, tg.String(), header)
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("%w: %s answered %s", ErrUpstreamConnect, tg.Redacted(), resp.Status)
		}
		return nil, "", fmt.Errorf("%w: %v", ErrUpstreamConnect, err)
	}
	return conn, conn.Subprotocol(), nil
}
