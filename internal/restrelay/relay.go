// Package restrelay forwards single HTTP requests to a client-chosen target
// over pooled upstream connections.
package restrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/matst80/relaycore/internal/auth"
	"github.com/matst80/relaycore/internal/config"
	"github.com/matst80/relaycore/internal/dispatch"
	"github.com/matst80/relaycore/internal/httpx"
	"github.com/matst80/relaycore/internal/obs"
	"github.com/matst80/relaycore/internal/pool"
	"github.com/matst80/relaycore/internal/ratelimit"
	"github.com/matst80/relaycore/internal/target"
)

// Handler serves /rest/<target> and /healthz.
type Handler struct {
	store  *config.Store
	pool   *pool.Pool
	limits *ratelimit.Holder
}

// New creates a Handler that checks connections out of p.
func New(store *config.Store, p *pool.Pool, limits *ratelimit.Holder) *Handler {
	return &Handler{store: store, pool: p, limits: limits}
}

// PoolSettings derives pool settings from the current snapshot of store.
func PoolSettings(store *config.Store) func() pool.Settings {
	return func() pool.Settings {
		s := store.Snapshot().Config.Server
		return pool.Settings{
			MaxIdlePerHost:     s.PoolMaxIdlePerHost,
			IdleTTL:            s.PoolIdleTTL(),
			DialTimeout:        s.DialTimeout(),
			InsecureSkipVerify: s.InsecureSkipVerify,
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == dispatch.HealthPath {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok")
		return
	}
	snap := h.store.Snapshot()
	// The token arrives with the request head, which ReadHeaderTimeout already
	// bounds. Connection age does not apply to keep-alive requests.
	user, err := auth.Authenticate(snap, r.Header.Get(auth.TokenHeader), 0)
	if err != nil {
		h.fail(w, r, "", auth.Status(err), err)
		return
	}
	raw, query := target.FromPath(r.RequestURI, dispatch.RESTPrefix)
	if raw == "" {
		raw = r.Header.Get(target.HeaderName)
	}
	tg, err := target.Resolve(raw, target.RouteREST)
	if err != nil {
		h.fail(w, r, user.Name, http.StatusBadRequest, err)
		return
	}
	tg.WithQuery(target.StripParam(query, "token"))
	if !h.limits.Limiter().AllowRequest(user.Name) {
		obs.RateLimitedTotal.WithLabelValues("rest").Inc()
		h.fail(w, r, user.Name, http.StatusTooManyRequests, errors.New("rate limited"))
		return
	}

	body, err := readBody(w, r, snap.Config.Server.RESTMaxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.fail(w, r, user.Name, status, err)
		return
	}

	start := time.Now()
	resp, conn, err := h.roundTrip(r.Context(), r, tg, body)
	if err != nil {
		h.fail(w, r, user.Name, http.StatusBadGateway, err)
		return
	}
	obs.RESTUpstreamSeconds.Observe(time.Since(start).Seconds())

	httpx.CleanHopHeaders(resp.Header)
	httpx.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, copyErr := copyFlush(w, resp.Body)
	if copyErr != nil {
		h.pool.Release(conn, false)
		_ = resp.Body.Close()
	} else {
		_ = resp.Body.Close()
		h.pool.Release(conn, !resp.Close)
	}
	obs.RESTRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	f := obs.Fields{
		"user":     user.Name,
		"method":   r.Method,
		"target":   tg.Redacted(),
		"status":   resp.StatusCode,
		"bytes":    n,
		"reused":   conn.Reused(),
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}
	if copyErr != nil {
		f["err"] = copyErr.Error()
		obs.ErrorsTotal.WithLabelValues("rest_copy").Inc()
		obs.Error("rest.copy", f)
		return
	}
	obs.Debug("rest.done", f)
}

// roundTrip sends the request on a pooled connection. If a reused connection
// fails before a response head arrives it is discarded and the request is
// sent once more on a freshly dialed one.
func (h *Handler) roundTrip(ctx context.Context, r *http.Request, tg *target.Target, body []byte) (*http.Response, *pool.Conn, error) {
	var (
		resp *http.Response
		conn *pool.Conn
		try  int
	)
	op := func() error {
		try++
		var err error
		if try == 1 {
			conn, err = h.pool.Acquire(ctx, tg.Key())
		} else {
			conn, err = h.pool.Dial(ctx, tg.Key())
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err = send(ctx, conn, outbound(ctx, r, tg, body))
		if err == nil {
			return nil
		}
		h.pool.Release(conn, false)
		if conn.Reused() {
			obs.PoolDiscardsTotal.WithLabelValues("stale").Inc()
			obs.Debug("rest.stale_conn", obs.Fields{"upstream": tg.Key().String(), "err": err.Error()})
			return fmt.Errorf("%w: %v", pool.ErrStaleConn, err)
		}
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrUpstream, err))
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)); err != nil {
		return nil, nil, err
	}
	return resp, conn, nil
}

// send writes req on conn and reads the final response head. Informational
// responses are skipped; the body has been buffered so Expect is not forwarded.
func send(ctx context.Context, conn *pool.Conn, req *http.Request) (*http.Response, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()
	if err := req.Write(conn); err != nil {
		return nil, err
	}
	for {
		resp, err := http.ReadResponse(conn.Reader(), req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil
		}
		_ = resp.Body.Close()
	}
}

// outbound builds the upstream request: relay-only, hop-by-hop and identity
// headers are removed and Host is the target's.
func outbound(ctx context.Context, r *http.Request, tg *target.Target, body []byte) *http.Request {
	out := &http.Request{
		Method:        r.Method,
		URL:           tg.URL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Host:          tg.HostHeader(),
		ContentLength: int64(len(body)),
	}
	if len(body) > 0 {
		out.Body = io.NopCloser(bytes.NewReader(body))
	}
	httpx.CleanHopHeaders(out.Header)
	httpx.StripIdentity(out.Header)
	out.Header.Del(auth.TokenHeader)
	out.Header.Del(target.HeaderName)
	out.Header.Del("Expect")
	if _, ok := out.Header["User-Agent"]; !ok {
		// Write would otherwise add Go's default agent.
		out.Header.Set("User-Agent", "")
	}
	return out.WithContext(ctx)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	src := io.Reader(r.Body)
	if limit > 0 {
		src = http.MaxBytesReader(w, r.Body, limit)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, mbe.Limit)
		}
		return nil, err
	}
	return b, nil
}

// copyFlush streams src to w, flushing after every chunk so streamed
// responses reach the client as they arrive.
func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, user string, status int, err error) {
	obs.RESTRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	obs.ErrorsTotal.WithLabelValues(errType(err)).Inc()
	obs.Info("rest.rejected", obs.Fields{"user": user, "method": r.Method, "remote": r.RemoteAddr, "status": status, "err": err.Error()})
	http.Error(w, err.Error(), status)
}

func errType(err error) string {
	switch {
	case errors.Is(err, auth.ErrAuthTimeout):
		return "auth_timeout"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrMissingToken):
		return "auth"
	case errors.Is(err, target.ErrInvalidTarget):
		return "target"
	case errors.Is(err, pool.ErrDial):
		return "upstream_connect"
	case errors.Is(err, pool.ErrStaleConn):
		return "pool"
	case errors.Is(err, ErrBodyTooLarge):
		return "body_too_large"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "rest"
	}
}
