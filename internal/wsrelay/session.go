package wsrelay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/relaycore/internal/obs"
)

// State of a Session. Transitions only move forward.
type State int32

const (
	AwaitingAuth State = iota
	Connecting
	Relaying
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingAuth:
		return "awaiting_auth"
	case Connecting:
		return "connecting"
	case Relaying:
		return "relaying"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

const controlWait = 5 * time.Second

// touchReportInterval limits how often frame activity is pushed to onTouch.
const touchReportInterval = time.Second

// Session is one client WebSocket relayed to one upstream. It owns both
// connections and closes each exactly once.
type Session struct {
	ID        string
	User      string
	Target    string
	Mode      string
	CreatedAt time.Time

	client   *websocket.Conn
	upstream *websocket.Conn

	state        atomic.Int32
	lastActivity atomic.Int64
	reported     atomic.Int64
	bytesUp      atomic.Int64
	bytesDown    atomic.Int64

	idle      time.Duration
	idleTimer *time.Timer
	timerMu   sync.Mutex
	closeOnce sync.Once
	onTouch   func(time.Time)
}

func newSession(mode string, createdAt time.Time) *Session {
	s := &Session{ID: uuid.NewString(), Mode: mode, CreatedAt: createdAt}
	s.lastActivity.Store(createdAt.UnixNano())
	return s
}

// State reports the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity is the time of the most recent frame in either direction.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

func (s *Session) setState(to State) {
	for {
		from := s.state.Load()
		if State(from) >= to {
			return
		}
		if s.state.CompareAndSwap(from, int32(to)) {
			obs.Debug("ws.session.state", obs.Fields{"id": s.ID, "from": State(from).String(), "to": to.String()})
			return
		}
	}
}

// beginClosing moves the session to Closing and reports whether this call did it.
func (s *Session) beginClosing() bool {
	for {
		from := s.state.Load()
		if State(from) >= Closing {
			return false
		}
		if s.state.CompareAndSwap(from, int32(Closing)) {
			return true
		}
	}
}

func (s *Session) touch() {
	now := time.Now()
	n := now.UnixNano()
	s.lastActivity.Store(n)
	if s.onTouch == nil {
		return
	}
	last := s.reported.Load()
	if n-last < int64(touchReportInterval) || !s.reported.CompareAndSwap(last, n) {
		return
	}
	s.onTouch(now)
}

// relay forwards frames in both directions until either side ends, then
// closes both connections. It returns the first unexpected error.
func (s *Session) relay() error {
	s.setState(Relaying)
	s.client.SetPingHandler(s.forwardControl(websocket.PingMessage, s.upstream))
	s.upstream.SetPingHandler(s.forwardControl(websocket.PingMessage, s.client))
	s.client.SetPongHandler(s.forwardControl(websocket.PongMessage, s.upstream))
	s.upstream.SetPongHandler(s.forwardControl(websocket.PongMessage, s.client))
	// Close frames are forwarded by pump; suppress the default echo.
	s.client.SetCloseHandler(func(int, string) error { return nil })
	s.upstream.SetCloseHandler(func(int, string) error { return nil })

	s.armIdleTimer()
	var g errgroup.Group
	g.Go(func() error {
		defer s.teardown()
		return s.pump(s.upstream, s.client, &s.bytesUp, "up")
	})
	g.Go(func() error {
		defer s.teardown()
		return s.pump(s.client, s.upstream, &s.bytesDown, "down")
	})
	err := g.Wait()
	s.setState(Closed)
	return err
}

// pump copies whole messages from src to dst without buffering payloads.
func (s *Session) pump(dst, src *websocket.Conn, counter *atomic.Int64, dir string) error {
	for {
		mtype, reader, err := src.NextReader()
		if err != nil {
			return s.readEnded(dst, src, err)
		}
		s.touch()
		writer, err := dst.NextWriter(mtype)
		if err != nil {
			if s.State() >= Closing {
				return nil
			}
			return err
		}
		n, err := io.Copy(writer, reader)
		counter.Add(n)
		if cerr := writer.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			if s.State() >= Closing {
				return nil
			}
			return err
		}
		obs.WSFramesTotal.WithLabelValues(dir).Inc()
	}
}

// readEnded propagates src's close to dst and answers src's close handshake.
func (s *Session) readEnded(dst, src *websocket.Conn, err error) error {
	if !s.beginClosing() {
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, text := ce.Code, ce.Text
		switch code {
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			code, text = websocket.CloseGoingAway, "peer went away"
		default:
			_ = src.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(controlWait))
		}
		_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(controlWait))
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
			return err
		}
		return nil
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "message too big"), time.Now().Add(controlWait))
		return err
	}
	_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "peer went away"), time.Now().Add(controlWait))
	return err
}

func (s *Session) forwardControl(messageType int, dest *websocket.Conn) func(string) error {
	return func(appData string) error {
		s.touch()
		err := dest.WriteControl(messageType, []byte(appData), time.Now().Add(controlWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
}

// armIdleTimer starts the single per-session watchdog. It re-arms itself to
// lastActivity+idle instead of being reset on every frame.
func (s *Session) armIdleTimer() {
	if s.idle <= 0 {
		return
	}
	s.timerMu.Lock()
	s.idleTimer = time.AfterFunc(s.idle, s.checkIdle)
	s.timerMu.Unlock()
}

func (s *Session) checkIdle() {
	if s.State() >= Closing {
		return
	}
	left := time.Until(s.LastActivity().Add(s.idle))
	if left > 0 {
		s.timerMu.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Reset(left)
		}
		s.timerMu.Unlock()
		return
	}
	obs.Info("ws.session.idle_timeout", obs.Fields{"id": s.ID, "user": s.User, "idle": s.idle.String()})
	obs.ErrorsTotal.WithLabelValues("idle_timeout").Inc()
	s.Terminate(websocket.CloseGoingAway, "idle timeout")
}

// Terminate sends a close frame with code to both sides and tears the session down.
func (s *Session) Terminate(code int, text string) {
	if !s.beginClosing() {
		return
	}
	msg := websocket.FormatCloseMessage(code, text)
	deadline := time.Now().Add(controlWait)
	_ = s.client.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = s.upstream.WriteControl(websocket.CloseMessage, msg, deadline)
	s.teardown()
}

// teardown closes both connections exactly once.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.setState(Closing)
		s.timerMu.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		s.timerMu.Unlock()
		if s.client != nil {
			_ = s.client.Close()
		}
		if s.upstream != nil {
			_ = s.upstream.Close()
		}
	})
}

func (s *Session) logClosed(err error) {
	f := obs.Fields{
		"id":       s.ID,
		"user":     s.User,
		"target":   s.Target,
		"mode":     s.Mode,
		"duration": time.Since(s.CreatedAt).Round(time.Millisecond).String(),
		"up":       sizestr.ToString(s.bytesUp.Load()),
		"down":     sizestr.ToString(s.bytesDown.Load()),
	}
	if err != nil {
		f["err"] = err.Error()
		obs.ErrorsTotal.WithLabelValues("ws_relay").Inc()
	}
	obs.Info("ws.session.closed", f)
}
