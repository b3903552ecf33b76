package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/relaycore/internal/config"
	"github.com/matst80/relaycore/internal/proto"
	"github.com/matst80/relaycore/internal/registry"
)

const testToken = "T1"

type running struct {
	srv    *relayServer
	addr   string
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startRelay(t *testing.T, cfg *config.Config, wrap func(net.Listener) net.Listener) *running {
	t.Helper()
	cfg.Users = []config.User{{Name: "alice", Token: testToken}}
	st, err := config.NewStore(cfg)
	require.NoError(t, err)
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var ln net.Listener = tunedListener{raw.(*net.TCPListener)}
	if wrap != nil {
		ln = wrap(ln)
	}
	srv := newRelayServer(st, registry.NewMemory(), ln, false)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, addr: raw.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.serve(ctx) }()
	require.Eventually(t, srv.registry.IsReady, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(r.stop)
	return r
}

func (r *running) stop() {
	r.once.Do(func() {
		r.cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
		}
	})
}

func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string { return "ws" + strings.TrimPrefix(httpURL, "http") }

func roundTrip(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, string(data))
}

func TestPathModeThroughDispatcher(t *testing.T) {
	up := echoUpstream(t)
	r := startRelay(t, config.Default(), nil)

	u := "ws://" + r.addr + "/ws/" + url.QueryEscape(wsURL(up.URL)) + "?token=" + testToken
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "hello")
	roundTrip(t, c, "world")
}

func TestInbandThroughDispatcher(t *testing.T) {
	up := echoUpstream(t)
	r := startRelay(t, config.Default(), nil)

	c, _, err := websocket.DefaultDialer.Dial("ws://"+r.addr+"/ws", nil)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.WriteJSON(proto.Auth{Token: testToken, Target: wsURL(up.URL)}))
	var ack proto.Connected
	require.NoError(t, c.ReadJSON(&ack))
	assert.Equal(t, proto.StatusConnected, ack.Status)
	roundTrip(t, c, "hi")
}

func TestRESTReusesUpstreamConnection(t *testing.T) {
	var conns atomic.Int32
	up := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Method+" "+r.URL.Path)
	}))
	up.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			conns.Add(1)
		}
	}
	up.StartTLS()
	defer up.Close()
	cfg := config.Default()
	cfg.Server.InsecureSkipVerify = true
	r := startRelay(t, cfg, nil)

	for _, path := range []string{"/a", "/b"} {
		req, err := http.NewRequest(http.MethodGet, "http://"+r.addr+"/rest/"+url.QueryEscape(up.URL+path), nil)
		require.NoError(t, err)
		req.Header.Set("X-Token", testToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "GET "+path, string(body))
		require.Eventually(t, func() bool { return r.srv.pool.Idle() == 1 }, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, int32(1), conns.Load())
}

type countingListener struct {
	net.Listener
	accepted *atomic.Int32
}

func (l countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.accepted.Add(1)
	}
	return c, err
}

func counting(n *atomic.Int32) func(net.Listener) net.Listener {
	return func(ln net.Listener) net.Listener { return countingListener{Listener: ln, accepted: n} }
}

func priceUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"price":"100"}`)
	}))
	t.Cleanup(up.Close)
	return up
}

func restGet(t *testing.T, client *http.Client, u string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, u, nil)
	require.NoError(t, err)
	req.Header.Set("X-Token", testToken)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRESTKeepAliveOutlivesAuthTimeout(t *testing.T) {
	up := priceUpstream(t)
	cfg := config.Default()
	cfg.Server.AuthTimeoutSecs = 1
	var accepted atomic.Int32
	r := startRelay(t, cfg, counting(&accepted))
	client := &http.Client{Transport: &http.Transport{}}
	u := "http://" + r.addr + "/rest/" + url.QueryEscape(up.URL+"/price?symbol=BTCUSDT")

	status, body := restGet(t, client, u)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, `{"price":"100"}`, body)

	time.Sleep(1500 * time.Millisecond)
	status, body = restGet(t, client, u)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, `{"price":"100"}`, body)
	assert.Equal(t, int32(1), accepted.Load())
}

func TestKeepAliveRequestsAreReclassified(t *testing.T) {
	up := priceUpstream(t)
	var accepted atomic.Int32
	r := startRelay(t, config.Default(), counting(&accepted))
	client := &http.Client{Transport: &http.Transport{}}

	status, _ := restGet(t, client, "http://"+r.addr+"/rest/"+url.QueryEscape(up.URL+"/a"))
	assert.Equal(t, http.StatusOK, status)
	status, _ = restGet(t, client, "http://"+r.addr+"/nowhere")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, int32(1), accepted.Load())

	// The 404 closed the connection, so the next request dials again.
	status, _ = restGet(t, client, "http://"+r.addr+"/rest/"+url.QueryEscape(up.URL+"/b"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(2), accepted.Load())
}

func TestUpgradeOnRESTConnectionIsMisdirected(t *testing.T) {
	up := priceUpstream(t)
	r := startRelay(t, config.Default(), nil)

	c, err := net.Dial("tcp", r.addr)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(c)

	_, err = io.WriteString(c, "GET /rest/"+url.QueryEscape(up.URL+"/a")+" HTTP/1.1\r\nHost: relay\r\nX-Token: "+testToken+"\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = io.WriteString(c, "GET /ws/"+url.QueryEscape("ws://echo.example/")+"?token="+testToken+" HTTP/1.1\r\n"+
		"Host: relay\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Version: 13\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")
	require.NoError(t, err)
	resp, err = http.ReadResponse(br, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
	assert.True(t, resp.Close)
}

func TestIdleKeepAliveConnectionIsClosed(t *testing.T) {
	cfg := config.Default()
	cfg.Server.KeepAliveSecs = 1
	r := startRelay(t, cfg, nil)

	c, err := net.Dial("tcp", r.addr)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(c)
	_, err = io.WriteString(c, "GET /healthz HTTP/1.1\r\nHost: relay\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	require.False(t, resp.Close)

	start := time.Now()
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestDispatcherRejectsAndHealth(t *testing.T) {
	r := startRelay(t, config.Default(), nil)

	resp, err := http.Get("http://" + r.addr + "/nope")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get("http://" + r.addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))
}

func TestMetricsEndpoints(t *testing.T) {
	up := echoUpstream(t)
	r := startRelay(t, config.Default(), nil)
	metrics := httptest.NewServer(metricsHandler(r.srv))
	defer metrics.Close()

	u := "ws://" + r.addr + "/ws/" + url.QueryEscape(wsURL(up.URL)) + "?token=" + testToken
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "x")

	resp, err := http.Get(metrics.URL + "/api/state")
	require.NoError(t, err)
	var st Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	_ = resp.Body.Close()
	assert.Equal(t, 1, st.Active)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, "alice", st.Sessions[0].User)

	for path, want := range map[string]int{"/readyz": 200, "/healthz": 200, "/dashboard": 200, "/metrics": 200} {
		resp, err := http.Get(metrics.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
		if path == "/metrics" {
			assert.Contains(t, string(body), "relay_ws_sessions_active")
		}
		if path == "/dashboard" {
			assert.Contains(t, string(body), "alice")
		}
	}
}

func TestShutdownClosesSessionsAndReadiness(t *testing.T) {
	up := echoUpstream(t)
	r := startRelay(t, config.Default(), nil)
	metrics := httptest.NewServer(metricsHandler(r.srv))
	defer metrics.Close()

	u := "ws://" + r.addr + "/ws/" + url.QueryEscape(wsURL(up.URL)) + "?token=" + testToken
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "x")

	r.stop()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	resp, err := http.Get(metrics.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTLSListenerServesSnapshotCertificate(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())
	up := echoUpstream(t)
	cfg := config.Default()
	cfg.Server.TLSEnabled = true
	cfg.Server.TLSCert = certPath
	cfg.Server.TLSKey = keyPath

	r := startRelay(t, cfg, func(ln net.Listener) net.Listener {
		st, err := config.NewStore(cfg)
		require.NoError(t, err)
		return tls.NewListener(ln, serverTLSConfig(st))
	})

	d := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, HandshakeTimeout: 3 * time.Second}
	u := "wss://" + r.addr + "/ws/" + url.QueryEscape(wsURL(up.URL)) + "?token=" + testToken
	c, _, err := d.Dial(u, nil)
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "secure")
}

func TestRootCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)

	cmd = newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.toml")})
	assert.Error(t, cmd.Execute())

	cmd = newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"a.toml", "b.toml"})
	assert.Error(t, cmd.Execute())
}

func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}
