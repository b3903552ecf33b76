package config

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoUsers = `
[server]
host = "127.0.0.1"
port = 8443
tls_enabled = false
auth_timeout_secs = 5

[[users]]
name = "alice"
token = "T1"

[[users]]
name = "bob"
token = "T2"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("[[users]]\nname = \"a\"\ntoken = \"x\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 443, cfg.Server.Port)
	assert.False(t, cfg.Server.TLSEnabled)
	assert.Equal(t, 10*time.Second, cfg.Server.AuthTimeout())
	assert.Zero(t, cfg.Server.IdleTimeout())
	assert.Equal(t, HandshakeBoth, cfg.Server.WSHandshake)
	assert.EqualValues(t, 10<<20, cfg.Server.RESTMaxBodyBytes)
	assert.Equal(t, 10, cfg.Server.PoolMaxIdlePerHost)
	assert.Equal(t, 90*time.Second, cfg.Server.PoolIdleTTL())
	assert.Equal(t, time.Minute, cfg.Server.KeepAliveTimeout())
}

func TestParseTLSImpliedByCertPaths(t *testing.T) {
	cfg, err := Parse([]byte("[server]\ntls_cert = \"c.pem\"\ntls_key = \"k.pem\"\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Server.TLSEnabled)
}

func TestParseRejectsUnknownKey(t *testing.T) {
	_, err := Parse([]byte("[server]\nprot = 1\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want error
	}{
		{"duplicate token", func(c *Config) {
			c.Users = []User{{Name: "a", Token: "T"}, {Name: "b", Token: "T"}}
		}, ErrDuplicateToken},
		{"empty token", func(c *Config) { c.Users = []User{{Name: "a"}} }, ErrInvalidConfig},
		{"empty name", func(c *Config) { c.Users = []User{{Token: "T"}} }, ErrInvalidConfig},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, ErrInvalidConfig},
		{"bad handshake", func(c *Config) { c.Server.WSHandshake = "magic" }, ErrInvalidConfig},
		{"tls without files", func(c *Config) { c.Server.TLSEnabled = true }, ErrTLSMaterial},
		{"tls unreadable", func(c *Config) {
			c.Server.TLSEnabled = true
			c.Server.TLSCert = "/nonexistent/cert.pem"
			c.Server.TLSKey = "/nonexistent/key.pem"
		}, ErrTLSMaterial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(cfg)
			_, err := cfg.Validate()
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidateLoadsCertificate(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())
	cfg := Default()
	cfg.Server.TLSEnabled = true
	cfg.Server.TLSCert = certPath
	cfg.Server.TLSKey = keyPath
	cert, err := cfg.Validate()
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestStoreLookup(t *testing.T) {
	p := writeFile(t, t.TempDir(), "relay.toml", twoUsers)
	st, err := Open(p)
	require.NoError(t, err)

	u, ok := st.Snapshot().Lookup("T2")
	require.True(t, ok)
	assert.Equal(t, "bob", u.Name)
	_, ok = st.Snapshot().Lookup("nope")
	assert.False(t, ok)
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, st.Snapshot().UserNames())
}

func TestReloadDuplicateTokenKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "relay.toml", twoUsers)
	st, err := Open(p)
	require.NoError(t, err)
	before := st.Snapshot()

	writeFile(t, dir, "relay.toml", twoUsers+"\n[[users]]\nname = \"mallory\"\ntoken = \"T1\"\n")
	err = st.Reload()
	require.ErrorIs(t, err, ErrDuplicateToken)
	assert.Same(t, before, st.Snapshot())

	u, ok := st.Snapshot().Lookup("T1")
	require.True(t, ok)
	assert.Equal(t, "alice", u.Name)
}

func TestReloadUnparsableKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "relay.toml", twoUsers)
	st, err := Open(p)
	require.NoError(t, err)
	before := st.Snapshot()

	writeFile(t, dir, "relay.toml", "[server\nport=")
	require.Error(t, st.Reload())
	assert.Same(t, before, st.Snapshot())
}

func TestReloadIsIdempotent(t *testing.T) {
	p := writeFile(t, t.TempDir(), "relay.toml", twoUsers)
	st, err := Open(p)
	require.NoError(t, err)
	first := st.Snapshot()

	require.NoError(t, st.Reload())
	second := st.Snapshot()
	assert.NotSame(t, first, second)
	assert.Equal(t, first.Config, second.Config)
	assert.Equal(t, first.tokens, second.tokens)
}

func TestReloadRevokesRemovedUser(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "relay.toml", twoUsers)
	st, err := Open(p)
	require.NoError(t, err)
	old := st.Snapshot()

	var hooked *Snapshot
	st.OnReload(func(s *Snapshot) { hooked = s })
	writeFile(t, dir, "relay.toml", "[server]\ntls_enabled = false\n[[users]]\nname = \"alice\"\ntoken = \"T1\"\n")
	require.NoError(t, st.Reload())

	_, ok := st.Snapshot().Lookup("T2")
	assert.False(t, ok)
	assert.Same(t, st.Snapshot(), hooked)
	// A holder of the old snapshot keeps its view.
	_, ok = old.Lookup("T2")
	assert.True(t, ok)
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "relay.toml", twoUsers)
	st, err := Open(p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "relay.toml", twoUsers+"\n[[users]]\nname = \"carol\"\ntoken = \"T3\"\n")
	require.Eventually(t, func() bool {
		_, ok := st.Snapshot().Lookup("T3")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		DNSNames:     []string{"relay.test", "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPath := writeFile(t, dir, "cert.pem", string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})))
	keyPath := writeFile(t, dir, "key.pem", string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})))
	return certPath, keyPath
}
