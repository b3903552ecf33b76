package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Handshake modes accepted by ws_handshake.
const (
	HandshakePath   = "path"
	HandshakeInband = "inband"
	HandshakeBoth   = "both"
)

// DefaultPath is used when no config path is given on the command line.
const DefaultPath = "config.toml"

// Config is the full relay configuration as read from TOML.
type Config struct {
	Server   Server   `toml:"server"`
	Limits   Limits   `toml:"limits"`
	Registry Registry `toml:"registry"`
	Users    []User   `toml:"users"`
}

// Server holds listener, timeout and upstream settings.
type Server struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	TLSEnabled         bool   `toml:"tls_enabled"`
	TLSCert            string `toml:"tls_cert"`
	TLSKey             string `toml:"tls_key"`
	AuthTimeoutSecs    int    `toml:"auth_timeout_secs"`
	IdleTimeoutSecs    int    `toml:"idle_timeout_secs"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	WSHandshake        string `toml:"ws_handshake"`
	MaxHeaderBytes     int    `toml:"max_header_bytes"`
	DialTimeoutSecs    int    `toml:"dial_timeout_secs"`
	RESTMaxBodyBytes   int64  `toml:"rest_max_body_bytes"`
	WSMaxMessageBytes  int64  `toml:"ws_max_message_bytes"`
	PoolMaxIdlePerHost int    `toml:"pool_max_idle_per_host"`
	PoolIdleTimeout    int    `toml:"pool_idle_timeout_secs"`
	KeepAliveSecs      int    `toml:"keepalive_timeout_secs"`
	MetricsAddr        string `toml:"metrics_addr"`
	Debug              bool   `toml:"debug"`
}

// Limits configures per-user token buckets. Zero disables a limit.
type Limits struct {
	ConnPerSec int `toml:"conn_per_sec"`
	ReqPerSec  int `toml:"req_per_sec"`
	Burst      int `toml:"burst"`
}

// Registry selects the session registry backend. Empty RedisAddr keeps it in memory.
type Registry struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// User is a credential record. Tokens are unique within one Config.
type User struct {
	Name  string `toml:"name"`
	Token string `toml:"token"`
}

// Default returns a Config with every default applied and no users.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:               "0.0.0.0",
			Port:               443,
			AuthTimeoutSecs:    10,
			WSHandshake:        HandshakeBoth,
			MaxHeaderBytes:     32 * 1024,
			DialTimeoutSecs:    10,
			RESTMaxBodyBytes:   10 << 20,
			PoolMaxIdlePerHost: 10,
			KeepAliveSecs:      60,
		},
		Limits: Limits{Burst: 10},
	}
}

// Parse decodes TOML on top of Default so absent keys keep their default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undec[0].String())
	}
	// tls_enabled defaults to true only when cert material is referenced.
	if !md.IsDefined("server", "tls_enabled") {
		cfg.Server.TLSEnabled = cfg.Server.TLSCert != "" || cfg.Server.TLSKey != ""
	}
	return cfg, nil
}

// Load reads and parses the file at path. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks the config and loads TLS material when enabled. The returned
// certificate is nil when TLS is disabled.
func (c *Config) Validate() (*tls.Certificate, error) {
	s := c.Server
	if s.Port < 1 || s.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, s.Port)
	}
	switch s.WSHandshake {
	case HandshakePath, HandshakeInband, HandshakeBoth:
	default:
		return nil, fmt.Errorf("%w: ws_handshake %q", ErrInvalidConfig, s.WSHandshake)
	}
	if s.AuthTimeoutSecs < 0 || s.IdleTimeoutSecs < 0 || s.DialTimeoutSecs < 0 || s.PoolIdleTimeout < 0 || s.KeepAliveSecs < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if s.MaxHeaderBytes <= 0 {
		return nil, fmt.Errorf("%w: max_header_bytes must be positive", ErrInvalidConfig)
	}
	if s.RESTMaxBodyBytes <= 0 {
		return nil, fmt.Errorf("%w: rest_max_body_bytes must be positive", ErrInvalidConfig)
	}
	if c.Limits.Burst < 0 || c.Limits.ConnPerSec < 0 || c.Limits.ReqPerSec < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}
	owners := make(map[string]string, len(c.Users))
	for i, u := range c.Users {
		if u.Name == "" {
			return nil, fmt.Errorf("%w: user #%d has no name", ErrInvalidConfig, i+1)
		}
		if u.Token == "" {
			return nil, fmt.Errorf("%w: user %q has empty token", ErrInvalidConfig, u.Name)
		}
		if prev, dup := owners[u.Token]; dup {
			return nil, fmt.Errorf("%w: users %q and %q", ErrDuplicateToken, prev, u.Name)
		}
		owners[u.Token] = u.Name
	}
	if !s.TLSEnabled {
		return nil, nil
	}
	if s.TLSCert == "" || s.TLSKey == "" {
		return nil, fmt.Errorf("%w: tls_cert and tls_key required", ErrTLSMaterial)
	}
	cert, err := tls.LoadX509KeyPair(s.TLSCert, s.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSMaterial, err)
	}
	return &cert, nil
}

// Addr is the host:port the relay listens on.
func (s Server) Addr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

// AuthTimeout is zero when disabled.
func (s Server) AuthTimeout() time.Duration { return secs(s.AuthTimeoutSecs) }

// IdleTimeout is zero when disabled.
func (s Server) IdleTimeout() time.Duration { return secs(s.IdleTimeoutSecs) }

func (s Server) DialTimeout() time.Duration { return secs(s.DialTimeoutSecs) }

// KeepAliveTimeout bounds how long an idle client connection waits for its next request.
func (s Server) KeepAliveTimeout() time.Duration { return secs(s.KeepAliveSecs) }

// PoolIdleTTL is how long an idle pooled connection may sit before eviction.
func (s Server) PoolIdleTTL() time.Duration {
	if s.PoolIdleTimeout > 0 {
		return secs(s.PoolIdleTimeout)
	}
	if s.IdleTimeoutSecs > 0 {
		return secs(s.IdleTimeoutSecs)
	}
	return 90 * time.Second
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
