package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds probe runtime configuration.
type Config struct {
	Relay     string
	Token     string
	Target    string
	Mode      string
	Insecure  bool
	Reconnect bool
}

func (c Config) validate() error {
	if c.Relay == "" || c.Target == "" {
		return errors.New("--relay and --target are required")
	}
	if c.Mode != "inband" && c.Mode != "path" {
		return fmt.Errorf("unknown mode %q (want inband or path)", c.Mode)
	}
	return nil
}

// dialURL is the relay URL to dial: bare /ws for in-band mode, the encoded
// target and token for path mode.
func (c Config) dialURL() (string, error) {
	u, err := url.Parse(strings.TrimSuffix(c.Relay, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay scheme %q not supported", u.Scheme)
	}
	base := u.Scheme + "://" + u.Host + "/ws"
	if c.Mode == "inband" {
		return base, nil
	}
	return base + "/" + url.QueryEscape(c.Target) + "?token=" + url.QueryEscape(c.Token), nil
}
