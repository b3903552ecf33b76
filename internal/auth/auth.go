// Package auth maps bearer tokens to configured users.
package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/matst80/relaycore/internal/config"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrAuthTimeout  = errors.New("authentication timed out")
)

// TokenHeader carries the token on path-mode WebSocket and REST requests.
const TokenHeader = "X-Token"

// Authenticate resolves token against snap. elapsed is the time since the
// connection was accepted; it only matters when the snapshot has a non-zero
// auth timeout.
func Authenticate(snap *config.Snapshot, token string, elapsed time.Duration) (config.User, error) {
	if limit := snap.Config.Server.AuthTimeout(); limit > 0 && elapsed > limit {
		return config.User{}, ErrAuthTimeout
	}
	if token == "" {
		return config.User{}, ErrMissingToken
	}
	u, ok := snap.Lookup(token)
	if !ok {
		return config.User{}, ErrInvalidToken
	}
	return u, nil
}

// TokenFromRequest reads the X-Token header, falling back to the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// Status maps an authentication error to the HTTP status returned before upgrade.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrAuthTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
