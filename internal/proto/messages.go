package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StatusConnected is the only status value sent by the relay.
const StatusConnected = "connected"

// Auth is the first text message a client sends on a bare /ws connection.
type Auth struct {
	Token  string `json:"token"`
	Target string `json:"target"`
}

// Connected relay -> client acknowledgement once the upstream is open.
type Connected struct {
	Status string `json:"status"`
}

// ErrorReply relay -> client rejection sent just before the close frame.
type ErrorReply struct {
	Error string `json:"error"`
}

// ErrBadAuth is returned for an in-band auth message that cannot be decoded.
var ErrBadAuth = errors.New("bad auth message")

// DecodeAuth parses an in-band auth message. Unknown fields are ignored.
func DecodeAuth(b []byte) (Auth, error) {
	var a Auth
	if err := json.Unmarshal(b, &a); err != nil {
		return Auth{}, fmt.Errorf("%w: %v", ErrBadAuth, err)
	}
	if a.Target == "" {
		return Auth{}, fmt.Errorf("%w: missing target", ErrBadAuth)
	}
	return a, nil
}
