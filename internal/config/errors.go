package config

import "errors"

var (
	// ErrInvalidConfig is returned when a config file parses but fails validation.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrDuplicateToken is returned when two users share a token.
	ErrDuplicateToken = errors.New("duplicate user token")
	// ErrTLSMaterial is returned when TLS is enabled but the cert/key pair cannot be loaded.
	ErrTLSMaterial = errors.New("tls certificate unavailable")
)
