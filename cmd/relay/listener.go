package main

import (
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/matst80/relaycore/internal/config"
)

const sockBuffer = 256 * 1024

var errNoCertificate = errors.New("no tls certificate loaded")

// tunedListener applies socket options to every accepted connection.
type tunedListener struct {
	*net.TCPListener
}

func (l tunedListener) Accept() (net.Conn, error) {
	c, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = c.SetNoDelay(true)
	_ = c.SetReadBuffer(sockBuffer)
	_ = c.SetWriteBuffer(sockBuffer)
	_ = c.SetKeepAlive(true)
	_ = c.SetKeepAlivePeriod(30 * time.Second)
	return c, nil
}

// listen opens the relay port, terminating TLS when enabled. The listener is
// fixed at startup; reloads only rotate the certificate.
func listen(store *config.Store) (net.Listener, error) {
	s := store.Snapshot().Config.Server
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, err
	}
	var l net.Listener = tunedListener{ln.(*net.TCPListener)}
	if s.TLSEnabled {
		l = tls.NewListener(l, serverTLSConfig(store))
	}
	return l, nil
}

func serverTLSConfig(store *config.Store) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// The dispatcher only understands HTTP/1.1 request heads.
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			if c := store.Snapshot().Certificate(); c != nil {
				return c, nil
			}
			return nil, errNoCertificate
		},
	}
}
