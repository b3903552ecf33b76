// relay-probe opens a WebSocket through a relay, sends stdin lines as text
// frames and prints every frame it receives.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/matst80/relaycore/internal/proto"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:          "relay-probe",
		Short:        "Open a WebSocket through a relay and echo stdin to it",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if !cfg.Reconnect {
				return runOnce(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
			return backoff.RetryNotify(func() error {
				return runOnce(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
			}, b, func(err error, wait time.Duration) {
				log.Printf("connection ended: %v (reconnecting in %s)", err, wait.Round(time.Millisecond))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Relay, "relay", "ws://127.0.0.1:443", "relay base URL")
	f.StringVar(&cfg.Token, "token", "", "relay token")
	f.StringVar(&cfg.Target, "target", "", "upstream WebSocket URL")
	f.StringVar(&cfg.Mode, "mode", "inband", "handshake mode: inband or path")
	f.BoolVar(&cfg.Insecure, "insecure", false, "skip verification of the relay's certificate")
	f.BoolVar(&cfg.Reconnect, "reconnect", false, "reconnect with exponential backoff when the connection ends")
	return cmd
}

// runOnce connects, performs the in-band handshake when needed and pumps
// frames until either side ends.
func runOnce(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	u, err := cfg.dialURL()
	if err != nil {
		return backoff.Permanent(err)
	}
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.Insecure},
	}
	c, resp, err := d.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return backoff.Permanent(fmt.Errorf("relay answered %s", resp.Status))
		}
		return err
	}
	defer c.Close()

	if cfg.Mode == "inband" {
		if err := handshake(c, cfg); err != nil {
			return backoff.Permanent(err)
		}
	}
	log.Printf("connected to %s via %s", cfg.Target, cfg.Relay)

	errc := make(chan error, 2)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if err := c.WriteMessage(websocket.TextMessage, sc.Bytes()); err != nil {
				errc <- err
				return
			}
		}
		if err := sc.Err(); err != nil {
			errc <- err
			return
		}
		// Input is done; the relay's close reply ends the read loop.
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}()
	go func() {
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			if mt == websocket.BinaryMessage {
				fmt.Fprintf(out, "<binary %d bytes>\n", len(data))
				continue
			}
			fmt.Fprintf(out, "%s\n", data)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil
		}
		return err
	}
}

func handshake(c *websocket.Conn, cfg Config) error {
	if err := c.WriteJSON(proto.Auth{Token: cfg.Token, Target: cfg.Target}); err != nil {
		return err
	}
	_ = c.SetReadDeadline(time.Now().Add(15 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	_, data, err := c.ReadMessage()
	if err != nil {
		return err
	}
	var reply struct {
		proto.Connected
		proto.ErrorReply
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return err
	}
	if reply.Status != proto.StatusConnected {
		if reply.Error == "" {
			reply.Error = string(data)
		}
		return errors.New("relay rejected handshake: " + reply.Error)
	}
	return nil
}
