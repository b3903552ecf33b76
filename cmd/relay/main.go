package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matst80/relaycore/internal/config"
	"github.com/matst80/relaycore/internal/obs"
	"github.com/matst80/relaycore/internal/registry"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:          "relay [config.toml]",
		Short:        "Relay WebSocket and REST traffic to client-chosen upstreams on one port",
		Args:         cobra.MaximumNArgs(1),
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				configPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the TOML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logs and request logging")
	return cmd
}

func run(ctx context.Context, path string, debug bool) error {
	store, err := config.Open(path)
	if err != nil {
		obs.Error("config.load.failed", obs.Fields{"path": path, "err": err.Error()})
		return err
	}
	snap := store.Snapshot()
	obs.EnableDebug(debug || snap.Config.Server.Debug)
	store.OnReload(func(s *config.Snapshot) { obs.EnableDebug(debug || s.Config.Server.Debug) })

	reg, err := registry.New(snap.Config.Registry)
	if err != nil {
		obs.Error("registry.open", obs.Fields{"err": err.Error()})
		return err
	}
	if r, ok := reg.(registry.Runner); ok {
		go r.Run(ctx)
	}
	go func() {
		if err := store.Watch(ctx); err != nil {
			obs.Error("config.watch", obs.Fields{"path": path, "err": err.Error()})
		}
	}()

	ln, err := listen(store)
	if err != nil {
		obs.Error("listen", obs.Fields{"addr": snap.Config.Server.Addr(), "err": err.Error()})
		return err
	}
	srv := newRelayServer(store, reg, ln, debug || snap.Config.Server.Debug)
	if addr := snap.Config.Server.MetricsAddr; addr != "" {
		go startMetricsServer(ctx, addr, srv)
	}
	obs.Info("relay.start", obs.Fields{
		"addr":    ln.Addr().String(),
		"tls":     snap.Config.Server.TLSEnabled,
		"users":   len(snap.Config.Users),
		"metrics": snap.Config.Server.MetricsAddr,
		"version": version,
	})
	return srv.serve(ctx)
}
