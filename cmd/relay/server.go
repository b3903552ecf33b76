package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/sirupsen/logrus"

	"github.com/matst80/relaycore/internal/config"
	"github.com/matst80/relaycore/internal/dispatch"
	"github.com/matst80/relaycore/internal/obs"
	"github.com/matst80/relaycore/internal/pool"
	"github.com/matst80/relaycore/internal/ratelimit"
	"github.com/matst80/relaycore/internal/registry"
	"github.com/matst80/relaycore/internal/restrelay"
	"github.com/matst80/relaycore/internal/wsrelay"
)

const (
	shutdownGrace = 10 * time.Second
	evictInterval = 30 * time.Second
)

// relayServer ties the dispatcher to one http.Server per route.
type relayServer struct {
	store    *config.Store
	registry registry.Store
	pool     *pool.Pool
	ws       *wsrelay.Relay
	dispatch *dispatch.Dispatcher
	ln       net.Listener
	wsSrv    *http.Server
	restSrv  *http.Server
}

func newRelayServer(store *config.Store, reg registry.Store, ln net.Listener, debug bool) *relayServer {
	limits := ratelimit.NewHolder(store)
	p := pool.New(restrelay.PoolSettings(store))
	ws := wsrelay.New(store, reg, limits)
	var rest http.Handler = restrelay.New(store, p, limits)
	if debug {
		rest = requestlog.Wrap(rest)
	}
	s := &relayServer{
		store:    store,
		registry: reg,
		pool:     p,
		ws:       ws,
		dispatch: dispatch.New(store, ln.Addr()),
		ln:       ln,
	}
	s.wsSrv = s.httpServer(dispatch.Guard(dispatch.RouteWS, ws))
	s.restSrv = s.httpServer(dispatch.Guard(dispatch.RouteREST, rest))
	return s
}

func (s *relayServer) httpServer(h http.Handler) *http.Server {
	cfg := s.store.Snapshot().Config.Server
	headTimeout := cfg.AuthTimeout()
	if headTimeout <= 0 {
		headTimeout = 10 * time.Second
	}
	return &http.Server{
		Handler:           h,
		ConnContext:       dispatch.ConnContext,
		ReadHeaderTimeout: headTimeout,
		IdleTimeout:       cfg.KeepAliveTimeout(),
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		ErrorLog:          log.New(obs.Logger().WriterLevel(logrus.DebugLevel), "", 0),
	}
}

// serve runs until ctx is done or a server fails, then shuts everything down.
func (s *relayServer) serve(ctx context.Context) error {
	errc := make(chan error, 3)
	go func() { errc <- s.wsSrv.Serve(s.dispatch.WS()) }()
	go func() { errc <- s.restSrv.Serve(s.dispatch.REST()) }()
	go func() { errc <- s.dispatch.Serve(ctx, s.ln) }()
	go s.pool.Run(ctx, evictInterval)

	s.registry.SetReady(true)
	obs.Info("relay.ready", obs.Fields{"addr": s.ln.Addr().String(), "instance": s.registry.Instance()})

	var err error
	select {
	case <-ctx.Done():
		obs.Info("relay.shutdown.signal", obs.Fields{})
	case err = <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			obs.Error("relay.serve", obs.Fields{"err": err.Error()})
		}
	}
	s.shutdown()
	return err
}

func (s *relayServer) shutdown() {
	s.registry.SetClosing(true)
	_ = s.ln.Close()
	s.ws.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.restSrv.Shutdown(ctx); err != nil {
		obs.Error("relay.shutdown.rest", obs.Fields{"err": err.Error()})
	}
	_ = s.wsSrv.Shutdown(ctx)
	s.dispatch.Close()
	s.pool.Close()
	obs.Info("relay.shutdown.complete", obs.Fields{})
}
