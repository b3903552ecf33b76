package config

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/matst80/relaycore/internal/obs"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the store on SIGHUP and whenever the config file changes on
// disk, until ctx is done. The parent directory is watched so editors that
// replace the file by rename still trigger a reload.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			obs.Info("config.reload.signal", obs.Fields{"path": s.path})
			_ = s.Reload()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			obs.Error("config.watch", obs.Fields{"err": err.Error()})
		case <-debounce.C:
			obs.Debug("config.reload.file", obs.Fields{"path": s.path})
			_ = s.Reload()
		}
	}
}
