package config

import (
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/relaycore/internal/obs"
)

// Snapshot is an immutable, validated view of one loaded Config. Holders keep
// using the same snapshot for the whole operation they started with it.
type Snapshot struct {
	Config   *Config
	LoadedAt time.Time

	tokens map[string]User
	cert   *tls.Certificate
}

func newSnapshot(cfg *Config) (*Snapshot, error) {
	cert, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	idx := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		idx[u.Token] = u
	}
	return &Snapshot{Config: cfg, LoadedAt: time.Now(), tokens: idx, cert: cert}, nil
}

// Lookup finds the user owning token.
func (s *Snapshot) Lookup(token string) (User, bool) {
	u, ok := s.tokens[token]
	return u, ok
}

// Certificate returns the TLS certificate loaded with this snapshot, or nil.
func (s *Snapshot) Certificate() *tls.Certificate { return s.cert }

// UserNames returns the set of configured user names.
func (s *Snapshot) UserNames() map[string]bool {
	out := make(map[string]bool, len(s.tokens))
	for _, u := range s.tokens {
		out[u.Name] = true
	}
	return out
}

// Store holds the active Snapshot. Reads are lock free; reloads are serialized
// and swap the snapshot atomically, so readers see the old or the new config,
// never a mix.
type Store struct {
	path string
	cur  atomic.Pointer[Snapshot]

	mu       sync.Mutex // guards onReload and orders swaps with their hooks
	onReload []func(*Snapshot)
}

// Open loads, validates and activates the config at path.
func Open(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	st := &Store{path: path}
	if err := st.Swap(cfg); err != nil {
		return nil, err
	}
	return st, nil
}

// NewStore activates an in-memory config. Reload is a no-op for such stores.
func NewStore(cfg *Config) (*Store, error) {
	st := &Store{}
	if err := st.Swap(cfg); err != nil {
		return nil, err
	}
	return st, nil
}

// Path is the file backing the store, empty for in-memory stores.
func (s *Store) Path() string { return s.path }

// Snapshot returns the active snapshot.
func (s *Store) Snapshot() *Snapshot { return s.cur.Load() }

// OnReload registers fn to run after every successful swap.
func (s *Store) OnReload(fn func(*Snapshot)) {
	s.mu.Lock()
	s.onReload = append(s.onReload, fn)
	s.mu.Unlock()
}

// Swap validates cfg and activates it. On error the active snapshot is untouched.
func (s *Store) Swap(cfg *Config) error {
	snap, err := newSnapshot(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cur.Store(snap)
	hooks := append([]func(*Snapshot){}, s.onReload...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(snap)
	}
	return nil
}

// Reload re-reads the backing file. A failed reload is logged and the previous
// snapshot stays active.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := Load(s.path)
	if err == nil {
		err = s.Swap(cfg)
	}
	if err != nil {
		obs.Error("config.reload.failed", obs.Fields{"path": s.path, "err": err.Error()})
		obs.ConfigReloadsTotal.WithLabelValues("failed").Inc()
		return err
	}
	snap := s.Snapshot()
	obs.Info("config.reload.ok", obs.Fields{"path": s.path, "users": len(snap.Config.Users)})
	obs.ConfigReloadsTotal.WithLabelValues("ok").Inc()
	return nil
}
