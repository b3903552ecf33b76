// Package registry tracks live WebSocket sessions for the status endpoints.
// Entries never carry tokens.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/relaycore/internal/config"
	"github.com/matst80/relaycore/internal/obs"
)

// Entry describes one relaying session.
type Entry struct {
	ID           string    `json:"id"`
	User         string    `json:"user"`
	Target       string    `json:"target"`
	Mode         string    `json:"mode"`
	Instance     string    `json:"instance"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats are the counters shown on the dashboard.
type Stats struct {
	Active   int   `json:"active"`
	Total    int64 `json:"total"`
	Rejected int64 `json:"rejected"`
}

// Store abstracts session bookkeeping so several relay instances can share a view.
type Store interface {
	Add(ctx context.Context, e Entry) error
	Remove(ctx context.Context, id string)
	Touch(id string, at time.Time)
	List(ctx context.Context) ([]Entry, error)
	Reject()
	Stats() Stats
	Instance() string
	SetReady(ready bool)
	IsReady() bool
	SetClosing(closing bool)
	IsClosing() bool
}

// NewInstanceID names this process in shared registries.
func NewInstanceID() string { return "relay-" + uuid.NewString()[:8] }

// New creates either an in-memory or Redis-backed store based on configuration.
func New(cfg config.Registry) (Store, error) {
	if cfg.RedisAddr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
}
