package main

import (
	"context"
	"time"

	"github.com/matst80/relaycore/internal/obs"
	"github.com/matst80/relaycore/internal/registry"
)

// Stats represents current relay state for dashboards & API.
type Stats struct {
	Instance    string           `json:"instance"`
	Active      int              `json:"active"`
	Total       int64            `json:"total"`
	Rejected    int64            `json:"rejected"`
	PoolIdle    int              `json:"pool_idle"`
	Users       int              `json:"users"`
	ConfigSince string           `json:"config_loaded_at"`
	Sessions    []registry.Entry `json:"sessions"`
	Now         string           `json:"now"`
}

func collectStats(ctx context.Context, s *relayServer) Stats {
	st := s.registry.Stats()
	snap := s.store.Snapshot()
	sessions, err := s.registry.List(ctx)
	if err != nil {
		obs.Error("registry.list", obs.Fields{"err": err.Error()})
	}
	obs.RegistrySessionsTotal.Set(float64(len(sessions)))
	return Stats{
		Instance:    s.registry.Instance(),
		Active:      st.Active,
		Total:       st.Total,
		Rejected:    st.Rejected,
		PoolIdle:    s.pool.Idle(),
		Users:       len(snap.Config.Users),
		ConfigSince: snap.LoadedAt.UTC().Format(time.RFC3339),
		Sessions:    sessions,
		Now:         time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Title":       "relay " + s.Instance,
		"Instance":    s.Instance,
		"Active":      s.Active,
		"Total":       s.Total,
		"Rejected":    s.Rejected,
		"PoolIdle":    s.PoolIdle,
		"Users":       s.Users,
		"ConfigSince": s.ConfigSince,
		"Sessions":    s.Sessions,
	}
}
