package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matst80/relaycore/internal/obs"
)

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]Entry
	instance string
	closing  bool
	ready    bool
	total    int64
	rejected int64
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{sessions: make(map[string]Entry), instance: NewInstanceID()}
}

var _ Store = (*memoryStore)(nil)

func (s *memoryStore) Instance() string        { return s.instance }
func (s *memoryStore) SetClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *memoryStore) SetReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *memoryStore) IsClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *memoryStore) IsReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *memoryStore) Add(_ context.Context, e Entry) error {
	e.Instance = s.instance
	s.mu.Lock()
	s.sessions[e.ID] = e
	s.total++
	n := len(s.sessions)
	s.mu.Unlock()
	obs.RegistrySessionsTotal.Set(float64(n))
	return nil
}

func (s *memoryStore) Remove(_ context.Context, id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	obs.RegistrySessionsTotal.Set(float64(n))
}

func (s *memoryStore) Touch(id string, at time.Time) {
	s.mu.Lock()
	if e, ok := s.sessions[id]; ok {
		e.LastActivity = at
		s.sessions[id] = e
	}
	s.mu.Unlock()
}

func (s *memoryStore) List(context.Context) ([]Entry, error) {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e)
	}
	s.mu.Unlock()
	sortEntries(out)
	return out, nil
}

func (s *memoryStore) Reject() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

func (s *memoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Active: len(s.sessions), Total: s.total, Rejected: s.rejected}
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].ID < es[j].ID
		}
		return es[i].CreatedAt.Before(es[j].CreatedAt)
	})
}
