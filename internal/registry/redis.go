package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/relaycore/internal/obs"
)

const keyPrefix = "relay:session:"

// redisStore publishes locally owned sessions to Redis so every instance's
// dashboard shows the whole fleet. Keys expire unless refreshed by heartbeat,
// which cleans up after instances that die without removing their entries.
type redisStore struct {
	client   *redis.Client
	instance string

	mu       sync.Mutex
	local    map[string]Entry // sessions owned by this instance
	closing  bool
	ready    bool
	total    int64
	rejected int64

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

// NewRedis connects and pings the server before returning.
func NewRedis(addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStore(rdb), nil
}

func newRedisStore(rdb *redis.Client) *redisStore {
	return &redisStore{
		client:            rdb,
		instance:          NewInstanceID(),
		local:             make(map[string]Entry),
		heartbeatInterval: 15 * time.Second,
		keyTTL:            time.Minute,
	}
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) Instance() string        { return r.instance }
func (r *redisStore) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStore) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStore) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStore) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *redisStore) Add(ctx context.Context, e Entry) error {
	e.Instance = r.instance
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	r.mu.Lock()
	r.local[e.ID] = e
	r.total++
	n := len(r.local)
	r.mu.Unlock()
	obs.RegistrySessionsTotal.Set(float64(n))
	if err := r.client.Set(ctx, keyPrefix+e.ID, data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *redisStore) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.local, id)
	n := len(r.local)
	r.mu.Unlock()
	obs.RegistrySessionsTotal.Set(float64(n))
	if err := r.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		obs.Error("redis.remove_session", obs.Fields{"err": err.Error(), "id": id})
	}
}

// Touch records activity locally; it reaches Redis on the next heartbeat.
func (r *redisStore) Touch(id string, at time.Time) {
	r.mu.Lock()
	if e, ok := r.local[id]; ok {
		e.LastActivity = at
		r.local[id] = e
	}
	r.mu.Unlock()
}

func (r *redisStore) List(ctx context.Context) ([]Entry, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	out := make([]Entry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok { // expired between SCAN and MGET
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error(), "key": keys[i]})
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (r *redisStore) Reject() {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
}

// Stats counts local sessions only; List gives the fleet-wide view.
func (r *redisStore) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Active: len(r.local), Total: r.total, Rejected: r.rejected}
}

// Run refreshes locally owned entries until ctx is done.
func (r *redisStore) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *redisStore) heartbeat(ctx context.Context) {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.local))
	for _, e := range r.local {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err.Error(), "id": e.ID})
			continue
		}
		pipe.Set(ctx, keyPrefix+e.ID, data, r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat.exec", obs.Fields{"err": err.Error(), "sessions": len(entries)})
	}
}

// Runner is implemented by stores that need a maintenance loop.
type Runner interface {
	Run(ctx context.Context)
}
