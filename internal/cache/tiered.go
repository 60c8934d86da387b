package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ggonzalez94/lendflow/internal/metrics"
)

const DefaultMemoryEntries = 512

// DefaultLoadTimeout bounds a shared load once it is detached from the
// caller that started it.
const DefaultLoadTimeout = 30 * time.Second

type memEntry struct {
	key     Key
	value   []byte
	expires time.Time
}

// Tiered fronts the disk store with an in-process LRU and collapses
// concurrent loads of the same key. The disk tier is optional.
type Tiered struct {
	mem     *lru.Cache[string, memEntry]
	disk    *Store
	group   singleflight.Group
	epoch   atomic.Uint64
	metrics *metrics.FlowMetrics
	now     func() time.Time
	timeout time.Duration
}

func NewTiered(size int, disk *Store) (*Tiered, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	mem, err := lru.New[string, memEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &Tiered{mem: mem, disk: disk, metrics: metrics.Flow(), now: time.Now, timeout: DefaultLoadTimeout}, nil
}

// Fetch returns a fresh cached value for key or calls load. A load that races
// with an invalidation is returned but not stored.
func (t *Tiered) Fetch(ctx context.Context, key Key, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	id := key.String()
	if entry, ok := t.mem.Get(id); ok && t.now().Before(entry.expires) {
		t.metrics.ObserveReadCache(key.Family, "memory")
		return entry.value, nil
	}
	if t.disk != nil {
		if res, err := t.disk.Get(key, 0); err == nil && res.Hit && !res.Stale {
			t.metrics.ObserveReadCache(key.Family, "disk")
			t.mem.Add(id, memEntry{key: key, value: res.Value, expires: t.now().Add(ttl - res.Age)})
			return res.Value, nil
		}
	}

	// The load runs detached from ctx: one caller giving up must not fail the
	// others waiting on the same key.
	ch := t.group.DoChan(id, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		epoch := t.epoch.Load()
		value, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		t.metrics.ObserveReadCache(key.Family, "miss")
		if ttl > 0 && t.epoch.Load() == epoch {
			t.mem.Add(id, memEntry{key: key, value: value, expires: t.now().Add(ttl)})
			if t.disk != nil {
				_ = t.disk.Set(key, value, ttl)
			}
		}
		return value, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Invalidate drops every entry inside scope from both tiers.
func (t *Tiered) Invalidate(scope Scope) error {
	t.epoch.Add(1)
	for _, id := range t.mem.Keys() {
		if entry, ok := t.mem.Peek(id); ok && scope.Matches(entry.key) {
			t.mem.Remove(id)
		}
	}
	if t.disk == nil {
		return nil
	}
	_, err := t.disk.Invalidate(scope)
	return err
}

func (t *Tiered) Len() int {
	return t.mem.Len()
}
