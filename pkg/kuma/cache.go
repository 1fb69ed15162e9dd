package kuma

import (
	"context"
	"sync"
	"time"

	"github.com/upstatushq/kuma-client/internal/metrics"
	"github.com/upstatushq/kuma-client/pkg/types"
)

// monitorCache holds the latest monitor list snapshot, keyed by uid. It is
// shared between the transport's read loop (merges) and callers (reads and
// bounded waits); the lock is never held across a blocking wait.
type monitorCache struct {
	rec metrics.CacheRecorder
	now func() time.Time

	mu       sync.Mutex
	monitors map[string]types.Monitor
	changed  chan struct{}
}

func newMonitorCache(rec metrics.CacheRecorder, now func() time.Time) *monitorCache {
	if rec == nil {
		rec = metrics.NoopCacheRecorder{}
	}
	if now == nil {
		now = time.Now
	}
	return &monitorCache{
		rec:      rec,
		now:      now,
		monitors: make(map[string]types.Monitor),
		changed:  make(chan struct{}),
	}
}

// MergeSnapshot inserts every monitor of a pushed snapshot under its locally
// computed uid, discarding the server's own indexing. Existing entries with
// the same uid are replaced, not merged.
func (c *monitorCache) MergeSnapshot(snapshot map[string]types.Monitor) {
	if len(snapshot) == 0 {
		return
	}
	c.mu.Lock()
	for _, monitor := range snapshot {
		c.monitors[monitor.UID()] = monitor
	}
	count := len(c.monitors)
	c.signalLocked()
	c.mu.Unlock()

	c.rec.ObserveCachedMonitors(count)
	c.rec.ObserveSnapshot(c.now().UTC())
}

// Clear empties the cache ahead of a fresh list request.
func (c *monitorCache) Clear() {
	c.mu.Lock()
	c.monitors = make(map[string]types.Monitor)
	c.signalLocked()
	c.mu.Unlock()

	c.rec.ObserveCachedMonitors(0)
}

// Snapshot returns a copy of the current cache contents.
func (c *monitorCache) Snapshot() map[string]types.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]types.Monitor, len(c.monitors))
	for uid, monitor := range c.monitors {
		out[uid] = monitor
	}
	return out
}

// Contains reports whether a monitor with the given uid is cached.
func (c *monitorCache) Contains(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.monitors[uid]
	return ok
}

// Len returns the number of cached monitors.
func (c *monitorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.monitors)
}

// AwaitNonEmpty blocks until the cache holds at least one monitor or ctx
// expires. Wakeups come from merge notifications rather than fixed-interval
// polling.
func (c *monitorCache) AwaitNonEmpty(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.monitors) > 0 {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// signalLocked wakes every waiter; callers must hold c.mu.
func (c *monitorCache) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
