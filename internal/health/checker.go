// Package health evaluates readiness of the client's connection and monitor
// cache, for surfacing through the metrics endpoint and the CLI.
package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/upstatushq/kuma-client/internal/metrics"
)

const defaultSnapshotStale = 5 * time.Minute

// Checker evaluates readiness conditions for the client.
type Checker struct {
	metrics    *metrics.Store
	staleAfter time.Duration

	mu               sync.RWMutex
	lastRefreshOK    time.Time
	refreshErr       string
	lastRefreshError time.Time
}

// NewChecker constructs a readiness checker bound to the provided metrics store.
func NewChecker(store *metrics.Store, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultSnapshotStale
	}
	return &Checker{
		metrics:    store,
		staleAfter: staleAfter,
	}
}

// ObserveRefresh records the outcome of a monitor list refresh attempt.
func (c *Checker) ObserveRefresh(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.refreshErr = err.Error()
		c.lastRefreshError = ts
		return
	}
	c.lastRefreshOK = ts
	c.refreshErr = ""
	c.lastRefreshError = time.Time{}
}

// Ready evaluates all readiness conditions and returns the overall status and
// reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)

	var snap metrics.Snapshot
	if c.metrics != nil {
		snap = c.metrics.Snapshot()
		if !snap.Connected {
			reasons = append(reasons, "not connected")
		}
	}

	c.mu.RLock()
	lastOK := c.lastRefreshOK
	refreshErr := c.refreshErr
	lastErr := c.lastRefreshError
	staleAfter := c.staleAfter
	c.mu.RUnlock()

	if lastOK.IsZero() {
		reasons = append(reasons, "monitor list not yet loaded")
	} else if now.Sub(lastOK) > staleAfter {
		reasons = append(reasons, fmt.Sprintf("monitor list stale (%s)", now.Sub(lastOK).Round(time.Second)))
	}

	if refreshErr != "" {
		if now.Sub(lastErr) <= staleAfter {
			reasons = append(reasons, fmt.Sprintf("monitor list refresh failing: %s", refreshErr))
		}
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		c.metrics.ObserveReadiness(ready, strings.Join(reasons, "; "))
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
