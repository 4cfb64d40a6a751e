package delivery

import (
	"sync"
	"time"

	"github.com/velotype/keypulse/internal/timeutil"
)

// dedupCache suppresses repeated sends of the same (user, type, tag) key
// within a fixed window. It is process-local and ephemeral: under multiple
// engine instances duplicate suppression is best-effort, not a guarantee.
type dedupCache struct {
	window time.Duration
	clock  timeutil.Clock

	mu      sync.Mutex
	entries map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newDedupCache(window, sweepInterval time.Duration, clock timeutil.Clock) *dedupCache {
	c := &dedupCache{
		window:  window,
		clock:   clock,
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// SeenWithinWindow reports whether the key was recorded inside the dedup
// window. A miss records the key, so check and record are one atomic step.
func (c *dedupCache) SeenWithinWindow(key string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.entries[key]; ok && now.Sub(last) < c.window {
		return true
	}
	c.entries[key] = now
	return false
}

// Stop terminates the background sweeper.
func (c *dedupCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *dedupCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *dedupCache) sweep() {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, last := range c.entries {
		if now.Sub(last) >= c.window {
			delete(c.entries, key)
		}
	}
}
