// Package board checks a task's status on the external project board before
// execution. The board is the human-facing source of intent; when it
// disagrees with the queue the task is drifted and must not run.
package board

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Status is one lookup result.
type Status struct {
	OK         bool
	StatusName string
}

// StatusLookup is the external board collaborator.
type StatusLookup interface {
	Lookup(ctx context.Context, issueNumber int) (Status, error)
}

// executableStatuses are the board states under which a claimed task may
// actually run.
var executableStatuses = map[string]bool{
	"in progress": true,
	"ready":       true,
}

// DriftCheck decides whether a task may execute given its board status.
type DriftCheck struct {
	lookup StatusLookup
	cache  *statusCache
}

// NewDriftCheck wraps a lookup with a short-TTL cache. The clock is injected
// so tests control expiry.
func NewDriftCheck(lookup StatusLookup, ttl time.Duration, now func() time.Time) *DriftCheck {
	if now == nil {
		now = time.Now
	}
	return &DriftCheck{
		lookup: lookup,
		cache:  &statusCache{ttl: ttl, now: now, entries: map[int]cacheEntry{}},
	}
}

// Allow reports whether the task may run, with the human-readable reason
// when it may not. Lookup failure is drift: fail closed.
func (d *DriftCheck) Allow(ctx context.Context, issueNumber int) (bool, string) {
	if issueNumber == 0 {
		// Tasks with no board linkage have nothing to drift from.
		return true, ""
	}
	status, ok := d.cache.get(issueNumber)
	if !ok {
		var err error
		status, err = d.lookup.Lookup(ctx, issueNumber)
		if err != nil {
			return false, "board status lookup failed; treating as drift"
		}
		d.cache.put(issueNumber, status)
	}
	if !status.OK {
		return false, "board reports the issue as unknown"
	}
	if !executableStatuses[strings.ToLower(status.StatusName)] {
		return false, "board status " + status.StatusName + " does not permit execution"
	}
	return true, ""
}

type cacheEntry struct {
	status  Status
	expires time.Time
}

type statusCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int]cacheEntry
}

func (c *statusCache) get(issueNumber int) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[issueNumber]
	if !ok || c.now().After(entry.expires) {
		delete(c.entries, issueNumber)
		return Status{}, false
	}
	return entry.status, true
}

func (c *statusCache) put(issueNumber int, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[issueNumber] = cacheEntry{status: status, expires: c.now().Add(c.ttl)}
}
