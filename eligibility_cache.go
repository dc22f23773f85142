package main

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	cleanupTargetFraction = 10   // Target: cleanup when ~1/10th of cache size new entries added
	minCleanupInterval    = 10   // Minimum cleanup interval in operations
	maxCleanupInterval    = 1000 // Maximum cleanup interval in operations

	defaultEligibilityTTL = 30 * time.Second
)

type eligibilityEntry struct {
	result   EligibilityResult
	expiryMs int64
}

// eligibilityCache is a thread-safe TTL cache for eligibility verdicts so a
// burst of authorization checks for the same tuple does not hammer the
// eligibility service.
// Important implications:
// - If additions stop, expired entries remain until the next set()
// - This is intentional - it avoids cleanup overhead during read-heavy periods
// - The cache will not grow unbounded because:
//   - Expired entries are treated as non-existent by get()
//   - Next set() will eventually trigger cleanup
type eligibilityCache struct {
	entries        map[string]eligibilityEntry
	mu             sync.RWMutex
	ttl            time.Duration
	cleanupCounter int
	cleanupEvery   int // Dynamically calculated based on cache size
}

func newEligibilityCache(ttl time.Duration) *eligibilityCache {
	return &eligibilityCache{
		entries:      make(map[string]eligibilityEntry),
		ttl:          ttl,
		cleanupEvery: minCleanupInterval,
	}
}

func (c *eligibilityCache) set(key string, result EligibilityResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = eligibilityEntry{
		result:   result,
		expiryMs: time.Now().Add(c.ttl).UnixMilli(),
	}

	// Lazy cleanup every N operations
	c.cleanupCounter++
	if c.cleanupCounter >= c.cleanupEvery {
		c.cleanupExpiredLocked()
		c.recalculateCleanupInterval()
		c.cleanupCounter = 0
	}
}

func (c *eligibilityCache) get(key string) (EligibilityResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || time.Now().UnixMilli() > entry.expiryMs {
		return EligibilityResult{}, false
	}
	return entry.result, true
}

// remove evicts a key so the next check goes back to the service, e.g.
// after a transfer settles and the balance changed.
func (c *eligibilityCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// cleanupExpiredLocked removes all expired entries. The caller must hold
// c.mu; set() performs insert and cleanup in one critical section.
func (c *eligibilityCache) cleanupExpiredLocked() {
	now := time.Now().UnixMilli()
	for key, entry := range c.entries {
		if now > entry.expiryMs {
			delete(c.entries, key)
		}
	}
}

// recalculateCleanupInterval adjusts the cleanup frequency based on cache
// size, bounded between min and max operations.
func (c *eligibilityCache) recalculateCleanupInterval() {
	interval := len(c.entries) / cleanupTargetFraction

	if interval < minCleanupInterval {
		c.cleanupEvery = minCleanupInterval
	} else if interval > maxCleanupInterval {
		c.cleanupEvery = maxCleanupInterval
	} else {
		c.cleanupEvery = interval
	}
}

// CachedEligibilityChecker wraps another checker with a short-lived verdict
// cache. Negative verdicts are cached too: a frozen account stays frozen for
// longer than the TTL.
type CachedEligibilityChecker struct {
	inner EligibilityChecker
	cache *eligibilityCache
}

// NewCachedEligibilityChecker creates the caching wrapper. A zero ttl uses
// the default.
func NewCachedEligibilityChecker(inner EligibilityChecker, ttl time.Duration) *CachedEligibilityChecker {
	if ttl <= 0 {
		ttl = defaultEligibilityTTL
	}
	return &CachedEligibilityChecker{
		inner: inner,
		cache: newEligibilityCache(ttl),
	}
}

// CheckEligibility implements EligibilityChecker.
func (c *CachedEligibilityChecker) CheckEligibility(ctx context.Context, identityID string, amount decimal.Decimal) (EligibilityResult, error) {
	key := identityID + "|" + amount.String()
	if result, ok := c.cache.get(key); ok {
		return result, nil
	}

	result, err := c.inner.CheckEligibility(ctx, identityID, amount)
	if err != nil {
		return EligibilityResult{}, err
	}
	c.cache.set(key, result)
	return result, nil
}

// Invalidate drops the cached verdict for a tuple.
func (c *CachedEligibilityChecker) Invalidate(identityID string, amount decimal.Decimal) {
	c.cache.remove(identityID + "|" + amount.String())
}
