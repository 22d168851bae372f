package signer

import (
	"math"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// Retention window for seen nonces (2x freshness window for safety)
	nonceCacheRetentionSeconds = 2 * DefaultTimestampWindow

	// Maximum entries in the nonce cache (prevent memory exhaustion)
	maxNonceCacheSize = 50000

	// Cleanup interval in seconds
	nonceCacheCleanupInterval int64 = 60
)

// NonceCache rejects nonces that have already been seen within the freshness
// window. It is the server-side half of replay protection: the signer only
// proves freshness and authenticity, this cache makes each nonce single-use.
type NonceCache struct {
	entries     map[string]int64
	mu          sync.RWMutex
	lastCleanup int64
}

// NewNonceCache creates an empty nonce cache.
func NewNonceCache() *NonceCache {
	return &NonceCache{
		entries:     make(map[string]int64),
		lastCleanup: timeNow(),
	}
}

// CheckAndAdd records the nonce, returning true if it was not seen before.
// The check and insert are atomic so two concurrent requests cannot both
// pass with the same nonce.
func (c *NonceCache) CheckAndAdd(nonce string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := timeNow()
	if now-c.lastCleanup > nonceCacheCleanupInterval {
		c.cleanupLocked(now)
		c.lastCleanup = now
	}

	if firstSeen, exists := c.entries[nonce]; exists {
		log.Warn().
			Int64("age_seconds", now-firstSeen).
			Msg("SECURITY: Replay detected - nonce already seen")
		return false, "replay detected: nonce already seen"
	}

	if len(c.entries) >= maxNonceCacheSize {
		c.cleanupLocked(now)
		if len(c.entries) >= maxNonceCacheSize {
			log.Warn().
				Int("cache_size", len(c.entries)).
				Msg("SECURITY: Nonce cache full - forcing cleanup")
			c.aggressiveCleanupLocked()
		}
	}

	c.entries[nonce] = now
	return true, ""
}

// cleanupLocked removes entries older than the retention window (must be
// called with lock held).
func (c *NonceCache) cleanupLocked(now int64) {
	cutoff := now - nonceCacheRetentionSeconds
	removed := 0
	for nonce, seen := range c.entries {
		if seen < cutoff {
			delete(c.entries, nonce)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(c.entries)).
			Msg("Nonce cache cleanup completed")
	}
}

// aggressiveCleanupLocked removes the oldest 20% of entries (must be called
// with lock held).
func (c *NonceCache) aggressiveCleanupLocked() {
	targetRemoval := len(c.entries) / 5
	if targetRemoval == 0 {
		return
	}

	removed := 0
	for removed < targetRemoval {
		var oldestNonce string
		oldest := int64(math.MaxInt64)
		for nonce, seen := range c.entries {
			if seen < oldest {
				oldest = seen
				oldestNonce = nonce
			}
		}
		if oldestNonce == "" {
			break
		}
		delete(c.entries, oldestNonce)
		removed++
	}

	log.Warn().
		Int("removed", removed).
		Int("remaining", len(c.entries)).
		Msg("SECURITY: Aggressive nonce cache cleanup completed")
}

// Size returns the current cache size.
func (c *NonceCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
