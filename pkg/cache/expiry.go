package cache

import "time"

// ExpiredWritePieces implements the scan behind spec §4.1's
// "Expired-write flushing": pieces are walked in write-LRU order
// (oldest first); any piece whose last touch is older than
// cache_expiry has all its dirty blocks flushed, up to cap pieces per
// pass to bound latency.
func (c *Cache) ExpiredWritePieces(cap int) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry := time.Duration(c.settings.CacheExpiry) * time.Second
	cutoff := time.Now().Add(-expiry)

	var out []Key
	idx := c.lists[StateWrite].head
	for idx != nilIndex && len(out) < cap {
		p := c.pieces[idx]
		if p.lastTouch.Before(cutoff) && p.numDirty > 0 {
			out = append(out, p.key)
		}
		idx = p.next
	}
	return out
}

// DirtyPiecesForStorage returns the keys of every piece belonging to id
// that still has unflushed dirty blocks, in write-LRU order. Used by a
// flush-storage job (spec §4.3 `fence_post_flush`) to drain a storage's
// outstanding writes before the fence-raising delete/move/rename runs.
func (c *Cache) DirtyPiecesForStorage(id StorageID) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Key
	idx := c.lists[StateWrite].head
	for idx != nilIndex {
		p := c.pieces[idx]
		if p.key.Storage == id && p.numDirty > 0 {
			out = append(out, p.key)
		}
		idx = p.next
	}
	return out
}

// OverHighWatermark reports whether the clean pools exceed the
// configured high-water mark (spec §4.2 worker loop "cache's
// level-check").
func (c *Cache) OverHighWatermark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.countBlocksIn(StateReadLRU1) + c.countBlocksIn(StateReadLRU2) + c.countBlocksIn(StateVolatileRead)
	return total > c.settings.CacheSize
}
