package cache

// This file implements spec §4.1's ARC state machine: four LRU lists
// {MRU, MRU-ghost, MFU, MFU-ghost} (named StateReadLRU1/1Ghost/2/2Ghost
// here) plus the separate write-LRU, the ghost-hit side hint, and
// eviction in ARC order.

// insertMiss links a freshly-allocated piece at the MRU tail: spec
// "Cache misses insert at MRU tail."
func (c *Cache) insertMiss(p *PieceEntry) {
	p.state = StateReadLRU1
	c.listPushTail(p)
}

// promote handles any cache hit, including a ghost-list hit: spec "Any
// subsequent hit — including on a ghost list — promotes the piece to
// MFU tail." A ghost hit additionally records which side had the
// phantom hit, in ghostHint, so the next eviction pressure shrinks the
// opposite side (enlarging the side that just proved useful). A piece
// still on the write-LRU is left there: it joins the ARC lists only
// once MarkAsDone has flushed its last dirty block.
func (c *Cache) promote(p *PieceEntry) {
	if p.state == StateWrite {
		return
	}
	if p.isGhost() {
		c.ghostHint = p.state
	}
	c.moveTo(p, StateReadLRU2)
}

// evictionOrder returns which clean list to drain first, then second,
// given the current ghost-hit hint.
func (c *Cache) evictionOrder() [2]CacheState {
	switch c.ghostHint {
	case StateReadLRU1Ghost:
		return [2]CacheState{StateReadLRU2, StateReadLRU1}
	case StateReadLRU2Ghost:
		return [2]CacheState{StateReadLRU1, StateReadLRU2}
	default:
		return [2]CacheState{StateReadLRU1, StateReadLRU2}
	}
}

// TryEvictBlocks removes up to n clean blocks across piece entries in
// ARC order (spec §4.1 `try_evict_blocks`), skipping ignore so that a
// piece currently being inserted into is never evicted out from under
// its own allocation (spec §8 boundary behavior). Returns the shortfall
// (n - blocks actually freed).
func (c *Cache) TryEvictBlocks(n int, ignore Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryEvictBlocksLocked(n, ignore)
}

func (c *Cache) tryEvictBlocksLocked(n int, ignore Key) int {
	removed := 0
	for _, side := range c.evictionOrder() {
		idx := c.lists[side].head
		for idx != nilIndex && removed < n {
			p := c.pieces[idx]
			next := p.next
			if p.key != ignore && p.refcount == 0 {
				removed += c.dropCleanBlocksLocked(p)
				if p.numBlocks == 0 {
					c.evictPieceLocked(p)
				}
			}
			idx = next
		}
		if removed >= n {
			break
		}
	}
	if removed > n {
		removed = n
	}
	return n - removed
}

// dropCleanBlocksLocked frees every unreferenced clean block in p and
// returns how many were freed. Dirty blocks and blocks with I/O pending
// are left in place, so EvictPiece on a write-LRU piece or on a piece
// with an outstanding read never discards data or an in-flight buffer.
func (c *Cache) dropCleanBlocksLocked(p *PieceEntry) int {
	freed := 0
	for i := range p.blocks {
		b := &p.blocks[i]
		if b.buf != nil && b.refcount == 0 && !b.dirty && !b.pending {
			c.settings.Pool.Free(b.buf)
			*b = Block{}
			p.numBlocks--
			freed++
		}
	}
	return freed
}

// EvictPiece drops every unreferenced clean block of the named piece;
// if its refcount is then zero and no block remains, it becomes a ghost
// (spec §4.1 `evict_piece`).
func (c *Cache) EvictPiece(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.lookup(key)
	if !ok {
		return
	}
	c.evictPieceLocked(p)
}

func (c *Cache) evictPieceLocked(p *PieceEntry) {
	c.dropCleanBlocksLocked(p)
	if p.refcount != 0 || p.numBlocks != 0 {
		return
	}

	var ghostState CacheState
	switch p.state {
	case StateReadLRU1:
		ghostState = StateReadLRU1Ghost
	case StateReadLRU2:
		ghostState = StateReadLRU2Ghost
	default:
		// Volatile-read or write-LRU pieces carry no ghost identity:
		// once empty and unreferenced they are simply gone.
		c.listRemove(p)
		c.freeEntry(p)
		return
	}
	p.numBlocks = 0
	c.moveTo(p, ghostState)
	c.enforceGhostCapacityLocked(ghostState)
}

// enforceGhostCapacityLocked implements spec §4.1's ghost-list size
// bound: overflow removes the oldest (head) ghost entry.
func (c *Cache) enforceGhostCapacityLocked(state CacheState) {
	capacity := c.settings.ghostCapacity()
	for c.lists[state].len > capacity {
		idx := c.lists[state].head
		p := c.pieces[idx]
		c.listRemove(p)
		c.freeEntry(p)
	}
}

// Trim proactively shrinks the clean pools below LowWatermark (Open
// Question (b): the original do_trim_cache was a no-op; this gives it
// the semantics the source comments imply it should have had).
func (c *Cache) Trim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.countBlocksIn(StateReadLRU1) + c.countBlocksIn(StateReadLRU2) + c.countBlocksIn(StateVolatileRead)
	if total <= c.settings.LowWatermark {
		return 0
	}
	return c.tryEvictBlocksLocked(total-c.settings.LowWatermark, Key{})
}
