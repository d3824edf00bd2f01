package cache

// This file implements the cache's public, job-facing operations from
// spec §4.1: TryRead, AddDirtyBlock, AllocatePending, MarkAsDone, plus
// the volatile-read release path from Open Question (c).

// allocBufferLocked allocates a block buffer, returning ErrOOM instead
// of panicking when the configured pool refuses (spec §4.1 "may return
// −2 (insufficient room)"); c.mu must be held.
func (c *Cache) allocBufferLocked() (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, ErrOOM
		}
	}()
	return c.settings.Pool.Alloc(), nil
}

// TryRead implements spec §4.1 `try_read`. On a block-aligned hit of
// exactly one block with forceCopy == false, it hands back a pinned
// BlockRef instead of copying; otherwise it copies into dest (which the
// caller must size to at least size bytes). volatileHit marks the read
// as one-shot (Open Question (c)): the underlying block is discarded as
// soon as every reference on it is released.
func (c *Cache) TryRead(key Key, offset, size int, forceCopy, volatileHit bool, dest []byte) (n int, ref *BlockRef, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.lookup(key)
	if !ok {
		c.stats.Misses++
		return 0, nil, ErrMiss
	}
	bs := c.settings.BlockSize

	if !forceCopy && offset%bs == 0 && size == bs {
		idx := offset / bs
		if idx < 0 || idx >= len(p.blocks) {
			return 0, nil, ErrMiss
		}
		b := &p.blocks[idx]
		if b.buf == nil || b.pending || b.uninitialized {
			c.stats.Misses++
			return 0, nil, ErrMiss
		}
		b.refcount++
		p.refcount++
		c.pinnedBlocks++
		if volatileHit {
			b.volatile = true
		}
		c.promote(p)
		c.stats.Hits++
		p.touch()
		return size, &BlockRef{c: c, key: key, index: idx, Data: b.buf}, nil
	}

	// Unaligned or multi-block: every touched block must be resident.
	startBlock := offset / bs
	endBlock := (offset + size + bs - 1) / bs
	if startBlock < 0 || endBlock > len(p.blocks) {
		return 0, nil, ErrMiss
	}
	for i := startBlock; i < endBlock; i++ {
		b := &p.blocks[i]
		if b.buf == nil || b.pending || b.uninitialized {
			c.stats.Misses++
			return 0, nil, ErrMiss
		}
	}
	if dest == nil {
		var allocErr error
		dest, allocErr = c.sizedBufferLocked(size)
		if allocErr != nil {
			return 0, nil, ErrOOM
		}
	}
	copied := 0
	for i := startBlock; i < endBlock; i++ {
		b := &p.blocks[i]
		blockStart := i * bs
		srcFrom := 0
		if offset > blockStart {
			srcFrom = offset - blockStart
		}
		srcTo := bs
		if end := offset + size; end < blockStart+bs {
			srcTo = end - blockStart
		}
		copied += copy(dest[copied:], b.buf[srcFrom:srcTo])
	}
	c.promote(p)
	c.stats.Hits++
	p.touch()
	return copied, nil, nil
}

func (c *Cache) sizedBufferLocked(size int) ([]byte, error) {
	if size == c.settings.BlockSize {
		return c.allocBufferLocked()
	}
	defer func() { recover() }()
	return make([]byte, size), nil
}

// releaseRef unpins a single block, implementing the volatile-read
// discard rule from Open Question (c): a volatile block with no
// remaining references is freed immediately rather than entering the
// normal ARC eviction path.
func (c *Cache) releaseRef(key Key, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.lookup(key)
	if !ok {
		return
	}
	b := &p.blocks[index]
	if b.refcount == 0 {
		return
	}
	b.refcount--
	p.refcount--
	c.pinnedBlocks--
	if b.volatile && b.refcount == 0 {
		c.settings.Pool.Free(b.buf)
		*b = Block{}
		if p.numBlocks > 0 {
			p.numBlocks--
		}
		if p.numBlocks == 0 && p.refcount == 0 {
			c.evictPieceLocked(p)
		}
	}
}

// AddDirtyBlock implements spec §4.1 `add_dirty_block`: takes ownership
// of buf, attaches it to the slot at offset, transitions the piece to
// write-LRU, and enqueues w on the piece's job list awaiting flush
// completion. If the slot is occupied but idle, the old buffer is
// freed; if the occupant is pinned or pending, w is deferred instead.
func (c *Cache) AddDirtyBlock(key Key, offset int, buf []byte, w Waiter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bs := c.settings.BlockSize
	if offset%bs != 0 {
		return ErrNoPiece
	}
	blockIdx := offset / bs

	p, ok := c.lookup(key)
	if !ok {
		p = c.allocEntry(key)
		p.state = StateWrite
		c.listPushTail(p)
	}
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return ErrNoPiece
	}

	b := &p.blocks[blockIdx]
	if b.buf != nil {
		if b.refcount == 0 && !b.pending {
			if b.dirty {
				p.numDirty--
			}
			c.settings.Pool.Free(b.buf)
			*b = Block{}
			p.numBlocks--
		} else {
			p.deferred = append(p.deferred, w)
			return nil
		}
	}

	b.buf = buf
	b.dirty = true
	p.numBlocks++
	p.numDirty++
	if p.state != StateWrite {
		c.moveTo(p, StateWrite)
	}
	p.jobs = append(p.jobs, w)
	p.touch()
	return nil
}

// AllocatePending implements spec §4.1 `allocate_pending`: marks
// [begin,end) as uninitialized placeholders and returns how many blocks
// the caller must actually read from storage. Returns ErrOOM when
// capacity can't be freed for the placeholders, so the caller should
// fall back to direct (uncached) I/O (spec "Fail-open behavior").
func (c *Cache) AllocatePending(key Key, begin, end int, w Waiter) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.lookup(key)
	if !ok {
		p = c.allocEntry(key)
		c.insertMiss(p)
	} else if p.isGhost() || (p.state != StateWrite && !p.outstandingRead) {
		c.promote(p)
	}

	if begin < 0 || end > len(p.blocks) || begin > end {
		return 0, ErrNoPiece
	}

	need := 0
	for i := begin; i < end; i++ {
		if p.blocks[i].buf == nil {
			need++
		}
	}
	if need == 0 {
		return 0, nil
	}
	used := 0
	for s := range c.lists {
		used += c.countBlocksIn(CacheState(s))
	}
	if over := used + need - c.settings.CacheSize; over > 0 {
		if shortfall := c.tryEvictBlocksLocked(over, key); shortfall > 0 {
			return 0, ErrOOM
		}
	}

	filled := 0
	for i := begin; i < end; i++ {
		b := &p.blocks[i]
		if b.buf == nil {
			buf, err := c.allocBufferLocked()
			if err != nil {
				return filled, ErrOOM
			}
			b.buf = buf
			b.uninitialized = true
			b.pending = true
			p.numBlocks++
			filled++
		}
	}
	p.outstandingRead = true
	p.jobs = append(p.jobs, w)
	p.touch()
	return filled, nil
}

// BlockBuffers returns the cache's own backing buffers for blocks
// [begin,end) of key, for a caller to read storage data directly into
// (or write storage data directly out of) instead of bouncing through a
// side buffer. Every block in the range must already be reserved — by a
// prior AllocatePending (read miss) or by TryFlushHashed (dirty flush) —
// so its buf is non-nil and stable for the duration of the in-flight
// I/O (the block is pending, so nothing else can free or reassign it).
func (c *Cache) BlockBuffers(key Key, begin, end int) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.lookup(key)
	if !ok {
		return nil, ErrNoPiece
	}
	if begin < 0 || end > len(p.blocks) || begin > end {
		return nil, ErrNoPiece
	}
	iov := make([][]byte, 0, end-begin)
	for i := begin; i < end; i++ {
		if p.blocks[i].buf == nil {
			return nil, ErrNoPiece
		}
		iov = append(iov, p.blocks[i].buf)
	}
	return iov, nil
}

// MarkAsDone implements spec §4.1 `mark_as_done`: called once I/O for
// [begin,end) completes. On error, the affected blocks are cleared
// (spec §7 "I/O error" prevents infinite retry on dirty blocks); on
// success, previously-dirty blocks become written and, once a piece's
// last dirty block clears, the piece re-enters the ARC machine at the
// MRU tail (spec "pulled into this machine"). Returns the waiters ready
// to be told the I/O outcome, and the waiters that were deferred on a
// busy slot and can now be retried.
func (c *Cache) MarkAsDone(key Key, begin, end int, ioErr error) (completed, retry []Waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.lookup(key)
	if !ok {
		return nil, nil
	}

	if ioErr != nil {
		for i := begin; i < end && i < len(p.blocks); i++ {
			b := &p.blocks[i]
			wasDirty := b.dirty
			if b.buf != nil {
				c.settings.Pool.Free(b.buf)
			}
			*b = Block{}
			if wasDirty && p.numDirty > 0 {
				p.numDirty--
			}
			if p.numBlocks > 0 {
				p.numBlocks--
			}
		}
		p.outstandingRead = false
		p.outstandingFlush = false
		completed = p.jobs
		p.jobs = nil
		retry = p.deferred
		p.deferred = nil
		return completed, retry
	}

	wasWrite := p.state == StateWrite
	for i := begin; i < end && i < len(p.blocks); i++ {
		b := &p.blocks[i]
		b.pending = false
		if b.uninitialized {
			b.uninitialized = false
			c.stats.BlocksRead++
		}
		if b.dirty {
			b.dirty = false
			b.written = true
			p.numDirty--
			c.stats.BlocksWritten++
		}
	}
	p.outstandingRead = false
	p.outstandingFlush = false

	if wasWrite && p.numDirty == 0 {
		c.moveTo(p, StateReadLRU1)
	}

	completed = p.jobs
	p.jobs = nil
	retry = p.deferred
	p.deferred = nil
	p.touch()
	return completed, retry
}
