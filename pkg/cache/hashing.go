package cache

// This file implements spec §4.3 (hashing and piece lifecycle) and the
// write-LRU flushing parts of spec §4.1 that depend on the hash cursor.

// RequestHash attaches w to the piece's hash-completion waiters and
// kicks the hasher. immediate reports that the digest was already
// available (spec: "a hash job on an already-complete hash finalizes
// immediately"); retry reports that another hash computation is
// already in flight and the caller's disk job should be treated as
// retry_job (spec §4.3).
func (c *Cache) RequestHash(key Key, w Waiter) (immediate bool, digest []byte, retry bool, err error) {
	c.mu.Lock()
	p, ok := c.lookup(key)
	if !ok {
		c.mu.Unlock()
		return false, nil, false, ErrNoPiece
	}
	if p.hashingDone {
		d := p.partial.state.Sum()
		c.mu.Unlock()
		return true, d, false, nil
	}
	if p.hashing {
		c.mu.Unlock()
		return false, nil, true, nil
	}
	p.hashWaiters = append(p.hashWaiters, w)
	c.mu.Unlock()

	c.KickHasher(key)
	return false, nil, false, nil
}

// Digest returns the final digest for a piece whose hash has completed.
func (c *Cache) Digest(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.lookup(key)
	if !ok || !p.hashingDone {
		return nil, false
	}
	return p.partial.state.Sum(), true
}

// KickHasher implements spec §4.3 `kick_hasher`: while successive
// blocks starting at the hash cursor are present and lockable, it pins
// them, releases the cache mutex, hashes them incrementally, and
// advances the cursor. If the cursor reaches the piece end, every
// waiter queued on the piece's hash is released.
func (c *Cache) KickHasher(key Key) {
	c.mu.Lock()
	p, ok := c.lookup(key)
	if !ok || p.hashing || p.hashingDone {
		c.mu.Unlock()
		return
	}
	if p.partial == nil {
		p.partial = &PartialHash{state: c.settings.Hasher.State()}
	}
	p.hashing = true

	bs := int64(c.settings.BlockSize)
	startIdx := int(p.partial.Offset / bs)
	idx := startIdx
	var toHash [][]byte
	for idx < len(p.blocks) {
		b := &p.blocks[idx]
		if b.buf == nil || b.pending || b.uninitialized {
			break
		}
		b.refcount++
		p.refcount++
		c.pinnedBlocks++
		toHash = append(toHash, b.buf)
		idx++
	}
	c.mu.Unlock()

	for _, buf := range toHash {
		p.partial.state.Write(buf)
	}

	c.mu.Lock()
	for i := startIdx; i < startIdx+len(toHash); i++ {
		b := &p.blocks[i]
		b.refcount--
		p.refcount--
		c.pinnedBlocks--
	}
	p.partial.Offset += int64(len(toHash)) * bs
	c.stats.BlocksHashed += uint64(len(toHash))

	done := int(p.partial.Offset/bs) >= len(p.blocks)
	p.hashing = false

	var waiters []Waiter
	if done {
		p.hashingDone = true
		waiters = p.hashWaiters
		p.hashWaiters = nil
	}
	c.mu.Unlock()

	for _, w := range waiters {
		w.Complete(nil)
	}
}

// TryFlushHashed implements spec §4.1 `try_flush_hashed`: it identifies
// the dirty prefix of a piece up to (but not past) the hash cursor and
// reserves it for flushing, provided at least contBlock contiguous
// flushable blocks exist, or the piece is fully dirty and fully hashed,
// or a read-back is already required. Returns the half-open block range
// to flush plus the reserved blocks' own backing buffers, so the caller
// writes the piece's actual dirty data to storage instead of bouncing
// it through a side copy. Concurrent flush attempts on the same piece
// are prevented by outstandingFlush (standing in for the original's
// piece_refcount guard).
func (c *Cache) TryFlushHashed(key Key, contBlock int) (begin, end int, iov [][]byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, found := c.lookup(key)
	if !found || p.outstandingFlush {
		return 0, 0, nil, false
	}

	cursorBlock := len(p.blocks)
	if p.partial != nil {
		cursorBlock = int(p.partial.Offset / int64(c.settings.BlockSize))
	}
	if cursorBlock > len(p.blocks) {
		cursorBlock = len(p.blocks)
	}

	n := 0
	for n < cursorBlock {
		b := &p.blocks[n]
		if !b.dirty || b.pending {
			break
		}
		n++
	}

	allDirtyAndHashed := p.numDirty == len(p.blocks) && p.hashingDone
	if n < contBlock && !allDirtyAndHashed && !p.needReadback {
		return 0, 0, nil, false
	}
	if n == 0 {
		return 0, 0, nil, false
	}

	p.outstandingFlush = true
	buffers := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		p.blocks[i].pending = true
		buffers = append(buffers, p.blocks[i].buf)
	}
	return 0, n, buffers, true
}
