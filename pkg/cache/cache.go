package cache

import (
	"sync"
)

// Stats is a point-in-time snapshot of the counters spec §6 calls for
// ("cached statistics"): blocks read/written/hashed, cache hits, blocks
// in each pool, ARC list sizes, pinned-block count.
type Stats struct {
	BlocksRead    uint64
	BlocksWritten uint64
	BlocksHashed  uint64
	Hits          uint64
	Misses        uint64
	PinnedBlocks  int
	WriteBlocks   int
	ReadBlocks    int
	ListSizes     [6]int
}

// Cache is the ARC-style block cache (spec §3/§4.1).
type Cache struct {
	mu sync.Mutex

	settings Settings

	pieces   []*PieceEntry // arena; index == PieceEntry.index
	freeIdx  []int
	byKey    map[Key]int

	lists [6]list // one per CacheState

	// ghostHint is spec §4.1's "last_cache_op": set when the most
	// recent cache hit originated on a ghost list, recording *which*
	// ghost side, so the next eviction shrinks the opposite side.
	ghostHint     CacheState // StateReadLRU1Ghost, StateReadLRU2Ghost, or -1
	pinnedBlocks  int
	stats         Stats
}

// list is a doubly-linked list of arena indices plus its length.
type list struct {
	head, tail int
	len        int
}

func newList() list { return list{head: nilIndex, tail: nilIndex} }

// New builds a Cache with the given settings (zero-value fields take
// spec defaults, mirroring the teacher's inline-defaulting-struct
// pattern in fuse.NewServer).
func New(settings Settings) *Cache {
	settings.setDefaults()
	c := &Cache{
		settings:  settings,
		byKey:     make(map[Key]int),
		ghostHint: -1,
	}
	for i := range c.lists {
		c.lists[i] = newList()
	}
	return c
}

// --- arena + list primitives -----------------------------------------

func (c *Cache) allocEntry(key Key) *PieceEntry {
	var idx int
	if n := len(c.freeIdx); n > 0 {
		idx = c.freeIdx[n-1]
		c.freeIdx = c.freeIdx[:n-1]
	} else {
		idx = len(c.pieces)
		c.pieces = append(c.pieces, nil)
	}
	p := newPieceEntry(idx, key, c.settings.BlocksPerPiece)
	c.pieces[idx] = p
	c.byKey[key] = idx
	return p
}

func (c *Cache) freeEntry(p *PieceEntry) {
	delete(c.byKey, p.key)
	c.pieces[p.index] = nil
	c.freeIdx = append(c.freeIdx, p.index)
}

func (c *Cache) lookup(key Key) (*PieceEntry, bool) {
	idx, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	return c.pieces[idx], true
}

// listRemove unlinks p from whatever list it is currently threaded
// into. Caller must hold c.mu.
func (c *Cache) listRemove(p *PieceEntry) {
	l := &c.lists[p.state]
	if p.prev != nilIndex {
		c.pieces[p.prev].next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nilIndex {
		c.pieces[p.next].prev = p.prev
	} else {
		l.tail = p.prev
	}
	p.prev, p.next = nilIndex, nilIndex
	l.len--
}

// listPushTail threads p onto the tail (most-recently-used end) of its
// p.state list. Caller must hold c.mu and must not have p already linked.
func (c *Cache) listPushTail(p *PieceEntry) {
	l := &c.lists[p.state]
	p.prev = l.tail
	p.next = nilIndex
	if l.tail != nilIndex {
		c.pieces[l.tail].next = p.index
	} else {
		l.head = p.index
	}
	l.tail = p.index
	l.len++
}

// moveTo removes p from its current list and re-inserts it at the tail
// of newState's list, updating p.state.
func (c *Cache) moveTo(p *PieceEntry, newState CacheState) {
	c.listRemove(p)
	p.state = newState
	c.listPushTail(p)
}

func (c *Cache) listLen(s CacheState) int { return c.lists[s].len }

// BlockSize returns the configured block size in bytes.
func (c *Cache) BlockSize() int { return c.settings.BlockSize }

// BlocksPerPiece returns the configured number of blocks per piece.
func (c *Cache) BlocksPerPiece() int { return c.settings.BlocksPerPiece }

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.PinnedBlocks = c.pinnedBlocks
	s.WriteBlocks = c.countBlocksIn(StateWrite)
	for _, st := range []CacheState{StateVolatileRead, StateReadLRU1, StateReadLRU2} {
		s.ReadBlocks += c.countBlocksIn(st)
	}
	for i := 0; i < 6; i++ {
		s.ListSizes[i] = c.lists[i].len
	}
	return s
}

func (c *Cache) countBlocksIn(state CacheState) int {
	n := 0
	for i := c.lists[state].head; i != nilIndex; i = c.pieces[i].next {
		n += c.pieces[i].numBlocks
	}
	return n
}

// Clear drops every piece and frees every block buffer, used by the
// disk pool's last-exiting-worker shutdown sequence (spec §4.2). It
// does not fail any pending waiters; callers are expected to have
// already drained or cancelled everything that might still reference a
// block.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pieces {
		if p == nil {
			continue
		}
		for i := range p.blocks {
			b := &p.blocks[i]
			if b.buf != nil {
				c.settings.Pool.Free(b.buf)
			}
		}
	}
	c.pieces = nil
	c.freeIdx = nil
	c.byKey = make(map[Key]int)
	for i := range c.lists {
		c.lists[i] = newList()
	}
	c.pinnedBlocks = 0
}
