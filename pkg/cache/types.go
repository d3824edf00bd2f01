// Package cache implements the ARC-style block cache described in
// spec.md §3/§4.1: a page cache over torrent pieces split into dirty
// (write) and clean (read) pools, with per-block reference counting and
// incremental piece hashing.
//
// The cache is a passive data structure: it never performs I/O itself.
// The disk thread pool (pkg/diskio) drives it — asking which blocks need
// reading, handing back buffers once storage I/O completes, and asking
// which dirty ranges are ready to flush. This mirrors the teacher's
// split between fuse.Server (dispatch/IO) and fuse.BufferPoolImpl (pure
// bookkeeping): the cache here plays BufferPoolImpl's role, scaled up to
// whole pieces.
package cache

import (
	"errors"

	"github.com/rs/xid"

	"github.com/arvidn/libtorrent-sub004/pkg/buffer"
)

// StorageID identifies a torrent's storage within the cache. Generated
// with xid the way runZeroInc-sockstats/sockstats.go tags live
// connections, so cache keys stay comparable and sortable without a
// central counter.
type StorageID = xid.ID

// NewStorageID returns a fresh, process-unique storage identifier.
func NewStorageID() StorageID { return xid.New() }

// Key identifies one cached piece.
type Key struct {
	Storage StorageID
	Piece   int
}

// Sentinel errors standing in for spec §4.1's -1 (miss) / -2 (OOM) return
// codes; Go surfaces these as errors rather than magic integers.
var (
	ErrMiss    = errors.New("cache: miss")
	ErrOOM     = errors.New("cache: out of memory")
	ErrNoPiece = errors.New("cache: no such piece")
)

// CacheState is the list a piece entry currently lives in (spec §3).
type CacheState int

const (
	StateWrite CacheState = iota
	StateVolatileRead
	StateReadLRU1      // MRU
	StateReadLRU1Ghost // MRU-ghost
	StateReadLRU2      // MFU
	StateReadLRU2Ghost // MFU-ghost
)

func (s CacheState) String() string {
	switch s {
	case StateWrite:
		return "write-lru"
	case StateVolatileRead:
		return "volatile-read-lru"
	case StateReadLRU1:
		return "read-lru-1"
	case StateReadLRU1Ghost:
		return "read-lru-1-ghost"
	case StateReadLRU2:
		return "read-lru-2"
	case StateReadLRU2Ghost:
		return "read-lru-2-ghost"
	default:
		return "unknown"
	}
}

// Block is one 16 KiB slot within a piece entry (spec §3 "Cached
// block"). buf is nil for an empty slot.
type Block struct {
	buf           []byte
	dirty         bool // not yet written back
	pending       bool // I/O outstanding on this block
	written       bool // previously dirty, now clean
	uninitialized bool // placeholder allocated for an in-flight read
	volatile      bool // one-shot: discard as soon as refcount drops to 0
	refcount      uint16
}

// Hasher abstracts the piece digest algorithm (spec §9 "hash
// pluggability": SHA-1 for the v1 wire protocol, truncated SHA-256 for
// v2). A Hasher is stateless; State returns a fresh incremental context.
type Hasher interface {
	State() HashState
	Name() string
}

// HashState is an incremental digest context advanced one block at a
// time by KickHasher.
type HashState interface {
	Write(p []byte)
	Sum() []byte
}

// PartialHash tracks a piece's incremental digest progress (spec §3
// "Partial hash"): state plus the byte offset of the first unhashed
// byte. Advanced only in whole-block increments until the final,
// possibly-short, block.
type PartialHash struct {
	state  HashState
	Offset int64
}

// Waiter is implemented by whatever the disk thread pool queues on a
// piece entry (a disk job, in pkg/diskio). Kept as a narrow interface
// here so the cache package never imports the job package: pkg/diskio
// imports pkg/cache, so the reverse import would be a cycle.
type Waiter interface {
	// Complete is invoked once, from inside the cache's completion
	// draining step (never while the cache mutex is held — see design
	// note on the teacher's recursive-mutex workaround), with err nil
	// on success.
	Complete(err error)
}

// BlockRef is a pinned reference to a single block's buffer, handed out
// by TryRead on a block-aligned single-block hit (spec §4.1). The buffer
// is valid until Release is called exactly once.
type BlockRef struct {
	c     *Cache
	key   Key
	index int // block index within the piece
	Data  []byte
}

// Release unpins the referenced block. Must be called exactly once.
func (r *BlockRef) Release() {
	r.c.releaseRef(r.key, r.index)
}

// Settings configures a Cache instance.
type Settings struct {
	BlockSize      int // bytes per block, spec default 16 KiB
	BlocksPerPiece int // blocks_in_piece
	CacheSize      int // high-water mark, in blocks
	LowWatermark   int // Trim() target, in blocks (Open Question b)
	ReadLineSize   int // used to size the ghost lists
	MinGhostSize   int // floor for ghost list size, spec default 8
	CacheExpiry    int // seconds; expired-write flush threshold, default 300
	Hasher         Hasher
	Pool           buffer.Pool
}

func (s *Settings) setDefaults() {
	if s.BlockSize == 0 {
		s.BlockSize = buffer.BlockSize
	}
	if s.BlocksPerPiece == 0 {
		s.BlocksPerPiece = 16 // 256 KiB pieces of 16 KiB blocks
	}
	if s.CacheSize == 0 {
		s.CacheSize = 1024
	}
	if s.LowWatermark == 0 {
		s.LowWatermark = s.CacheSize * 9 / 10
	}
	if s.ReadLineSize == 0 {
		s.ReadLineSize = 4
	}
	if s.MinGhostSize == 0 {
		s.MinGhostSize = 8
	}
	if s.CacheExpiry == 0 {
		s.CacheExpiry = 300
	}
	if s.Hasher == nil {
		s.Hasher = SHA1Hasher{}
	}
	if s.Pool == nil {
		s.Pool = buffer.NewFreeList()
	}
}

// ghostCapacity implements spec §4.1's ARC ghost-list sizing rule:
// max(min_ghost_size, cache_size / (max(read_line_size,4) * 2)).
func (s *Settings) ghostCapacity() int {
	line := s.ReadLineSize
	if line < 4 {
		line = 4
	}
	cap := s.CacheSize / (line * 2)
	if cap < s.MinGhostSize {
		cap = s.MinGhostSize
	}
	return cap
}
