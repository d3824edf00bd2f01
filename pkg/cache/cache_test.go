package cache

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

type fakeWaiter struct {
	done chan error
}

func newFakeWaiter() *fakeWaiter { return &fakeWaiter{done: make(chan error, 1)} }
func (w *fakeWaiter) Complete(err error) { w.done <- err }

func newTestCache(t *testing.T, blocksPerPiece int) *Cache {
	t.Helper()
	return New(Settings{
		BlocksPerPiece: blocksPerPiece,
		CacheSize:      4096,
		ReadLineSize:   4,
		MinGhostSize:   8,
	})
}

// Scenario 1 (spec §8): cache hit path.
func TestTryReadHitPinsBlock(t *testing.T) {
	c := newTestCache(t, 4)
	key := Key{Storage: NewStorageID(), Piece: 5}
	buf := make([]byte, c.settings.BlockSize)

	w := newFakeWaiter()
	if err := c.AddDirtyBlock(key, 0, buf, w); err != nil {
		t.Fatalf("AddDirtyBlock: %v", err)
	}

	n, ref, err := c.TryRead(key, 0, c.settings.BlockSize, false, false, nil)
	if err != nil {
		t.Fatalf("TryRead: %v", err)
	}
	if n != c.settings.BlockSize {
		t.Fatalf("n = %d, want %d", n, c.settings.BlockSize)
	}
	if ref == nil {
		t.Fatalf("expected a pinned BlockRef on an aligned single-block hit")
	}
	if got := c.Stats().PinnedBlocks; got != 1 {
		t.Fatalf("PinnedBlocks = %d, want 1", got)
	}
	ref.Release()
	if got := c.Stats().PinnedBlocks; got != 0 {
		t.Fatalf("PinnedBlocks after release = %d, want 0", got)
	}
}

// Scenario 2 (spec §8): ARC promotion.
func TestARCPromotionToMFU(t *testing.T) {
	c := newTestCache(t, 1)
	storage := NewStorageID()

	keys := make([]Key, 100)
	for i := 0; i < 100; i++ {
		keys[i] = Key{Storage: storage, Piece: i}
		w := newFakeWaiter()
		if _, err := c.AllocatePending(keys[i], 0, 1, w); err != nil {
			t.Fatalf("AllocatePending(%d): %v", i, err)
		}
		c.MarkAsDone(keys[i], 0, 1, nil)
	}

	for i := 0; i < 100; i++ {
		idx := c.byKey[keys[i]]
		p := c.pieces[idx]
		if i == 50 {
			continue
		}
		if p.state != StateReadLRU1 {
			t.Fatalf("piece %d state = %v, want StateReadLRU1", i, p.state)
		}
	}

	if _, _, err := c.TryRead(keys[50], 0, c.settings.BlockSize, false, false, nil); err != nil {
		t.Fatalf("TryRead(50): %v", err)
	}
	idx50 := c.byKey[keys[50]]
	p50 := c.pieces[idx50]
	if p50.state != StateReadLRU2 {
		t.Fatalf("piece 50 state = %v, want StateReadLRU2 after promotion", p50.state)
	}
	if c.lists[StateReadLRU2].tail != idx50 {
		t.Fatalf("piece 50 not at MFU tail after first promotion")
	}

	// Re-read: must stay at the MFU tail (spec §8 scenario 2).
	if _, _, err := c.TryRead(keys[50], 0, c.settings.BlockSize, false, false, nil); err != nil {
		t.Fatalf("TryRead(50) second time: %v", err)
	}
	if p50.state != StateReadLRU2 || c.lists[StateReadLRU2].tail != idx50 {
		t.Fatalf("piece 50 expected to remain at MFU tail on repeat hit")
	}
}

func TestGhostListBounded(t *testing.T) {
	c := newTestCache(t, 1)
	c.settings.MinGhostSize = 2
	storage := NewStorageID()

	for i := 0; i < 10; i++ {
		key := Key{Storage: storage, Piece: i}
		w := newFakeWaiter()
		c.AllocatePending(key, 0, 1, w)
		c.MarkAsDone(key, 0, 1, nil)
		c.EvictPiece(key) // clean, refcount 0 -> becomes a ghost
	}
	if got := c.listLen(StateReadLRU1Ghost); got > c.settings.ghostCapacity() {
		t.Fatalf("ghost list len = %d, want <= %d", got, c.settings.ghostCapacity())
	}
}

func TestHashingAdvancesToCompletion(t *testing.T) {
	c := newTestCache(t, 2)
	key := Key{Storage: NewStorageID(), Piece: 0}

	for i := 0; i < 2; i++ {
		buf := make([]byte, c.settings.BlockSize)
		buf[0] = byte(i + 1)
		w := newFakeWaiter()
		c.AddDirtyBlock(key, i*c.settings.BlockSize, buf, w)
		c.MarkAsDone(key, i, i+1, nil)
	}

	w := newFakeWaiter()
	immediate, _, retry, err := c.RequestHash(key, w)
	if err != nil {
		t.Fatalf("RequestHash: %v", err)
	}
	if immediate || retry {
		t.Fatalf("expected hash to compute asynchronously on first request")
	}
	if err := <-w.done; err != nil {
		t.Fatalf("hash waiter error: %v", err)
	}

	digest, ok := c.Digest(key)
	if !ok || len(digest) != 20 {
		t.Fatalf("Digest() = %x, %v; want 20-byte digest", digest, ok)
	}

	// Finalizes immediately the second time around (spec §4.3).
	immediate2, digest2, _, err := c.RequestHash(key, newFakeWaiter())
	if err != nil || !immediate2 {
		t.Fatalf("second RequestHash: immediate=%v err=%v", immediate2, err)
	}
	if pretty.Sprint(digest) != pretty.Sprint(digest2) {
		t.Fatalf("digest mismatch: %x vs %x", digest, digest2)
	}
}
