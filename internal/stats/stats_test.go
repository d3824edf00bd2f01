package stats

import (
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arvidn/libtorrent-sub004/pkg/cache"
)

func TestFromCacheStats(t *testing.T) {
	s := cache.Stats{
		BlocksRead:    3,
		BlocksWritten: 2,
		BlocksHashed:  5,
		Hits:          7,
		Misses:        1,
		PinnedBlocks:  4,
		ListSizes:     [6]int{1, 2, 3, 4, 5, 6},
	}
	got := FromCacheStats(s)
	want := Snapshot{
		BlocksRead:    3,
		BlocksWritten: 2,
		BlocksHashed:  5,
		CacheHits:     7,
		CacheMisses:   1,
		PinnedBlocks:  4,
		ARCListSizes:  [6]int{1, 2, 3, 4, 5, 6},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FromCacheStats = %+v, want %+v", got, want)
	}
}

type completeWaiter struct{}

func (completeWaiter) Complete(error) {}

// TestCollectorCollect exercises the scrape path a Prometheus registry
// would drive: NewCacheCollector wraps a live cache, and a Gather must
// surface the counters the cache actually accumulated.
func TestCollectorCollect(t *testing.T) {
	c := cache.New(cache.Settings{BlocksPerPiece: 4, CacheSize: 4096, ReadLineSize: 4, MinGhostSize: 8})
	key := cache.Key{Storage: cache.NewStorageID(), Piece: 0}
	buf := make([]byte, c.BlockSize())
	if err := c.AddDirtyBlock(key, 0, buf, completeWaiter{}); err != nil {
		t.Fatalf("AddDirtyBlock: %v", err)
	}
	if _, _, err := c.TryRead(key, 0, c.BlockSize(), false, false, nil); err != nil {
		t.Fatalf("TryRead: %v", err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCacheCollector(c)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.Metric {
			switch {
			case m.Counter != nil:
				values[f.GetName()] = m.Counter.GetValue()
			case m.Gauge != nil:
				values[f.GetName()] = m.Gauge.GetValue()
			}
		}
	}

	if got := values["torrent_core_cache_hits_total"]; got != 1 {
		t.Fatalf("cache_hits_total = %v, want 1", got)
	}
	if got := values["torrent_core_pinned_blocks"]; got != 1 {
		t.Fatalf("pinned_blocks = %v, want 1", got)
	}
	if got := values["torrent_core_blocks_written_total"]; got != 0 {
		t.Fatalf("blocks_written_total = %v, want 0 (flush hasn't run)", got)
	}
}
