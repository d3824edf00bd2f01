package stats

import "github.com/arvidn/libtorrent-sub004/pkg/cache"

// FromCacheStats bridges a cache.Stats snapshot into the Snapshot shape
// Collector scrapes, the seam spec §6's statistics surface is actually
// reached through. uTP packet/RTT counters and per-kind fence counts
// aren't tracked by the cache and are left at their zero value here;
// a caller that also wants those merges them in afterward.
func FromCacheStats(s cache.Stats) Snapshot {
	return Snapshot{
		BlocksRead:    s.BlocksRead,
		BlocksWritten: s.BlocksWritten,
		BlocksHashed:  s.BlocksHashed,
		CacheHits:     s.Hits,
		CacheMisses:   s.Misses,
		PinnedBlocks:  s.PinnedBlocks,
		ARCListSizes:  s.ListSizes,
	}
}

// NewCacheCollector builds a Collector that scrapes c on every Collect
// call, the normal way a Pool's owner exposes spec §6's statistics.
func NewCacheCollector(c *cache.Cache) *Collector {
	return NewCollector(func() Snapshot { return FromCacheStats(c.Stats()) })
}
