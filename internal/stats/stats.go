// Package stats exports the CORE's counters (spec §6 "Cached
// statistics") both as a plain snapshot struct and as Prometheus
// metrics, grounded on runZeroInc-sockstats/pkg/exporter/exporter.go's
// pattern of wrapping a stats struct in a prometheus.Collector.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot mirrors cache.Stats plus the disk/uTP counters spec §6 calls
// out: blocks read/written/hashed, cache hits, ARC list sizes, pinned
// blocks, outstanding fences by kind, uTP packet counts, RTT/queueing
// histograms (exposed here as simple gauges; a full histogram exporter
// is a CLI/bindings concern out of spec.md §1's scope).
type Snapshot struct {
	BlocksRead     uint64
	BlocksWritten  uint64
	BlocksHashed   uint64
	CacheHits      uint64
	CacheMisses    uint64
	PinnedBlocks   int
	ARCListSizes   [6]int
	FencesByKind   map[string]int
	UTPPacketsSent uint64
	UTPPacketsRecv uint64
	UTPRTTMeanUs   int64
}

// Collector is a prometheus.Collector that reads a Snapshot on demand
// via the supplied func, the way exporter.go wraps tcpinfo.Info reads.
type Collector struct {
	snapshot func() Snapshot

	blocksRead    *prometheus.Desc
	blocksWritten *prometheus.Desc
	blocksHashed  *prometheus.Desc
	cacheHits     *prometheus.Desc
	cacheMisses   *prometheus.Desc
	pinnedBlocks  *prometheus.Desc
	arcListSize   *prometheus.Desc
	utpSent       *prometheus.Desc
	utpRecv       *prometheus.Desc
	utpRTT        *prometheus.Desc
}

// NewCollector builds a Collector that calls snapshot() on every scrape.
func NewCollector(snapshot func() Snapshot) *Collector {
	const ns = "torrent_core"
	return &Collector{
		snapshot:      snapshot,
		blocksRead:    prometheus.NewDesc(ns+"_blocks_read_total", "Blocks read from storage.", nil, nil),
		blocksWritten: prometheus.NewDesc(ns+"_blocks_written_total", "Blocks written to storage.", nil, nil),
		blocksHashed:  prometheus.NewDesc(ns+"_blocks_hashed_total", "Blocks fed to the piece hasher.", nil, nil),
		cacheHits:     prometheus.NewDesc(ns+"_cache_hits_total", "Cache hits.", nil, nil),
		cacheMisses:   prometheus.NewDesc(ns+"_cache_misses_total", "Cache misses.", nil, nil),
		pinnedBlocks:  prometheus.NewDesc(ns+"_pinned_blocks", "Blocks currently pinned by a reference.", nil, nil),
		arcListSize:   prometheus.NewDesc(ns+"_arc_list_size", "ARC list size by list name.", []string{"list"}, nil),
		utpSent:       prometheus.NewDesc(ns+"_utp_packets_sent_total", "uTP packets transmitted.", nil, nil),
		utpRecv:       prometheus.NewDesc(ns+"_utp_packets_received_total", "uTP packets received.", nil, nil),
		utpRTT:        prometheus.NewDesc(ns+"_utp_rtt_mean_microseconds", "Mean uTP round-trip estimate.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.blocksRead
	ch <- c.blocksWritten
	ch <- c.blocksHashed
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.pinnedBlocks
	ch <- c.arcListSize
	ch <- c.utpSent
	ch <- c.utpRecv
	ch <- c.utpRTT
}

var arcListNames = [6]string{
	"write-lru", "volatile-read-lru", "read-lru-1", "read-lru-1-ghost", "read-lru-2", "read-lru-2-ghost",
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.blocksRead, prometheus.CounterValue, float64(s.BlocksRead))
	ch <- prometheus.MustNewConstMetric(c.blocksWritten, prometheus.CounterValue, float64(s.BlocksWritten))
	ch <- prometheus.MustNewConstMetric(c.blocksHashed, prometheus.CounterValue, float64(s.BlocksHashed))
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.CacheMisses))
	ch <- prometheus.MustNewConstMetric(c.pinnedBlocks, prometheus.GaugeValue, float64(s.PinnedBlocks))
	for i, n := range s.ARCListSizes {
		ch <- prometheus.MustNewConstMetric(c.arcListSize, prometheus.GaugeValue, float64(n), arcListNames[i])
	}
	ch <- prometheus.MustNewConstMetric(c.utpSent, prometheus.CounterValue, float64(s.UTPPacketsSent))
	ch <- prometheus.MustNewConstMetric(c.utpRecv, prometheus.CounterValue, float64(s.UTPPacketsRecv))
	ch <- prometheus.MustNewConstMetric(c.utpRTT, prometheus.GaugeValue, float64(s.UTPRTTMeanUs))
}
