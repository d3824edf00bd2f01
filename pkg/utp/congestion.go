package utp

import "time"

// Congestion control constants (spec §4.4 "Congestion control (LEDBAT-like)").
const (
	defaultTargetDelayUs = 100_000 // 100ms
	ledbatGainFactor     = 1.0
	cwndReduceTimer      = 100 * time.Millisecond
	dupAckLimit          = 3
	baseDelayWindow      = time.Minute
	delayHistoryLen      = 60 // "60-sample minimum over ~1-minute sliding windows"
)

// delaySample is one (timestamp, value) pair in a sliding delay history.
type delaySample struct {
	at    time.Time
	value int64 // microseconds
}

// delayHistory maintains a rolling minimum over the last minute of
// samples, used as the clock-skew-correcting base delay (spec §4.4:
// "adjusted by a minimum over a 1-minute sliding base to subtract clock
// skew").
type delayHistory struct {
	samples []delaySample
}

func (h *delayHistory) add(now time.Time, v int64) {
	h.samples = append(h.samples, delaySample{at: now, value: v})
	cutoff := now.Add(-baseDelayWindow)
	i := 0
	for i < len(h.samples) && h.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.samples = h.samples[i:]
	}
	if len(h.samples) > delayHistoryLen*4 {
		// Bound memory; the minimum over a superset is still correct.
		h.samples = h.samples[len(h.samples)-delayHistoryLen*4:]
	}
}

func (h *delayHistory) min() int64 {
	if len(h.samples) == 0 {
		return 0
	}
	m := h.samples[0].value
	for _, s := range h.samples[1:] {
		if s.value < m {
			m = s.value
		}
	}
	return m
}

// congestionState is the LEDBAT-like controller embedded in Socket.
type congestionState struct {
	targetDelayUs int64

	ownDelay  delayHistory
	peerDelay delayHistory

	recentAdjusted []int64 // last 3 adjusted samples, for the minimum-of-last-three rule

	cwnd     int64 // bytes, fixed-point-free: plain byte count
	ssthresh int64
	slowStart bool

	lastLossAt time.Time
	lossSeq    uint16

	bytesInFlight int64
}

func newCongestionState(initialCwnd int64) congestionState {
	return congestionState{
		targetDelayUs: defaultTargetDelayUs,
		cwnd:          initialCwnd,
		ssthresh:      1 << 30,
		slowStart:     true,
	}
}

// onDelaySample folds a fresh one-way-delay measurement into the
// adjusted-delay history and returns the delay value to use for this
// round's cwnd update (spec: "last three adjusted samples' minimum").
func (c *congestionState) onDelaySample(now time.Time, oneWayUs int64) int64 {
	c.ownDelay.add(now, oneWayUs)
	base := c.ownDelay.min()
	adjusted := oneWayUs - base
	if adjusted < 0 {
		adjusted = 0
	}
	c.recentAdjusted = append(c.recentAdjusted, adjusted)
	if len(c.recentAdjusted) > 3 {
		c.recentAdjusted = c.recentAdjusted[len(c.recentAdjusted)-3:]
	}
	m := c.recentAdjusted[0]
	for _, v := range c.recentAdjusted[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// onAck updates cwnd per spec's LEDBAT formula, given the delay computed
// by onDelaySample and the number of bytes just acknowledged.
//
// cwndLimited reports whether bytesInFlight was actually limited by cwnd
// at send time; growth is suppressed otherwise (spec: "If bytes_in_flight
// is not cwnd-limited on the ACK, cwnd is not grown").
func (c *congestionState) onAck(delayUs int64, ackedBytes int64, cwndLimited bool) {
	if c.cwnd <= 0 {
		c.cwnd = 1
	}
	offTarget := float64(c.targetDelayUs - delayUs)
	windowFactor := float64(ackedBytes) / float64(c.cwnd)
	linearGain := windowFactor * (offTarget / float64(c.targetDelayUs)) * ledbatGainFactor

	if c.slowStart && cwndLimited {
		if delayUs >= c.targetDelayUs {
			c.slowStart = false
		} else {
			c.cwnd += ackedBytes
			if c.cwnd >= c.ssthresh {
				c.slowStart = false
			}
			return
		}
	}

	if !cwndLimited {
		return
	}
	newCwnd := float64(c.cwnd) + linearGain*float64(c.cwnd)
	if newCwnd < 1 {
		newCwnd = 1
	}
	c.cwnd = int64(newCwnd)
}

// onLoss implements spec's multiplicative-decrease rule: cwnd halves at
// most once per cwndReduceTimer, and only for a loss whose triggering
// sequence number is newer than the last one already accounted for.
func (c *congestionState) onLoss(now time.Time, seq uint16, less16 func(a, b uint16) bool) {
	if !less16(c.lossSeq, seq) {
		return
	}
	if !c.lastLossAt.IsZero() && now.Sub(c.lastLossAt) < cwndReduceTimer {
		return
	}
	c.lossSeq = seq
	c.lastLossAt = now
	c.ssthresh = c.cwnd / 2
	c.cwnd = c.cwnd / 2
	if c.cwnd < 1 {
		c.cwnd = 1
	}
	c.slowStart = false
}
