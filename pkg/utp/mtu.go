package utp

// mtuState implements spec §4.4 Path-MTU discovery: floor/ceiling
// converge on the path MTU by probing at the midpoint with the
// don't-fragment bit set, raising the floor on a successful probe ack
// and lowering the ceiling on a probe timeout or ICMP-too-big.
type mtuState struct {
	floor   int
	ceiling int
	probeSeq uint16
	probing  bool
}

const (
	ipv4MinMTU   = 576
	mtuConverged = 10
)

func newMTUState(ceiling int) mtuState {
	return mtuState{floor: ipv4MinMTU, ceiling: ceiling}
}

func (m *mtuState) converged() bool {
	return m.ceiling-m.floor < mtuConverged
}

func (m *mtuState) probeSize() int {
	return (m.floor + m.ceiling) / 2
}

// shouldProbe reports whether the next outgoing segment should be sent
// as an MTU probe: cwnd must exceed 3x floor and discovery must not have
// already converged (spec: "Once cwnd exceeds 3 × floor...").
func (m *mtuState) shouldProbe(cwnd int64) bool {
	return !m.converged() && !m.probing && cwnd > int64(3*m.floor)
}

func (m *mtuState) startProbe(seq uint16) int {
	m.probing = true
	m.probeSeq = seq
	return m.probeSize()
}

// onProbeAcked raises the floor to the probed size and clears the
// in-flight probe marker.
func (m *mtuState) onProbeAcked(ackedSeq uint16) {
	if !m.probing || ackedSeq != m.probeSeq {
		return
	}
	m.floor = m.probeSize()
	m.probing = false
}

// onProbeLost lowers the ceiling (the probe itself never arrived, or an
// ICMP-too-big was received for it) and clears the in-flight marker.
func (m *mtuState) onProbeLost(lostSeq uint16) {
	if !m.probing || lostSeq != m.probeSeq {
		return
	}
	m.ceiling = m.probeSize()
	m.probing = false
}

// onCeilingDrop handles the rare case where a new path MTU observation
// falls below the current floor, restarting discovery from the midpoint
// (spec: "probing restarts from the midpoint").
func (m *mtuState) onCeilingDrop(newCeiling int) {
	m.ceiling = newCeiling
	if m.ceiling < m.floor {
		mid := (m.floor + m.ceiling) / 2
		m.floor = ipv4MinMTU
		m.ceiling = mid
	}
	m.probing = false
}
