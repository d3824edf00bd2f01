package utp

import "testing"

// Spec §8 scenario 6: floor=576, ceiling=1500, probe=1038 acked raises
// floor to 1038 and the next probe midpoint is 1269; probing eventually
// halts once ceiling-floor < 10.
func TestMTUProbeAcceptance(t *testing.T) {
	m := newMTUState(1500)
	if m.floor != ipv4MinMTU || m.ceiling != 1500 {
		t.Fatalf("unexpected initial state: %+v", m)
	}

	probeSeq := uint16(1)
	size := m.startProbe(probeSeq)
	if size != 1038 {
		t.Fatalf("expected first probe size 1038, got %d", size)
	}

	m.onProbeAcked(probeSeq)
	if m.floor != 1038 {
		t.Fatalf("expected floor raised to 1038, got %d", m.floor)
	}

	next := m.probeSize()
	if next != 1269 {
		t.Fatalf("expected next probe midpoint 1269, got %d", next)
	}

	for i := 0; i < 10 && !m.converged(); i++ {
		seq := uint16(i + 2)
		sz := m.startProbe(seq)
		m.onProbeAcked(seq)
		_ = sz
	}

	if !m.converged() {
		t.Fatalf("expected discovery to converge, floor=%d ceiling=%d", m.floor, m.ceiling)
	}
}

func TestMTUProbeLossLowersCeiling(t *testing.T) {
	m := newMTUState(1500)
	seq := m.startProbe(0)
	_ = seq
	m.onProbeLost(0)
	if m.ceiling != 1038 {
		t.Fatalf("expected ceiling lowered to probe midpoint 1038, got %d", m.ceiling)
	}
}
