package utp

import (
	"sync"
	"testing"
	"time"
)

// pairedSender delivers every encoded segment directly to the peer
// socket's incomingPacket, looping back synchronously so handshake and
// retransmit tests don't need a real UDP socket.
type pairedSender struct {
	peer *Socket
}

func (p *pairedSender) SendTo(b []byte) error {
	cp := append([]byte(nil), b...)
	go p.peer.incomingPacket(cp)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) NowUs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.UnixNano() / 1000
}
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Spec §8 scenario 4: A calls connect, emits ST_SYN seq=R conn=C; B
// transitions None->Connected and replies ST_STATE ack=R seq=R'
// conn=C+1; A transitions SynSent->Connected and fires its connect
// handler with success.
func TestHandshake(t *testing.T) {
	a := NewSocket(nil, 100)
	b := NewSocket(nil, 0)
	a.sender = &pairedSender{peer: b}
	b.sender = &pairedSender{peer: a}
	a.seqNr = 5 // seq=R

	done := make(chan error, 1)
	a.OnConnect(func(err error) { done <- err })

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("connect handler fired with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect handler never fired")
	}

	if a.State() != StateConnected {
		t.Fatalf("A: expected Connected, got %v", a.State())
	}
	if b.State() != StateConnected {
		t.Fatalf("B: expected Connected, got %v", b.State())
	}

	b.mu.Lock()
	bAck := b.ackNr
	bRecvID := b.recvID
	b.mu.Unlock()
	if bAck != 5 {
		t.Fatalf("B: expected ack=5 (seq=R), got %d", bAck)
	}
	if bRecvID != 100 {
		t.Fatalf("B: expected conn=C=100, got %d", bRecvID)
	}
}

// Spec §8 scenario 5: A sends seq=1..10, all but seq=3 arrive; B's
// ST_STATE ack=2 with SACK covering 4..10 makes A retransmit seq=3,
// halve cwnd once, set ssthresh to pre-cut cwnd/2, and clear slow-start.
func TestSelectiveRetransmitTriggersResendAndCwndHalving(t *testing.T) {
	a := NewSocket(nil, 1)
	a.clock = &fakeClock{now: time.Unix(0, 0)}
	a.state = StateConnected
	a.seqNr = 11
	a.highestAcked = 0
	a.cong = newCongestionState(64 * 1024)
	a.cong.slowStart = true
	preCutCwnd := a.cong.cwnd

	for seq := uint16(1); seq <= 10; seq++ {
		seg := &Segment{Header: Header{Type: TypeData, SeqNr: seq}, Payload: make([]byte, 100)}
		a.outbuf.Put(seq, seg)
		a.cong.bytesInFlight += 100
	}

	bitmask := []byte{0b01111111} // bits 0..6 set: seq 4..10 acked
	a.processSACK(2, bitmask, a.clock.Now())

	v, ok := a.outbuf.Get(3)
	if !ok {
		t.Fatal("seq=3 missing from outbuf")
	}
	if !v.(*Segment).NeedResend {
		t.Fatal("expected seq=3 to be scheduled for resend")
	}

	if a.cong.cwnd != preCutCwnd/2 {
		t.Fatalf("expected cwnd halved to %d, got %d", preCutCwnd/2, a.cong.cwnd)
	}
	if a.cong.ssthresh != preCutCwnd/2 {
		t.Fatalf("expected ssthresh %d, got %d", preCutCwnd/2, a.cong.ssthresh)
	}
	if a.cong.slowStart {
		t.Fatal("expected slow-start cleared after loss")
	}
}

// Tail gaps (bits past the last set bit in the SACK bitmask) must never
// be scheduled for retransmission, even though they represent packets
// that were sent and remain unacknowledged.
func TestSelectiveRetransmitIgnoresTailGaps(t *testing.T) {
	a := NewSocket(nil, 1)
	a.clock = &fakeClock{now: time.Unix(0, 0)}
	a.cong = newCongestionState(64 * 1024)

	for seq := uint16(1); seq <= 10; seq++ {
		seg := &Segment{Header: Header{Type: TypeData, SeqNr: seq}, Payload: make([]byte, 100)}
		a.outbuf.Put(seq, seg)
	}

	// ack=1 (seq 1 cumulative-acked). Bits correspond to seq 3..; set
	// bits for seq 3,4,6,7,8 (a real hole at seq=5), leave seq 9 and 10
	// unset and past the last set bit — they are tail gaps, not holes.
	bitmask := []byte{0b00111011} // bit0=seq3 bit1=seq4 bit2=seq5(hole) bit3=seq6 bit4=seq7 bit5=seq8
	a.processSACK(1, bitmask, a.clock.Now())

	v, ok := a.outbuf.Get(5)
	if !ok || !v.(*Segment).NeedResend {
		t.Fatal("expected seq=5 (a real hole within the covered range) to be resent")
	}

	for _, seq := range []uint16{9, 10} {
		v, ok := a.outbuf.Get(seq)
		if ok && v.(*Segment).NeedResend {
			t.Fatalf("seq=%d is a tail gap and must not be resent", seq)
		}
	}
}
