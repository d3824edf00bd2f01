package utp

import (
	"sync"
	"time"

	"github.com/arvidn/libtorrent-sub004/internal/errs"
	"github.com/arvidn/libtorrent-sub004/internal/logging"
	"github.com/arvidn/libtorrent-sub004/pkg/ring"
)

// State is a uTP connection's position in spec §4.4's state machine.
type State int

const (
	StateNone State = iota
	StateSynSent
	StateConnected
	StateFinSent
	StateErrorWait
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateSynSent:
		return "syn-sent"
	case StateConnected:
		return "connected"
	case StateFinSent:
		return "fin-sent"
	case StateErrorWait:
		return "error-wait"
	case StateDeleting:
		return "deleting"
	default:
		return "unknown"
	}
}

const (
	defaultRecvBufCap = 64 * 1024
	minRecvWindowPkts = 16
	synTimeout        = 3 * time.Second
	minTimeout        = 500 * time.Millisecond
	maxTimeout        = 60 * time.Second
	outbufCapacity    = 2048
	defaultMSS        = 1400
)

// Sender abstracts handing an encoded datagram to the underlying UDP
// socket; the multiplexer supplies one bound to a specific remote peer.
type Sender interface {
	SendTo(b []byte) error
}

// Clock abstracts the microsecond send/receive timestamps so tests can
// drive time deterministically instead of depending on wall-clock jitter.
type Clock interface {
	NowUs() int64
	Now() time.Time
}

type systemClock struct{}

func (systemClock) NowUs() int64   { return time.Now().UnixNano() / 1000 }
func (systemClock) Now() time.Time { return time.Now() }

// Socket is one uTP connection's state machine and congestion
// controller (spec §3 "uTP socket state", §4.4). It assumes
// single-threaded cooperative use from the network event loop (spec
// §5) but serializes internal state behind a mutex, the way
// fuse.Server guards inode state even though the FUSE kernel protocol
// itself single-threads requests per inode.
type Socket struct {
	mu sync.Mutex

	sender Sender
	clock  Clock

	sendID uint16
	recvID uint16

	seqNr            uint16 // next sequence number to send
	ackNr            uint16 // last seq number received in order
	highestAcked     uint16
	nextExpectedRecv uint16
	eofSeq           uint16
	haveEOF          bool

	wnd uint32 // our advertised receive window, bytes
	recvBufCap int

	cong congestionState
	mtu  mtuState

	rttMeanUs int64
	rttDevUs  int64

	deferredAck bool
	numTimeouts int

	state State

	outbuf  *ring.Ring // seq -> *Segment, unacked outgoing
	dupAcks map[uint16]int

	inbuf *ring.Ring // seq -> []byte, out-of-order receive reorder buffer

	pendingWrite [][]byte // Nagle buffer of not-yet-sent user writes

	lastRecvAt time.Time

	onConnect func(error)
	onData    func([]byte)
	onClose   func(error)

	closed bool
}

// NewSocket constructs an idle (StateNone) socket bound to sender. recvID
// is this side's receive connection-id; the send id always differs by 1
// (spec §3).
func NewSocket(sender Sender, recvID uint16) *Socket {
	return &Socket{
		sender:     sender,
		clock:      systemClock{},
		recvID:     recvID,
		sendID:     recvID + 1,
		wnd:        defaultRecvBufCap,
		recvBufCap: defaultRecvBufCap,
		cong:       newCongestionState(int64(2 * defaultMSS)),
		mtu:        newMTUState(1500),
		rttMeanUs:  500_000,
		outbuf:     ring.New(outbufCapacity),
		inbuf:      ring.New(outbufCapacity),
		dupAcks:    make(map[uint16]int),
	}
}

// OnConnect/OnData/OnClose register completion callbacks, invoked from
// inside incomingPacket/tick — never while holding s.mu (spec §5's
// "callbacks posted to the event loop are serialized by the loop
// itself" rule, mirrored from pkg/cache's no-callbacks-under-lock rule).
func (s *Socket) OnConnect(fn func(error)) { s.onConnect = fn }
func (s *Socket) OnData(fn func([]byte))   { s.onData = fn }
func (s *Socket) OnClose(fn func(error))   { s.onClose = fn }

// Connect implements the active open: emit ST_SYN carrying the socket's
// current seqNr, which is 1 when nothing set it beforehand (no random
// initial seq is drawn). In-package tests preset seqNr before calling
// Connect to pick the handshake's seq.
func (s *Socket) Connect() error {
	s.mu.Lock()
	if s.state != StateNone {
		s.mu.Unlock()
		return errs.New(errs.KindAborted, errs.OpConnect, nil)
	}
	s.state = StateSynSent
	if s.seqNr == 0 {
		s.seqNr = 1
	}
	seg := &Segment{Header: Header{
		Type:       TypeSyn,
		ConnID:     s.recvID,
		SeqNr:      s.seqNr,
		AckNr:      0,
		WindowSize: s.wnd,
	}}
	seg.Header.TimestampUs = uint32(s.clock.NowUs())
	seg.SentAt = s.clock.NowUs()
	s.outbuf.Put(s.seqNr, seg) // tick() retransmits this on synTimeout if unanswered
	s.seqNr++
	s.mu.Unlock()
	return s.transmit(seg)
}

func (s *Socket) transmit(seg *Segment) error {
	return s.sender.SendTo(seg.Encode())
}

// incomingPacket implements spec §4.4 "Receive": parse, validate, and
// dispatch by type and current state.
func (s *Socket) incomingPacket(raw []byte) error {
	seg, err := Decode(raw)
	if err != nil {
		logging.UTP.Printf("drop: %v", err)
		return nil // protocol errors are silently dropped (spec §7)
	}

	s.mu.Lock()
	s.lastRecvAt = s.clock.Now()
	s.numTimeouts = 0

	switch seg.Header.Type {
	case TypeSyn:
		return s.handleSyn(seg)
	case TypeState:
		return s.handleState(seg)
	case TypeData:
		return s.handleData(seg)
	case TypeFin:
		return s.handleFin(seg)
	case TypeReset:
		return s.handleReset(seg)
	default:
		s.mu.Unlock()
		return nil
	}
}

// handleSyn implements the passive-open half of spec §8 scenario 4:
// None --SYN-recv--> Connected, replying with ST_STATE ack=R seq=R'.
func (s *Socket) handleSyn(seg *Segment) error {
	if s.state != StateNone {
		s.mu.Unlock()
		return nil
	}
	s.recvID = seg.Header.ConnID
	s.sendID = seg.Header.ConnID + 1
	s.ackNr = seg.Header.SeqNr
	s.nextExpectedRecv = seg.Header.SeqNr + 1
	if s.seqNr == 0 {
		s.seqNr = 1
	}
	s.state = StateConnected
	reply := &Segment{Header: Header{
		Type:        TypeState,
		ConnID:      s.sendID,
		SeqNr:       s.seqNr,
		AckNr:       s.ackNr,
		WindowSize:  s.wnd,
		TimestampUs: uint32(s.clock.NowUs()),
	}}
	s.seqNr++
	s.mu.Unlock()
	return s.transmit(reply)
}

// handleState processes an ST_STATE (ack + optional SACK) packet:
// advances the cumulative ack, updates congestion state, and triggers
// selective retransmission (spec §4.4 "Selective retransmission").
func (s *Socket) handleState(seg *Segment) error {
	wasSynSent := s.state == StateSynSent
	if wasSynSent {
		s.state = StateConnected
		s.recvID = seg.Header.ConnID - 1
	}

	now := s.clock.Now()
	oneWayUs := int64(seg.Header.TimestampDiff)
	ackedBytes := s.ackThrough(seg.Header.AckNr, now)

	cwndLimited := s.cong.bytesInFlight >= s.cong.cwnd
	if ackedBytes > 0 {
		delay := s.cong.onDelaySample(now, oneWayUs)
		s.cong.onAck(delay, ackedBytes, cwndLimited)
	}

	if seg.SACK != nil {
		s.processSACK(seg.Header.AckNr, seg.SACK.Bitmask, now)
	}

	s.mtu.onProbeAcked(seg.Header.AckNr)

	cb := s.onConnect
	s.mu.Unlock()
	if wasSynSent && cb != nil {
		cb(nil)
	}
	return nil
}

// ackThrough removes every outbuf entry with seq <= ackNr (wrap-aware),
// returning the total bytes newly acknowledged and adjusting
// bytesInFlight.
func (s *Socket) ackThrough(ackNr uint16, now time.Time) int64 {
	var freed int64
	for seq := s.highestAcked + 1; ring.LessOrEqual16(seq, ackNr); seq++ {
		v, ok := s.outbuf.Get(seq)
		if !ok {
			continue
		}
		seg := v.(*Segment)
		freed += int64(len(seg.Payload))
		s.cong.bytesInFlight -= int64(len(seg.Payload))
		s.outbuf.Delete(seq)
		delete(s.dupAcks, seq)
		if seq == ackNr {
			break
		}
	}
	if ring.Less16(s.highestAcked, ackNr) {
		s.highestAcked = ackNr
	}
	if s.cong.bytesInFlight < 0 {
		s.cong.bytesInFlight = 0
	}
	return freed
}

// processSACK implements spec §4.4's dup-ack-driven retransmit rule: a
// SACK bitmask revealing more than dupAckLimit packets acked past the
// cumulative ack schedules every covered hole for retransmission; the
// packet immediately following the cumulative ack is retransmitted once
// its own dup-ack count reaches the limit. Tail gaps (bits past the last
// set bit) are never resent.
func (s *Socket) processSACK(ackNr uint16, bitmask []byte, now time.Time) {
	acked := 0
	lastSet := -1
	for i := 0; i < len(bitmask)*8; i++ {
		byteIdx, bit := i/8, uint(i%8)
		if bitmask[byteIdx]&(1<<bit) != 0 {
			acked++
			lastSet = i
		}
	}
	if acked <= dupAckLimit {
		return
	}

	nextSeq := ackNr + 1
	s.dupAcks[nextSeq] += acked
	if s.dupAcks[nextSeq] >= dupAckLimit {
		s.scheduleResend(nextSeq, now)
	}

	for i := 0; i <= lastSet; i++ {
		byteIdx, bit := i/8, uint(i%8)
		if bitmask[byteIdx]&(1<<bit) != 0 {
			continue // this seq was acked, not a hole
		}
		seq := ackNr + 2 + uint16(i)
		if _, ok := s.outbuf.Get(seq); ok {
			s.scheduleResend(seq, now)
		}
	}
}

func (s *Socket) scheduleResend(seq uint16, now time.Time) {
	v, ok := s.outbuf.Get(seq)
	if !ok {
		return
	}
	seg := v.(*Segment)
	seg.NeedResend = true
	s.cong.onLoss(now, seq, ring.Less16)
	if seg.MTUProbe {
		s.mtu.onProbeLost(seq)
	}
}

// handleData implements in-order delivery plus reorder buffering (spec
// §4.4 "Receive").
func (s *Socket) handleData(seg *Segment) error {
	window := minRecvWindowPkts
	if w := s.recvBufCap / 1100; w > window {
		window = w
	}
	if !withinWindow(s.nextExpectedRecv, seg.Header.SeqNr, window) {
		s.mu.Unlock()
		return nil
	}
	if s.haveEOF && ring.Less16(s.eofSeq, seg.Header.SeqNr) {
		s.mu.Unlock()
		return nil // past the FIN's sequence number, spec §4.4 "FinSent accepts further data only until the EOF sequence number"
	}

	var delivered [][]byte
	if seg.Header.SeqNr == s.nextExpectedRecv {
		delivered = append(delivered, seg.Payload)
		s.nextExpectedRecv++
		s.ackNr = seg.Header.SeqNr
		for {
			v, ok := s.inbuf.Get(s.nextExpectedRecv)
			if !ok {
				break
			}
			delivered = append(delivered, v.([]byte))
			s.inbuf.Delete(s.nextExpectedRecv)
			s.ackNr = s.nextExpectedRecv
			s.nextExpectedRecv++
		}
	} else if ring.Less16(s.nextExpectedRecv, seg.Header.SeqNr) {
		s.inbuf.Put(seg.Header.SeqNr, seg.Payload)
	}
	s.deferredAck = true

	cb := s.onData
	s.mu.Unlock()
	if cb != nil {
		for _, b := range delivered {
			cb(b)
		}
	}
	return nil
}

func withinWindow(base, seq uint16, window int) bool {
	d := ring.Distance16(base, seq)
	return d < uint16(window) || seq == base
}

// handleFin marks the EOF sequence; data up to it is still accepted
// (spec: "FinSent accepts further data only until the EOF sequence
// number").
func (s *Socket) handleFin(seg *Segment) error {
	s.haveEOF = true
	s.eofSeq = seg.Header.SeqNr
	s.mu.Unlock()
	return nil
}

// handleReset implements spec §7's peer-reset error class: transition to
// ErrorWait and fail pending handlers with a reset error.
func (s *Socket) handleReset(seg *Segment) error {
	s.state = StateErrorWait
	cb := s.onClose
	s.mu.Unlock()
	if cb != nil {
		cb(errs.New(errs.KindReset, errs.OpUTPRecv, nil))
	}
	return nil
}

// Write enqueues payload for transmission (spec §4.4 "Send path"). Each
// call's payload becomes one DATA segment as it is: small writes are not
// coalesced and large ones are not split at the MSS. Queued writes are
// sent while bytesInFlight < cwnd; the rest wait in pendingWrite until
// tick drains them.
func (s *Socket) Write(p []byte) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return errs.New(errs.KindAborted, errs.OpUTPSend, nil)
	}
	s.pendingWrite = append(s.pendingWrite, p)
	s.mu.Unlock()
	return s.flushPending()
}

func (s *Socket) flushPending() error {
	s.mu.Lock()
	for len(s.pendingWrite) > 0 && s.cong.bytesInFlight < s.cong.cwnd {
		chunk := s.pendingWrite[0]
		s.pendingWrite = s.pendingWrite[1:]

		seg := &Segment{Header: Header{
			Type:        TypeData,
			ConnID:      s.sendID,
			SeqNr:       s.seqNr,
			AckNr:       s.ackNr,
			WindowSize:  s.wnd,
			TimestampUs: uint32(s.clock.NowUs()),
		}, Payload: chunk}
		seg.SentAt = s.clock.NowUs()

		if s.mtu.shouldProbe(s.cong.cwnd) {
			seg.MTUProbe = true
			s.mtu.startProbe(s.seqNr)
		}

		s.outbuf.Put(s.seqNr, seg)
		s.cong.bytesInFlight += int64(len(chunk))
		s.seqNr++
		s.deferredAck = false

		s.mu.Unlock()
		if err := s.transmit(seg); err != nil {
			return err
		}
		s.mu.Lock()
	}
	s.mu.Unlock()
	return nil
}

// Close implements spec §4.4/§5 cancellation: if Connected, it sends
// ST_FIN and transitions to FinSent. It does not invoke any registered
// callback (OnConnect/OnData/OnClose), and it does not unregister the
// socket from its Mux; nothing in this package removes a socket from
// the Mux's table.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasConnected := s.state == StateConnected
	if wasConnected {
		s.state = StateFinSent
	}
	seq := s.seqNr
	s.seqNr++
	connID := s.sendID
	ack := s.ackNr
	s.mu.Unlock()

	if wasConnected {
		fin := &Segment{Header: Header{
			Type: TypeFin, ConnID: connID, SeqNr: seq, AckNr: ack,
		}}
		if err := s.transmit(fin); err != nil {
			return err
		}
	}
	return nil
}

// tick drives timer-based state transitions: per-packet retransmit
// timeouts, deferred-ACK flushing, and (implicitly, via flushPending)
// Nagle-buffer draining once room opens up (spec §4.4 "Timers").
func (s *Socket) tick() {
	s.mu.Lock()
	now := s.clock.Now()
	timeout := s.retransmitTimeout()
	var expired []*Segment

	for seq := s.highestAcked + 1; ring.Less16(seq, s.seqNr); seq++ {
		v, ok := s.outbuf.Get(seq)
		if !ok {
			continue
		}
		seg := v.(*Segment)
		segTimeout := timeout
		if seg.Header.Type == TypeSyn {
			segTimeout = synTimeout
		}
		if seg.NeedResend || (seg.SentAt > 0 && now.UnixNano()/1000-seg.SentAt > segTimeout.Microseconds()) {
			expired = append(expired, seg)
		}
	}
	deferred := s.deferredAck
	s.deferredAck = false
	s.mu.Unlock()

	for _, seg := range expired {
		seg.NumTransmissions++
		seg.NeedResend = false
		seg.SentAt = s.clock.NowUs()
		s.transmit(seg)
	}

	if deferred {
		s.sendAck()
	}
	s.flushPending()
}

func (s *Socket) sendAck() error {
	s.mu.Lock()
	seg := &Segment{Header: Header{
		Type: TypeState, ConnID: s.sendID, SeqNr: s.seqNr, AckNr: s.ackNr,
		WindowSize: s.wnd, TimestampUs: uint32(s.clock.NowUs()),
	}}
	s.mu.Unlock()
	return s.transmit(seg)
}

// retransmitTimeout implements spec §4.4's per-packet timeout formula.
func (s *Socket) retransmitTimeout() time.Duration {
	base := time.Duration(s.rttMeanUs)*time.Microsecond + 2*time.Duration(s.rttDevUs)*time.Microsecond
	if base < minTimeout {
		base = minTimeout
	}
	backoff := time.Duration(1) * time.Second
	if s.numTimeouts > 0 {
		backoff = (1 << (s.numTimeouts - 1)) * time.Second
	} else {
		backoff = 0
	}
	total := base + backoff
	if total > maxTimeout {
		total = maxTimeout
	}
	return total
}

// State reports the socket's current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
