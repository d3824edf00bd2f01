package utp

import (
	"net"
	"testing"
	"time"
)

// loopbackConn is a packetConn pair that hands datagrams directly to its
// peer's inbox, so Mux's dispatch/accept path can be exercised without a
// real UDP socket.
type loopbackConn struct {
	selfAddr net.Addr
	inbox    chan []byte
	peer     *loopbackConn
	closed   chan struct{}
}

func newLoopbackPair() (*loopbackConn, *loopbackConn) {
	a := &loopbackConn{selfAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}, inbox: make(chan []byte, 64), closed: make(chan struct{})}
	b := &loopbackConn{selfAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9002}, inbox: make(chan []byte, 64), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *loopbackConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case b := <-c.inbox:
		n := copy(p, b)
		return n, c.peer.selfAddr, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *loopbackConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	cp := append([]byte(nil), p...)
	select {
	case c.peer.inbox <- cp:
	case <-c.closed:
		return 0, net.ErrClosed
	}
	return len(p), nil
}

func (c *loopbackConn) Close() error {
	close(c.closed)
	return nil
}

// End-to-end rendition of spec §8 scenario 4 through the Mux: Dial on
// one side, Accept on the other, both sockets reach Connected.
func TestMuxDialAccept(t *testing.T) {
	connA, connB := newLoopbackPair()
	muxA := NewMux(connA, 4)
	muxB := NewMux(connB, 4)
	defer muxA.Close()
	defer muxB.Close()

	go muxA.Serve()
	go muxB.Serve()

	sockA, err := muxA.Dial(connB.selfAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	accepted := make(chan *Socket, 1)
	go func() {
		s, ok := muxB.Accept()
		if ok {
			accepted <- s
		}
	}()

	select {
	case sockB := <-accepted:
		if sockB.State() != StateConnected {
			t.Fatalf("accepted socket: expected Connected, got %v", sockB.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for sockA.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("dialing socket: expected Connected, got %v", sockA.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
