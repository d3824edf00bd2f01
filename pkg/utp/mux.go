package utp

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arvidn/libtorrent-sub004/internal/logging"
)

// connKey identifies a socket by remote endpoint and the connection id it
// receives on (spec §3: "a uTP connection is identified by the tuple of
// remote endpoint and connection id").
type connKey struct {
	remote string
	connID uint16
}

// packetConn is the subset of net.PacketConn the multiplexer needs;
// tests substitute an in-memory fake instead of binding a real UDP
// socket.
type packetConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	Close() error
}

// addrSender adapts a packetConn bound to one peer address into the
// Sender a Socket calls to transmit (spec §4.4's socket/transport
// boundary, grounded on fuse.Server's split between the raw fd and the
// per-request reply writer).
type addrSender struct {
	conn packetConn
	addr net.Addr
}

func (a addrSender) SendTo(b []byte) error {
	_, err := a.conn.WriteTo(b, a.addr)
	return err
}

// Mux demultiplexes datagrams arriving on one shared UDP socket to the
// per-connection Socket state machines, and accepts incoming SYNs into a
// bounded backlog (spec §4.4 "Multiplexer").
type Mux struct {
	conn packetConn

	mu      sync.Mutex
	sockets map[connKey]*Socket
	backlog chan *Socket
	closed  bool

	tickInterval time.Duration
	stop         chan struct{}
}

// NewMux wraps conn (typically a *net.UDPConn) with a backlog of
// pending-accept connections sized by backlogLen.
func NewMux(conn packetConn, backlogLen int) *Mux {
	if backlogLen <= 0 {
		backlogLen = 16
	}
	return &Mux{
		conn:         conn,
		sockets:      make(map[connKey]*Socket),
		backlog:      make(chan *Socket, backlogLen),
		tickInterval: 500 * time.Millisecond,
		stop:         make(chan struct{}),
	}
}

// Serve runs the read loop until Close is called; it is meant to run on
// its own goroutine, the way fuse.Server.Serve owns the kernel fd's read
// loop.
func (m *Mux) Serve() error {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := m.conn.ReadFrom(buf)
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		m.dispatch(append([]byte(nil), buf[:n]...), addr)
	}
}

// Run launches Serve and RunTicker together and blocks until either
// exits or ctx is cancelled, at which point both are torn down via
// Close. This is the entry point most callers want; Serve/RunTicker
// remain exported for callers that need their own goroutine lifecycle.
func (m *Mux) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(m.Serve)
	g.Go(func() error {
		m.RunTicker()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return m.Close()
	})
	return g.Wait()
}

// RunTicker drives every live socket's tick() on tickInterval until
// Close is called; callers typically run this on a second goroutine
// alongside Serve.
func (m *Mux) RunTicker() {
	t := time.NewTicker(m.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.mu.Lock()
			live := make([]*Socket, 0, len(m.sockets))
			for _, s := range m.sockets {
				live = append(live, s)
			}
			m.mu.Unlock()
			for _, s := range live {
				s.tick()
			}
		}
	}
}

func (m *Mux) dispatch(b []byte, addr net.Addr) {
	if len(b) < headerLen {
		return
	}
	connID := binary.BigEndian.Uint16(b[2:4])
	typ := Type(b[0] >> 4)
	key := connKey{remote: addr.String(), connID: connID}

	m.mu.Lock()
	sock, ok := m.sockets[key]
	if !ok && typ == TypeSyn {
		sock = NewSocket(addrSender{conn: m.conn, addr: addr}, connID+1)
		acceptKey := connKey{remote: addr.String(), connID: connID + 1}
		m.sockets[key] = sock
		m.sockets[acceptKey] = sock
		m.mu.Unlock()

		if err := sock.incomingPacket(b); err != nil {
			logging.UTP.Printf("syn handling: %v", err)
			return
		}
		select {
		case m.backlog <- sock:
		default:
			logging.UTP.Printf("accept backlog full, dropping connection from %s", addr)
			m.removeSocket(sock)
		}
		return
	}
	m.mu.Unlock()
	if !ok {
		logging.UTP.Printf("drop: unknown connection id %d from %s", connID, addr)
		return
	}
	sock.incomingPacket(b)
}

// Accept blocks until an inbound connection completes its handshake, or
// Close is called.
func (m *Mux) Accept() (*Socket, bool) {
	select {
	case s := <-m.backlog:
		return s, true
	case <-m.stop:
		return nil, false
	}
}

// Dial actively opens a connection to addr, registering both connection
// ids before sending the SYN so the reply routes correctly.
func (m *Mux) Dial(addr net.Addr) (*Socket, error) {
	recvID := uint16(rand.Intn(1 << 16))
	sock := NewSocket(addrSender{conn: m.conn, addr: addr}, recvID)

	m.mu.Lock()
	m.sockets[connKey{remote: addr.String(), connID: recvID}] = sock
	m.sockets[connKey{remote: addr.String(), connID: recvID + 1}] = sock
	m.mu.Unlock()

	if err := sock.Connect(); err != nil {
		m.removeSocket(sock)
		return nil, err
	}
	return sock, nil
}

func (m *Mux) removeSocket(s *Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.sockets {
		if v == s {
			delete(m.sockets, k)
		}
	}
}

// Close tears down the read loop and ticker and releases every tracked
// socket.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.sockets = make(map[connKey]*Socket)
	m.mu.Unlock()
	close(m.stop)
	return m.conn.Close()
}
