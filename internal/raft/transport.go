package raft

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

// Transport carries Raft RPCs between servers. Membership changes
// register and unregister peers at runtime through AddPeer/RemovePeer.
type Transport interface {
	// Send sends an RPC to a peer and waits for the response.
	Send(peerID uint64, msgType uint8, data []byte) ([]byte, error)

	// Listen starts serving incoming RPCs through handler.
	Listen(handler RPCHandler) error

	// AddPeer registers or re-addresses a peer.
	AddPeer(peerID uint64, addr string)

	// RemovePeer unregisters a peer and drops its connection.
	RemovePeer(peerID uint64)

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local listen address.
	LocalAddr() string
}

// RPCHandler handles one incoming RPC and returns the response bytes.
type RPCHandler func(msgType uint8, data []byte) []byte

// Wire framing: [type:1][length:4][payload:N] in both directions.
const (
	rpcHeaderLen  = 5
	maxRPCPayload = 64 << 20
)

// peerConn is one outbound connection. The mutex covers a full
// request/response roundtrip so concurrent senders to the same peer
// cannot interleave frames.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// TCPTransport implements Transport over plain TCP with one pooled
// connection per peer.
type TCPTransport struct {
	addr     string
	listener net.Listener
	handler  RPCHandler
	timeout  time.Duration

	mu     sync.RWMutex
	peers  map[uint64]string
	conns  map[uint64]*peerConn
	closed bool
	wg     sync.WaitGroup
}

// NewTCPTransport creates a TCP transport listening on addr. Peers are
// registered later, from the membership.
func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		addr:    addr,
		peers:   make(map[uint64]string),
		conns:   make(map[uint64]*peerConn),
		timeout: 5 * time.Second,
	}
}

// SetTimeout sets the dial and per-roundtrip deadline.
func (t *TCPTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// LocalAddr returns the listen address.
func (t *TCPTransport) LocalAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// AddPeer registers or re-addresses a peer. A changed address drops any
// pooled connection so the next send dials fresh.
func (t *TCPTransport) AddPeer(peerID uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.peers[peerID]; ok && old == addr {
		return
	}
	t.peers[peerID] = addr
	if pc, ok := t.conns[peerID]; ok {
		if pc.conn != nil {
			pc.conn.Close()
		}
		delete(t.conns, peerID)
	}
}

// RemovePeer unregisters a peer and closes its connection.
func (t *TCPTransport) RemovePeer(peerID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
	if pc, ok := t.conns[peerID]; ok {
		if pc.conn != nil {
			pc.conn.Close()
		}
		delete(t.conns, peerID)
	}
}

// Send performs one framed request/response roundtrip with the peer,
// dialing on demand. A failed roundtrip drops the pooled connection.
func (t *TCPTransport) Send(peerID uint64, msgType uint8, data []byte) ([]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	addr, ok := t.peers[peerID]
	if !ok {
		t.mu.Unlock()
		return nil, ErrConnectFailed
	}
	pc, ok := t.conns[peerID]
	if !ok {
		pc = &peerConn{}
		t.conns[peerID] = pc
	}
	timeout := t.timeout
	t.mu.Unlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.conn == nil {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, err
		}
		pc.conn = conn
	}

	resp, err := t.roundtrip(pc.conn, msgType, data, timeout)
	if err != nil {
		pc.conn.Close()
		pc.conn = nil
		return nil, err
	}
	return resp, nil
}

func (t *TCPTransport) roundtrip(conn net.Conn, msgType uint8, data []byte, timeout time.Duration) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(timeout))

	header := make([]byte, rpcHeaderLen)
	header[0] = msgType
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(data)))
	if _, err := conn.Write(header); err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	respLen := binary.LittleEndian.Uint32(header[1:5])
	if respLen > maxRPCPayload {
		return nil, ErrCorrupted
	}
	resp := make([]byte, respLen)
	if respLen > 0 {
		if _, err := io.ReadFull(conn, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Listen starts accepting connections and serving RPCs.
func (t *TCPTransport) Listen(handler RPCHandler) error {
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = listener
	t.handler = handler
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(listener)
	return nil
}

func (t *TCPTransport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *TCPTransport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	header := make([]byte, rpcHeaderLen)
	for {
		t.mu.RLock()
		closed := t.closed
		handler := t.handler
		timeout := t.timeout
		t.mu.RUnlock()
		if closed {
			return
		}

		// Idle connections expire; the sender redials on demand.
		conn.SetReadDeadline(time.Now().Add(timeout * 2))
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		msgType := header[0]
		dataLen := binary.LittleEndian.Uint32(header[1:5])
		if dataLen > maxRPCPayload {
			return
		}
		data := make([]byte, dataLen)
		if dataLen > 0 {
			if _, err := io.ReadFull(conn, data); err != nil {
				return
			}
		}

		var resp []byte
		if handler != nil {
			resp = handler(msgType, data)
		}

		respHeader := make([]byte, rpcHeaderLen)
		respHeader[0] = msgType
		binary.LittleEndian.PutUint32(respHeader[1:5], uint32(len(resp)))
		conn.SetWriteDeadline(time.Now().Add(timeout))
		if _, err := conn.Write(respHeader); err != nil {
			return
		}
		if len(resp) > 0 {
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}
}

// Close shuts down the listener and all connections and waits for the
// serving goroutines to finish.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	conns := t.conns
	t.conns = make(map[uint64]*peerConn)
	t.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, pc := range conns {
		pc.mu.Lock()
		if pc.conn != nil {
			pc.conn.Close()
			pc.conn = nil
		}
		pc.mu.Unlock()
	}
	t.wg.Wait()
	return nil
}

// InMemoryNetwork connects InMemoryTransports for tests, with
// controllable partitions and delivery delay.
type InMemoryNetwork struct {
	mu         sync.RWMutex
	transports map[uint64]*InMemoryTransport
	blocked    map[[2]uint64]bool
	delay      time.Duration
}

// NewInMemoryNetwork creates an empty in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		transports: make(map[uint64]*InMemoryTransport),
		blocked:    make(map[[2]uint64]bool),
	}
}

// NewTransport creates and registers a transport for nodeID.
func (nw *InMemoryNetwork) NewTransport(nodeID uint64, addr string) *InMemoryTransport {
	t := &InMemoryTransport{
		id:      nodeID,
		addr:    addr,
		network: nw,
		peers:   make(map[uint64]string),
	}
	nw.mu.Lock()
	nw.transports[nodeID] = t
	nw.mu.Unlock()
	return t
}

// SetDelay adds a fixed delivery delay to every send.
func (nw *InMemoryNetwork) SetDelay(d time.Duration) {
	nw.mu.Lock()
	nw.delay = d
	nw.mu.Unlock()
}

// Partition blocks traffic between a and b in both directions.
func (nw *InMemoryNetwork) Partition(a, b uint64) {
	nw.mu.Lock()
	nw.blocked[[2]uint64{a, b}] = true
	nw.blocked[[2]uint64{b, a}] = true
	nw.mu.Unlock()
}

// Heal unblocks traffic between a and b.
func (nw *InMemoryNetwork) Heal(a, b uint64) {
	nw.mu.Lock()
	delete(nw.blocked, [2]uint64{a, b})
	delete(nw.blocked, [2]uint64{b, a})
	nw.mu.Unlock()
}

// Isolate cuts id off from every other registered node.
func (nw *InMemoryNetwork) Isolate(id uint64) {
	nw.mu.Lock()
	for other := range nw.transports {
		if other != id {
			nw.blocked[[2]uint64{id, other}] = true
			nw.blocked[[2]uint64{other, id}] = true
		}
	}
	nw.mu.Unlock()
}

// Restore reconnects id to every other registered node.
func (nw *InMemoryNetwork) Restore(id uint64) {
	nw.mu.Lock()
	for other := range nw.transports {
		delete(nw.blocked, [2]uint64{id, other})
		delete(nw.blocked, [2]uint64{other, id})
	}
	nw.mu.Unlock()
}

func (nw *InMemoryNetwork) deliver(from, to uint64, msgType uint8, data []byte) ([]byte, error) {
	nw.mu.RLock()
	blocked := nw.blocked[[2]uint64{from, to}]
	peer := nw.transports[to]
	delay := nw.delay
	nw.mu.RUnlock()

	if blocked || peer == nil {
		return nil, ErrConnectFailed
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	peer.mu.RLock()
	handler := peer.handler
	closed := peer.closed
	peer.mu.RUnlock()
	if closed || handler == nil {
		return nil, ErrConnectFailed
	}
	return handler(msgType, data), nil
}

// InMemoryTransport implements Transport against an InMemoryNetwork.
type InMemoryTransport struct {
	id      uint64
	addr    string
	network *InMemoryNetwork

	mu      sync.RWMutex
	peers   map[uint64]string
	handler RPCHandler
	closed  bool
}

// Send delivers the RPC through the network, honoring partitions.
func (t *InMemoryTransport) Send(peerID uint64, msgType uint8, data []byte) ([]byte, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrTransportClosed
	}
	return t.network.deliver(t.id, peerID, msgType, data)
}

// Listen installs the RPC handler.
func (t *InMemoryTransport) Listen(handler RPCHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	t.closed = false
	return nil
}

// AddPeer records a peer address. Delivery is by id, so this only keeps
// the address book for inspection.
func (t *InMemoryTransport) AddPeer(peerID uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = addr
}

// RemovePeer forgets a peer address.
func (t *InMemoryTransport) RemovePeer(peerID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

// Close detaches the transport from the network.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.handler = nil
	return nil
}

// LocalAddr returns the configured address.
func (t *InMemoryTransport) LocalAddr() string {
	return t.addr
}
