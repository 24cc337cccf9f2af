package neighbour

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/meshd/meshd/internal/errdefs"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/internal/secure"
)

// IdleTimeout is how long a Connected link may go without any
// inbound activity before the manager tears it down (§4.2 diagram:
// "Connected --idle--> Disconnected").
const IdleTimeout = 15 * time.Second

// PingInterval is the nominal liveness ping/pong period (§4.2).
// Manager.Tick does not consult it: it sends one ping per Connected
// link on every call.
const PingInterval = 3 * time.Second

// Event is one of the four outputs the link layer emits (§4.2).
type Event struct {
	Kind EventKind
	Conn ConnId
	Peer nodeid.ID
	// Secure is set only for EventConnected.
	Secure *secure.Context
	// RTT is set only for EventStats.
	RTT float64
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventStats
	EventDisconnected
)

// Outbound is a Control(remote, bytes) datagram the manager wants the
// worker layer to send on its behalf (handshake/ping/pong/goodbye
// frames), always tagged with the reserved neighbour-control byte.
type Outbound struct {
	Remote nodeid.Addr
	Bytes  []byte
}

// Manager owns every Connection for one node and drives the §4.2
// state machine from a single-threaded controller loop: it is not
// safe for concurrent use except via its exported methods, which are
// all expected to be called from that one loop (mirrors §5's
// "single-threaded cooperative per worker").
type Manager struct {
	mu       sync.Mutex // guards the maps below only; state transitions themselves are single-threaded
	self     nodeid.ID
	session  uint64
	auth     secure.StaticAuth
	gen      connIDGen
	byConn   map[ConnId]*Connection
	byPeer   map[nodeid.ID]ConnId
	outbox   []Outbound
	events   []Event
}

// NewManager constructs a Manager for node self, authenticating every
// handshake with auth.
func NewManager(self nodeid.ID, auth secure.StaticAuth) *Manager {
	return &Manager{
		self:    self,
		session: NewSession(),
		auth:    auth,
		byConn:  make(map[ConnId]*Connection),
		byPeer:  make(map[nodeid.ID]ConnId),
	}
}

// ConnectTo begins an outgoing connection attempt to addr (§4.2
// contract: "connect_to(NodeAddr)"). Idempotent: a second call while
// already connecting/connected to the same peer is a no-op.
func (m *Manager) ConnectTo(ctx context.Context, addr nodeid.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPeer[addr.ID]; ok {
		return
	}
	id := m.gen.allocate(Outgoing)
	conn := New(id, addr, Outgoing, m.session, m.auth)
	req, err := conn.StartConnecting(time.Now())
	if err != nil {
		log.G(ctx).WithError(err).Warn("neighbour: ConnectTo failed to start handshake")
		return
	}
	m.byConn[id] = conn
	m.byPeer[addr.ID] = id
	m.enqueueControl(addr, encodeConnectRequest(req))
}

// Disconnect tears down the connection to peer, if any, sending a
// best-effort GOODBYE frame first (§4.2 "Shutdown").
func (m *Manager) Disconnect(ctx context.Context, peer nodeid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPeer[peer]
	if !ok {
		return
	}
	conn := m.byConn[id]
	m.enqueueControl(conn.Addr, encodeGoodbye())
	conn.Disconnect()
	m.emit(Event{Kind: EventDisconnected, Conn: id, Peer: peer})
	delete(m.byPeer, peer)
	delete(m.byConn, id)
}

// OnUDP handles one inbound neighbour-control datagram (§4.2 contract
// "on_udp(remote, bytes)"). remote carries enough information (in
// this implementation, the peer's NodeId, remote.ID) to correlate an
// inbound handshake with an existing attempt or start a new Incoming
// connection.
func (m *Manager) OnUDP(ctx context.Context, remote nodeid.Addr, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame, err := decodeControlFrame(raw)
	if err != nil {
		return errdefs.Decode("neighbour.OnUDP", err)
	}

	switch f := frame.(type) {
	case connectRequestFrame:
		return m.handleConnectRequest(ctx, remote, f)
	case connectResponseFrame:
		return m.handleConnectResponse(ctx, remote, f)
	case pingFrame:
		return m.handlePing(ctx, remote, f)
	case pongFrame:
		return m.handlePong(ctx, remote, f)
	case goodbyeFrame:
		return m.handleGoodbye(ctx, remote, f)
	default:
		return errdefs.Decode("neighbour.OnUDP", errUnknownFrame{})
	}
}

func (m *Manager) handleConnectRequest(ctx context.Context, remote nodeid.Addr, f connectRequestFrame) error {
	id, ok := m.byPeer[remote.ID]
	var conn *Connection
	if ok {
		conn = m.byConn[id]
	} else {
		id = m.gen.allocate(Incoming)
		conn = New(id, remote, Incoming, m.session, m.auth)
		m.byConn[id] = conn
		m.byPeer[remote.ID] = id
	}

	resp := conn.OnConnectRequest(time.Now(), f.req)
	m.enqueueControl(remote, encodeConnectResponse(resp))

	if conn.State() == StateConnected {
		m.emit(Event{Kind: EventConnected, Conn: id, Peer: remote.ID, Secure: conn.Secure.Clone()})
	} else {
		log.G(ctx).WithField("peer", remote.ID).WithField("result", conn.HandshakeOutcome()).
			Warn("neighbour: rejected inbound connect request")
	}
	return nil
}

func (m *Manager) handleConnectResponse(ctx context.Context, remote nodeid.Addr, f connectResponseFrame) error {
	id, ok := m.byPeer[remote.ID]
	if !ok {
		return errdefs.Auth("neighbour.handleConnectResponse", errUnknownPeer{})
	}
	conn := m.byConn[id]
	if err := conn.OnConnectResponse(time.Now(), f.resp); err != nil {
		log.G(ctx).WithError(err).WithField("peer", remote.ID).Warn("neighbour: handshake failed")
		m.emit(Event{Kind: EventDisconnected, Conn: id, Peer: remote.ID})
		delete(m.byPeer, remote.ID)
		delete(m.byConn, id)
		return nil
	}
	m.emit(Event{Kind: EventConnected, Conn: id, Peer: remote.ID, Secure: conn.Secure.Clone()})
	return nil
}

func (m *Manager) handlePing(_ context.Context, remote nodeid.Addr, f pingFrame) error {
	id, ok := m.byPeer[remote.ID]
	if !ok {
		return nil
	}
	conn := m.byConn[id]
	conn.Touch(time.Now())
	m.enqueueControl(remote, encodePong(f.nonce))
	return nil
}

func (m *Manager) handlePong(_ context.Context, remote nodeid.Addr, f pongFrame) error {
	id, ok := m.byPeer[remote.ID]
	if !ok {
		return nil
	}
	conn := m.byConn[id]
	now := time.Now()
	rtt := float64(now.Sub(f.sentAt).Milliseconds())
	conn.OnPong(now, rtt)
	m.emit(Event{Kind: EventStats, Conn: id, Peer: remote.ID, RTT: rtt})
	return nil
}

func (m *Manager) handleGoodbye(_ context.Context, remote nodeid.Addr, _ goodbyeFrame) error {
	id, ok := m.byPeer[remote.ID]
	if !ok {
		return nil
	}
	m.byConn[id].Disconnect()
	m.emit(Event{Kind: EventDisconnected, Conn: id, Peer: remote.ID})
	delete(m.byPeer, remote.ID)
	delete(m.byConn, id)
	return nil
}

// Tick drives time-based transitions: handshake retransmission and
// expiry, periodic pings, and idle disconnects. It should be called
// once per controller tick (§4.1 "default ≈ 1 s" cadence is shared
// with the routing sync tick); each call sends one ping per Connected
// link and disconnects links idle longer than IdleTimeout.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for peer, id := range m.byPeer {
		conn := m.byConn[id]
		switch conn.State() {
		case StateConnecting, StateHandshaking:
			retry, expired := conn.ShouldRetryHandshake(now)
			if expired {
				conn.Disconnect()
				m.emit(Event{Kind: EventDisconnected, Conn: id, Peer: peer})
				delete(m.byPeer, peer)
				delete(m.byConn, id)
				continue
			}
			if retry && conn.Direction == Outgoing {
				req, err := encodeRetryRequest(conn)
				if err == nil {
					m.enqueueControl(conn.Addr, req)
				}
			}
		case StateConnected:
			if now.Sub(conn.LastSeen()) > IdleTimeout {
				conn.Disconnect()
				m.emit(Event{Kind: EventDisconnected, Conn: id, Peer: peer})
				delete(m.byPeer, peer)
				delete(m.byConn, id)
				continue
			}
			m.enqueueControl(conn.Addr, encodePing(now))
		}
	}

	_ = ctx
}

// DrainOutbound returns and clears every pending Control(remote,
// bytes) datagram produced since the last call.
func (m *Manager) DrainOutbound() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.outbox
	m.outbox = nil
	return out
}

// DrainEvents returns and clears every pending Event since the last
// call (§4.7: "producing at most one output per poll" is implemented
// one level up by the controller's cooperative switcher; Manager
// itself simply buffers whatever it produced).
func (m *Manager) DrainEvents() []Event {
	events := m.events
	m.events = nil
	return events
}

// ConnFor returns the ConnId of peer's current connection, if any,
// for callers (the controller's feature dispatch) that need to hand
// an inbound message to a per-connection feature state machine such
// as features/routersync without reaching into Manager's own maps.
func (m *Manager) ConnFor(peer nodeid.ID) (ConnId, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPeer[peer]
	return id, ok
}

func (m *Manager) enqueueControl(remote nodeid.Addr, bytes []byte) {
	m.outbox = append(m.outbox, Outbound{Remote: remote, Bytes: bytes})
}

func (m *Manager) emit(e Event) { m.events = append(m.events, e) }

type errUnknownFrame struct{}

func (errUnknownFrame) Error() string { return "neighbour: unknown control frame tag" }

type errUnknownPeer struct{}

func (errUnknownPeer) Error() string { return "neighbour: connect response from unknown peer" }
