// Package neighbour implements the per-peer connection state machine
// (C2) and its manager: handshake-driven establishment, periodic
// liveness, RTT tracking, and graceful shutdown. Grounded on
// original_source/packages/network/src/plane/single_conn.rs and the
// peer-FSM idiom in other_examples' gobgp peer.go.
package neighbour

import (
	"fmt"
	"time"

	"github.com/meshd/meshd/internal/metric"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/internal/secure"
)

// State is one of the five states in §4.2's diagram.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// RetryInterval and MaxHandshakeWait implement §4.2: "Retransmission
// of handshake messages at fixed 500 ms intervals up to 10 s, then
// fail."
const (
	RetryInterval    = 500 * time.Millisecond
	MaxHandshakeWait = 10 * time.Second
	ShutdownGrace    = 2 * time.Second
)

// Connection is one neighbour link's state machine. It is not safe
// for concurrent use; the owning Manager serialises all access to it
// from its single-threaded controller loop (§5).
type Connection struct {
	ID        ConnId
	Peer      nodeid.ID
	Addr      nodeid.Addr
	Direction Direction

	state        State
	handshakeAt  time.Time // when the handshake attempt (Connecting/Handshaking) started
	lastRetry    time.Time
	lastSeen     time.Time
	peerSession  uint64
	localSession uint64

	eph     secure.EphemeralKeyPair
	authKey secure.StaticAuth
	Secure  *secure.Context

	rtt       float64 // EWMA rtt in milliseconds
	rttAlpha  float64
	handshake secure.HandshakeResult
}

const defaultRTTAlpha = 0.2

// New creates a Connection in StateNew. dir is Outgoing for
// connect_to-initiated connections, Incoming for connections learned
// from an unsolicited ConnectRequest.
func New(id ConnId, peer nodeid.Addr, dir Direction, localSession uint64, auth secure.StaticAuth) *Connection {
	return &Connection{
		ID:           id,
		Peer:         peer.ID,
		Addr:         peer,
		Direction:    dir,
		state:        StateNew,
		localSession: localSession,
		authKey:      auth,
		rttAlpha:     defaultRTTAlpha,
	}
}

func (c *Connection) State() State { return c.state }

// RTT returns the current EWMA round-trip estimate in milliseconds.
func (c *Connection) RTT() float64 { return c.rtt }

// LastSeen returns the timestamp of the most recent inbound activity
// (handshake completion, ping/pong, or any data).
func (c *Connection) LastSeen() time.Time { return c.lastSeen }

// StartConnecting transitions New -> Connecting (outgoing side only)
// and generates this side's ephemeral key pair.
func (c *Connection) StartConnecting(now time.Time) (secure.ConnectRequest, error) {
	if c.state != StateNew {
		return secure.ConnectRequest{}, fmt.Errorf("neighbour: StartConnecting from state %s", c.state)
	}
	eph, err := secure.GenerateEphemeral()
	if err != nil {
		return secure.ConnectRequest{}, err
	}
	c.eph = eph
	c.state = StateConnecting
	c.handshakeAt = now
	c.lastRetry = now
	return secure.MakeConnectRequest(c.authKey, c.localSession, eph), nil
}

// ShouldRetryHandshake reports whether, at time now, a retransmit of
// the in-flight handshake message is due, and whether the handshake
// has exceeded MaxHandshakeWait and must fail.
func (c *Connection) ShouldRetryHandshake(now time.Time) (retry bool, expired bool) {
	if c.state != StateConnecting && c.state != StateHandshaking {
		return false, false
	}
	if now.Sub(c.handshakeAt) >= MaxHandshakeWait {
		return false, true
	}
	if now.Sub(c.lastRetry) >= RetryInterval {
		c.lastRetry = now
		return true, false
	}
	return false, false
}

// OnConnectRequest handles an inbound ConnectRequest on the responder
// side (Direction == Incoming), transitioning New -> Handshaking ->
// Connected on success (or -> Disconnected on failure) and producing
// the ConnectResponse to send back. The responder "commits
// first" (§4.2): it generates and binds its own ephemeral key before
// it has seen the initiator accept anything further.
func (c *Connection) OnConnectRequest(now time.Time, req secure.ConnectRequest) secure.ConnectResponse {
	if !secure.VerifyConnectRequest(c.authKey, req) {
		c.state = StateDisconnected
		c.handshake = secure.HandshakeAuthenticationError
		return secure.MakeConnectResponse(c.authKey, req.Session, secure.HandshakeAuthenticationError, secure.EphemeralKeyPair{})
	}

	eph, err := secure.GenerateEphemeral()
	if err != nil {
		c.state = StateDisconnected
		c.handshake = secure.HandshakeDestinationError
		return secure.MakeConnectResponse(c.authKey, req.Session, secure.HandshakeDestinationError, secure.EphemeralKeyPair{})
	}
	c.eph = eph
	c.peerSession = req.Session
	c.state = StateHandshaking
	c.handshakeAt = now

	ctx, err := secure.SharedSecret(eph.Private, req.EphemeralPub, true)
	if err != nil {
		c.state = StateDisconnected
		c.handshake = secure.HandshakeDestinationError
		return secure.MakeConnectResponse(c.authKey, req.Session, secure.HandshakeDestinationError, secure.EphemeralKeyPair{})
	}
	c.Secure = ctx
	c.handshake = secure.HandshakeSuccess
	c.state = StateConnected
	c.lastSeen = now
	return secure.MakeConnectResponse(c.authKey, req.Session, secure.HandshakeSuccess, eph)
}

// OnConnectResponse handles the initiator side's reply, transitioning
// Connecting -> Connected on success or -> Disconnected otherwise,
// preserving all four HandshakeResult outcomes internally per the §9
// Open Question resolution (see DESIGN.md).
func (c *Connection) OnConnectResponse(now time.Time, resp secure.ConnectResponse) error {
	if c.state != StateConnecting {
		return fmt.Errorf("neighbour: OnConnectResponse from state %s", c.state)
	}
	if resp.Result != secure.HandshakeSuccess {
		c.state = StateDisconnected
		c.handshake = resp.Result
		return fmt.Errorf("neighbour: handshake failed: %s", resp.Result)
	}
	if err := secure.VerifyConnectResponse(c.authKey, resp); err != nil {
		c.state = StateDisconnected
		c.handshake = secure.HandshakeAuthenticationError
		return err
	}

	ctx, err := secure.SharedSecret(c.eph.Private, resp.EphemeralPub, false)
	if err != nil {
		c.state = StateDisconnected
		c.handshake = secure.HandshakeDestinationError
		return err
	}
	c.Secure = ctx
	c.peerSession = resp.Session
	c.handshake = secure.HandshakeSuccess
	c.state = StateConnected
	c.lastSeen = now
	return nil
}

// OnPong records a liveness round trip's RTT as a new EWMA sample
// (§4.2: "RTT is an EWMA of the round-trip").
func (c *Connection) OnPong(now time.Time, rttMillis float64) {
	c.lastSeen = now
	if c.rtt == 0 {
		c.rtt = rttMillis
		return
	}
	c.rtt = c.rttAlpha*rttMillis + (1-c.rttAlpha)*c.rtt
}

// Touch records inbound activity without necessarily being a pong
// (any authenticated datagram counts toward liveness).
func (c *Connection) Touch(now time.Time) { c.lastSeen = now }

// Metric returns the link metric to feed into the routing core's
// set_direct (§4.1/§4.2): a single hop of ourself->peer with the
// current RTT estimate.
func (c *Connection) Metric(bandwidth uint32) metric.Metric {
	rtt := uint16(c.rtt)
	if c.rtt > 0xFFFF {
		rtt = 0xFFFF
	}
	return metric.Metric{RTTMillis: rtt, Hops: []nodeid.ID{c.Peer}, Bandwidth: bandwidth}
}

// Disconnect forces a transition to Disconnected regardless of
// current state, used by explicit disconnect() and by idle/shutdown
// handling.
func (c *Connection) Disconnect() {
	c.state = StateDisconnected
}

// HandshakeOutcome exposes the internal four-way result for logging
// and tests (see DESIGN.md's Open Question resolution); the public
// Manager surface still only distinguishes Connected/Disconnected.
func (c *Connection) HandshakeOutcome() secure.HandshakeResult { return c.handshake }
