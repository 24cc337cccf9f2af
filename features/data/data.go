// Package data implements C6's data-transfer feature: a node-to-node
// Ping/Pong liveness probe plus a virtual-port datagram send/receive
// surface every other small feature (alias announce, rpc) rides on
// top of instead of dealing with the envelope directly. Grounded on
// original_source/packages/network/src/features/data.rs.
package data

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/nodeid"
)

// FeatureID is this feature's byte tag in the envelope header (§6).
const FeatureID byte = 2

// PingTimeout is how long a Ping waits for its Pong before the
// feature reports it as unanswered (data.rs: "now >= sent_ms +
// 2000").
const PingTimeout = 2 * time.Second

// Port names a virtual datagram destination a local actor can listen
// on, independent of the envelope's own feature/service addressing —
// several small features (alias announce, rpc) share this one
// feature's wire presence by each claiming their own port.
type Port uint16

// Control is a local actor's command against this feature.
type Control struct {
	Kind  ControlKind
	Dest  nodeid.ID // Ping
	Port  Port      // Listen, Unlisten, Send
	Route envelope.Route
	Data  []byte
}

type ControlKind int

const (
	ControlPing ControlKind = iota
	ControlListen
	ControlUnlisten
	ControlSend
)

// Event is what a local actor observes out of this feature.
type Event struct {
	Kind     EventKind
	Dest     nodeid.ID     // Pong
	RTT      time.Duration // Pong, zero if unanswered
	Answered bool          // Pong
	Port     Port          // Recv
	Source   nodeid.ID     // Recv
	Data     []byte        // Recv
}

type EventKind int

const (
	EventPong EventKind = iota
	EventRecv
)

// wireMsg is the gob-encoded envelope payload for this feature,
// carrying either a liveness probe or a port-addressed datagram.
// encoding/gob for the same internal-same-version reason as
// features/routersync and every other feature package.
type wireMsg struct{ Body any }

type pingMsg struct {
	ID   uint64
	TS   int64
	From nodeid.ID
}
type pongMsg struct {
	ID uint64
	TS int64
}
type dataMsg struct {
	Port Port
	Data []byte
}

func init() {
	gob.Register(pingMsg{})
	gob.Register(pongMsg{})
	gob.Register(dataMsg{})
}

func (m wireMsg) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalWire(b []byte) (wireMsg, error) {
	var m wireMsg
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return wireMsg{}, err
	}
	return m, nil
}

type pendingPing struct {
	sentAt time.Time
	dest   nodeid.ID
}

// Outbound is one wire message this feature wants routed per Route.
type Outbound struct {
	Route envelope.Route
	Raw   []byte
}

// Feature owns in-flight pings and the local port registry. Grounded
// on data.rs's DataFeature.
type Feature struct {
	self nodeid.ID

	waits   map[uint64]pendingPing
	pingSeq uint64

	listeners map[Port]struct{}

	outbound []Outbound
	events   []Event
}

// New constructs a Feature for node self.
func New(self nodeid.ID) *Feature {
	return &Feature{
		self:      self,
		waits:     make(map[uint64]pendingPing),
		listeners: make(map[Port]struct{}),
	}
}

// OnLocal applies a local actor's Control.
func (f *Feature) OnLocal(now time.Time, ctl Control) {
	switch ctl.Kind {
	case ControlPing:
		id := f.pingSeq
		f.pingSeq++
		f.waits[id] = pendingPing{sentAt: now, dest: ctl.Dest}
		f.send(envelope.Route{Kind: envelope.RouteToNode, Node: ctl.Dest}, wireMsg{Body: pingMsg{ID: id, TS: now.UnixNano(), From: f.self}})
	case ControlListen:
		f.listeners[ctl.Port] = struct{}{}
	case ControlUnlisten:
		delete(f.listeners, ctl.Port)
	case ControlSend:
		f.send(ctl.Route, wireMsg{Body: dataMsg{Port: ctl.Port, Data: ctl.Data}})
	}
}

func (f *Feature) send(route envelope.Route, msg wireMsg) {
	raw, err := msg.marshal()
	if err != nil {
		return
	}
	f.outbound = append(f.outbound, Outbound{Route: route, Raw: raw})
}

// OnRemote applies one decoded wire message arriving from remote.
func (f *Feature) OnRemote(now time.Time, remote nodeid.ID, raw []byte) {
	msg, err := unmarshalWire(raw)
	if err != nil {
		return
	}
	switch body := msg.Body.(type) {
	case pingMsg:
		f.send(envelope.Route{Kind: envelope.RouteToNode, Node: body.From}, wireMsg{Body: pongMsg{ID: body.ID, TS: body.TS}})
	case pongMsg:
		p, ok := f.waits[body.ID]
		if !ok {
			return
		}
		delete(f.waits, body.ID)
		f.events = append(f.events, Event{Kind: EventPong, Dest: p.dest, RTT: time.Duration(now.UnixNano()-body.TS) * time.Nanosecond, Answered: true})
	case dataMsg:
		if _, ok := f.listeners[body.Port]; ok {
			f.events = append(f.events, Event{Kind: EventRecv, Port: body.Port, Source: remote, Data: body.Data})
		}
	}
}

// Tick expires pings that have gone unanswered past PingTimeout
// (data.rs: "clean timeout ping").
func (f *Feature) Tick(now time.Time) {
	for id, p := range f.waits {
		if now.Sub(p.sentAt) >= PingTimeout {
			delete(f.waits, id)
			f.events = append(f.events, Event{Kind: EventPong, Dest: p.dest, Answered: false})
		}
	}
}

// DrainOutbound returns and clears every pending wire message.
func (f *Feature) DrainOutbound() []Outbound {
	out := f.outbound
	f.outbound = nil
	return out
}

// DrainEvents returns and clears every pending local event.
func (f *Feature) DrainEvents() []Event {
	out := f.events
	f.events = nil
	return out
}

// Envelope builds the routed envelope.Envelope carrying raw.
func Envelope(route envelope.Route, ttl byte, streamID uint32, raw []byte) envelope.Envelope {
	return envelope.Envelope{
		Header: envelope.Header{
			Feature:  FeatureID,
			TTL:      ttl,
			StreamID: streamID,
			Route:    route,
		},
		Payload: raw,
	}
}
