// Package socket implements C6's virtual datagram socket feature: a
// node:port address space layered over the envelope the same way a
// UDP socket layers over IP, so a local actor can bind a port and
// exchange raw datagrams with any (node, port) pair without touching
// the envelope itself. Grounded on
// original_source/packages/services/virtual_socket/src/vnet/internal.rs.
package socket

import (
	"time"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/nodeid"
)

// FeatureID is this feature's byte tag in the envelope header (§6).
const FeatureID byte = 3

// autoPortStart/autoPortEnd mirror internal.rs's `(1..=65535)` pool,
// handed out highest-first when Bind asks for port 0.
const (
	autoPortStart = 65535
	autoPortEnd   = 1
)

// noECN is internal.rs's sentinel meta value (`0b11`) meaning "no ECN
// mark", since the envelope's one meta byte otherwise carries a real
// ECN codepoint (0..=2).
const noECN byte = 0b11

// Addr is a virtual socket address: a node plus the port it has
// bound, the wire analogue of internal.rs's SocketAddrV4(node_id,
// port).
type Addr struct {
	Node nodeid.ID
	Port uint16
}

// Control is a local actor's command against this feature.
type Control struct {
	Kind ControlKind
	Port uint16 // Bind (0 = auto-assign), Unbind, SendTo (source port)
	Dest Addr   // SendTo
	Data []byte // SendTo
	ECN  *byte  // SendTo, nil means "no ECN mark"
}

type ControlKind int

const (
	ControlBind ControlKind = iota
	ControlUnbind
	ControlSendTo
)

// Event is what a local actor observes out of this feature.
type Event struct {
	Kind EventKind
	Port uint16 // Bound (the assigned port), Recv (the local port)
	Src  Addr   // Recv
	Data []byte // Recv
	ECN  *byte  // Recv
}

type EventKind int

const (
	EventBound EventKind = iota
	EventRecv
)

// Outbound is one raw datagram this feature wants sent via the
// envelope, already addressed and stream/meta-encoded.
type Outbound struct {
	Dest nodeid.ID
	Env  envelope.Envelope
}

// Feature owns this node's bound virtual-socket ports. Grounded on
// internal.rs's VirtualNetInternal, minus its connection-sender
// bookkeeping (that lives in this codebase's neighbour/dataplane
// layers already).
type Feature struct {
	self nodeid.ID

	bound        map[uint16]struct{}
	nextAutoPort uint16

	outbound []Outbound
	events   []Event
}

// New constructs a Feature for node self.
func New(self nodeid.ID) *Feature {
	return &Feature{self: self, bound: make(map[uint16]struct{}), nextAutoPort: autoPortStart}
}

// OnLocal applies a local actor's Control.
func (f *Feature) OnLocal(ctl Control) {
	switch ctl.Kind {
	case ControlBind:
		port := ctl.Port
		if port == 0 {
			port = f.allocatePort()
		}
		f.bound[port] = struct{}{}
		f.events = append(f.events, Event{Kind: EventBound, Port: port})
	case ControlUnbind:
		delete(f.bound, ctl.Port)
	case ControlSendTo:
		f.sendTo(ctl.Port, ctl.Dest, ctl.Data, ctl.ECN)
	}
}

// allocatePort hands out the next free port counting down from
// autoPortStart, wrapping once autoPortEnd is passed — a bounded
// linear scan rather than internal.rs's owned pool vector, since this
// feature never needs to enumerate free ports, only find one. Returns
// 0 if every port in the range is already bound.
func (f *Feature) allocatePort() uint16 {
	p := f.nextAutoPort
	for i := 0; i < autoPortStart-autoPortEnd+1; i++ {
		if _, used := f.bound[p]; !used {
			if p == autoPortEnd {
				f.nextAutoPort = autoPortStart
			} else {
				f.nextAutoPort = p - 1
			}
			return p
		}
		if p == autoPortEnd {
			p = autoPortStart
		} else {
			p--
		}
	}
	return 0
}

func (f *Feature) sendTo(from uint16, dest Addr, data []byte, ecn *byte) {
	meta := noECN
	if ecn != nil {
		meta = *ecn
	}
	streamID := uint32(from)<<16 | uint32(dest.Port)
	f.outbound = append(f.outbound, Outbound{
		Dest: dest.Node,
		Env: envelope.Envelope{
			Header: envelope.Header{
				Feature:  FeatureID,
				TTL:      64,
				StreamID: streamID,
				HasFrom:  true,
				FromNode: f.self,
				HasMeta:  true,
				Meta:     meta,
				Route:    envelope.Route{Kind: envelope.RouteToNode, Node: dest.Node},
			},
			Payload: data,
		},
	})
}

// OnRemote applies one decoded envelope arriving from remote whose
// Header.Feature is FeatureID.
func (f *Feature) OnRemote(_ time.Time, h envelope.Header, payload []byte) {
	if !h.HasFrom {
		return
	}
	fromPort := uint16(h.StreamID >> 16)
	destPort := uint16(h.StreamID & 0xFFFF)
	if _, ok := f.bound[destPort]; !ok {
		return
	}
	var ecn *byte
	if h.HasMeta && h.Meta != noECN {
		m := h.Meta
		ecn = &m
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	f.events = append(f.events, Event{Kind: EventRecv, Port: destPort, Src: Addr{Node: h.FromNode, Port: fromPort}, Data: data, ECN: ecn})
}

// DrainOutbound returns and clears every pending outbound datagram.
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
