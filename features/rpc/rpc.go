// Package rpc implements the +D request/response feature: the "short
// RPC-style messages" spec.md's overview promises but never assigns
// a component letter to. A local actor emits a one-way Event or an
// acknowledged Request/Answer pair against a remote (node, service),
// with a per-request timeout mirroring features/dhtkv's Get pattern
// (§4.4). Grounded on
// original_source/packages/services/rpc/src/rpc_queue.rs and
// packages/integration_tests/src/rpc.rs's RpcMsg/RpcMsgParam
// contract; rpc_reliable's ack/retry sub-protocol is intentionally
// not ported (see DESIGN.md) since this feature only needs to
// demonstrate the request/reply/timeout shape, not a second
// independent reliable-delivery layer.
package rpc

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/nodeid"
)

// FeatureID is this feature's byte tag in the envelope header (§6).
const FeatureID byte = 6

// DefaultTimeout is used when a Request's Control doesn't set one.
const DefaultTimeout = 10 * time.Second

// Control is a local actor's command against this feature.
type Control struct {
	Kind    ControlKind
	Service byte
	Route   envelope.Route
	Cmd     string
	Payload []byte
	Timeout time.Duration // Request only; DefaultTimeout if zero

	// Respond only: addresses the reply back to the original requester.
	ReqID        uint64
	ReplyNode    nodeid.ID
	ReplyService byte
	Err          *string // nil means success
}

type ControlKind int

const (
	ControlEmit ControlKind = iota
	ControlRequest
	ControlRespond
)

// Event is what a local actor observes out of this feature.
type Event struct {
	Kind EventKind

	// Received (both Event and Request bodies) and Answered.
	FromNode    nodeid.ID
	FromService byte
	Cmd         string
	Payload     []byte

	// Received/Request only: the caller must echo these back into a
	// Respond Control to answer this specific request.
	ReqID     uint64
	IsRequest bool

	// Answered/TimedOut only: which locally issued Request this
	// completes.
	LocalReqID uint64
	Err        *string
}

type EventKind int

const (
	EventReceived EventKind = iota
	EventAnswered
	EventTimedOut
)

// Outbound is one wire message this feature wants routed.
type Outbound struct {
	Service byte
	Route   envelope.Route
	Raw     []byte
}

type msgKind byte

const (
	msgEvent msgKind = iota
	msgRequest
	msgAnswer
)

// wireMsg is the gob-encoded envelope payload, mirroring rpc_msg.rs's
// RpcMsg/RpcMsgParam. encoding/gob for the same internal-same-version
// reason as every other feature package.
type wireMsg struct {
	Kind        msgKind
	FromNode    nodeid.ID
	FromService byte
	Cmd         string
	ReqID       uint64
	Payload     []byte
	Err         *string
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

type pendingRequest struct {
	sentAt  time.Time
	timeout time.Duration
}

// Feature owns this node's outstanding locally issued Requests and
// dispatches inbound Event/Request/Answer wire messages. Grounded on
// rpc_queue.rs's RpcQueue, minus its reliable-delivery sub-layer.
type Feature struct {
	self nodeid.ID

	nextReqID uint64
	pending   map[uint64]pendingRequest

	outbound []Outbound
	events   []Event
}

// New constructs a Feature for node self.
func New(self nodeid.ID) *Feature {
	return &Feature{self: self, pending: make(map[uint64]pendingRequest)}
}

// OnLocal applies a local actor's Control. Returns the request id for
// ControlRequest, 0 otherwise.
func (f *Feature) OnLocal(now time.Time, ctl Control) uint64 {
	switch ctl.Kind {
	case ControlEmit:
		f.send(ctl.Service, ctl.Route, wireMsg{Kind: msgEvent, FromNode: f.self, Cmd: ctl.Cmd, Payload: ctl.Payload})
		return 0
	case ControlRequest:
		id := f.nextReqID
		f.nextReqID++
		timeout := ctl.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		f.pending[id] = pendingRequest{sentAt: now, timeout: timeout}
		f.send(ctl.Service, ctl.Route, wireMsg{Kind: msgRequest, FromNode: f.self, Cmd: ctl.Cmd, ReqID: id, Payload: ctl.Payload})
		return id
	case ControlRespond:
		f.send(ctl.ReplyService, envelope.Route{Kind: envelope.RouteToNode, Node: ctl.ReplyNode}, wireMsg{
			Kind: msgAnswer, FromNode: f.self, Cmd: ctl.Cmd, ReqID: ctl.ReqID, Payload: ctl.Payload, Err: ctl.Err,
		})
		return 0
	}
	return 0
}

func (f *Feature) send(service byte, route envelope.Route, msg wireMsg) {
	raw, err := msg.marshal()
	if err != nil {
		return
	}
	f.outbound = append(f.outbound, Outbound{Service: service, Route: route, Raw: raw})
}

// OnRemote applies one decoded wire message arriving from remote.
func (f *Feature) OnRemote(fromService byte, raw []byte) {
	msg, err := unmarshalWire(raw)
	if err != nil {
		return
	}
	switch msg.Kind {
	case msgEvent:
		f.events = append(f.events, Event{Kind: EventReceived, FromNode: msg.FromNode, FromService: fromService, Cmd: msg.Cmd, Payload: msg.Payload})
	case msgRequest:
		f.events = append(f.events, Event{
			Kind: EventReceived, FromNode: msg.FromNode, FromService: fromService, Cmd: msg.Cmd,
			Payload: msg.Payload, ReqID: msg.ReqID, IsRequest: true,
		})
	case msgAnswer:
		if _, ok := f.pending[msg.ReqID]; !ok {
			return
		}
		delete(f.pending, msg.ReqID)
		f.events = append(f.events, Event{Kind: EventAnswered, FromNode: msg.FromNode, FromService: fromService, Cmd: msg.Cmd, LocalReqID: msg.ReqID, Payload: msg.Payload, Err: msg.Err})
	}
}

// Tick expires any Request past its timeout (rpc_queue.rs's
// pop_timeout).
func (f *Feature) Tick(now time.Time) {
	for id, p := range f.pending {
		if now.Sub(p.sentAt) >= p.timeout {
			delete(f.pending, id)
			f.events = append(f.events, Event{Kind: EventTimedOut, LocalReqID: id})
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

// Envelope builds the routed envelope.Envelope carrying raw, tagged
// with service (the envelope header's own Service byte plays the
// addressing role rpc_queue.rs's RpcQueue otherwise needs a dedicated
// field for, see DESIGN.md).
func Envelope(service byte, route envelope.Route, ttl byte, raw []byte) envelope.Envelope {
	return envelope.Envelope{
		Header: envelope.Header{
			Feature: FeatureID,
			Service: service,
			TTL:     ttl,
			Route:   route,
		},
		Payload: raw,
	}
}
