// Package pubsub implements C5: the channel relay tree feature. A
// ChannelIdentify (uuid, source) has exactly one originating node;
// every other node that wants the data subscribes toward it, forming
// a spanning tree of relays rather than a flood. Grounded on
// original_source/packages/network/src/features/pubsub/{controller.rs,worker.rs}
// and controller/{consumers.rs,feedbacks.rs}.
package pubsub

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/nodeid"
)

// FeatureID is this feature's byte tag in the envelope header (§6).
const FeatureID byte = 5

// RemoteTimeout is how long a downstream subscriber may stay silent
// before its subscription is dropped (§4.5: "remotes expire after
// 10 s silence").
const RemoteTimeout = 10 * time.Second

// ResubInterval is how often an interior/leaf relay re-sends its
// upstream Sub heartbeat (§4.5: "re-subscribe upstream every 5 s").
const ResubInterval = 5 * time.Second

// forwardTTL bounds how many hops a relay control/data message may
// travel before the dataplane drops it, matching features/dhtkv's
// choice for the same reason: these messages are multi-hop, not
// neighbour-local like features/routersync's.
const forwardTTL = 16

// StickyPeriod is the minimum time between two upstream next-hop
// changes a remoteRelay reports: OnRouteHint ignores a different next
// hop seen sooner than this after the last reported one, to avoid
// oscillation (§4.5: "sticky period = 5 min").
const StickyPeriod = 5 * time.Minute

// ChannelID is the uuid half of a ChannelIdentify.
type ChannelID uint32

// RelayID names one spanning tree: the channel plus its source node.
type RelayID struct {
	Channel ChannelID
	Source  nodeid.ID
}

// Actor is an opaque handle for a local subscriber/publisher — the
// id a control surface (e.g. api/controlgrpc) assigns its own stream
// so pubsub can address it as a local fan-out destination without
// depending on that surface's concrete type.
type Actor uint64

// NodeSession pairs a remote node with the session id it presents in
// Sub/Unsub, so a replayed or stale control from the same node but a
// different instance can be told apart — mirrors features/dhtkv's
// NodeSession for the same reason.
type NodeSession struct {
	Node    nodeid.ID
	Session uint64
}

// Feedback is one reverse-channel sample a subscriber reports
// upstream (§4.5 "Feedback aggregation"). A single sample built by
// SimpleFeedback has Count 1 and its value in Sum, Max and Min;
// Count/Sum/Max/Min accumulate as feedbacks from several sources are
// merged by Add.
type Feedback struct {
	Kind       byte
	Count      uint32
	Sum        int64
	Max        int64
	Min        int64
	IntervalMs uint32
	TimeoutMs  uint32
}

// SimpleFeedback builds a single-sample Feedback of kind with value,
// ready to be merged with others of the same kind by Add.
func SimpleFeedback(kind byte, value int64, intervalMs, timeoutMs uint32) Feedback {
	return Feedback{Kind: kind, Count: 1, Sum: value, Max: value, Min: value, IntervalMs: intervalMs, TimeoutMs: timeoutMs}
}

// Add merges another same-kind Feedback into fb: sums accumulate,
// max/min widen, and the stricter (shorter) interval together with
// the looser (longer) timeout win, so a single slow or short-lived
// source never silently mutes the aggregate.
func (fb Feedback) Add(other Feedback) Feedback {
	if fb.Count == 0 {
		return other
	}
	out := fb
	out.Count += other.Count
	out.Sum += other.Sum
	if other.Max > out.Max {
		out.Max = other.Max
	}
	if other.Min < out.Min {
		out.Min = other.Min
	}
	if other.IntervalMs < out.IntervalMs {
		out.IntervalMs = other.IntervalMs
	}
	if other.TimeoutMs > out.TimeoutMs {
		out.TimeoutMs = other.TimeoutMs
	}
	return out
}

// ChannelControl is a local actor's command against one channel
// (§4.5 "Model").
type ChannelControl struct {
	Kind   ChannelControlKind
	Source nodeid.ID // SubSource/UnsubSource
	Data   []byte    // PubData
	FB     Feedback  // Feedback
}

type ChannelControlKind int

const (
	ChannelControlSubSource ChannelControlKind = iota
	ChannelControlUnsubSource
	ChannelControlPubData
	ChannelControlFeedback
)

// ChannelEvent is what a local actor observes out of a channel.
type ChannelEvent struct {
	Kind     ChannelEventKind
	Source   nodeid.ID // SourceData, RouteChanged
	Data     []byte    // SourceData
	Feedback Feedback  // FeedbackAggregated, only at the source
}

type ChannelEventKind int

const (
	ChannelEventSourceData ChannelEventKind = iota
	ChannelEventRouteChanged
	ChannelEventFeedbackAggregated
)

// WireMessage is the gob-encoded payload every pubsub envelope
// carries, for the same internal-same-version reason as
// features/routersync and features/dhtkv.
type WireMessage struct {
	Relay RelayID
	Body  any
}

// relaySub is a Sub/Unsub control travelling the relay tree, carrying
// the sender's session so a reply or a later Unsub can be matched to
// the right instance.
type relaySub struct{ Session uint64 }
type relayUnsub struct{ Session uint64 }
type relaySubOk struct{ Session uint64 }
type relayUnsubOk struct{ Session uint64 }
type relayData struct{ Data []byte }
type relayFeedback struct{ FB Feedback }

func init() {
	gob.Register(relaySub{})
	gob.Register(relayUnsub{})
	gob.Register(relaySubOk{})
	gob.Register(relayUnsubOk{})
	gob.Register(relayData{})
	gob.Register(relayFeedback{})
}

// Marshal gob-encodes m for transport inside an envelope payload.
func (m WireMessage) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalWireMessage decodes bytes produced by WireMessage.Marshal.
func UnmarshalWireMessage(b []byte) (WireMessage, error) {
	var m WireMessage
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return WireMessage{}, err
	}
	return m, nil
}

// Envelope addresses msg toward dest (either the relay's source, when
// subscribing upstream, or a specific downstream remote, when
// replying/forwarding data), routed ToNode like features/dhtkv routes
// ToKey: the dataplane forwarder resolves the actual next hop.
func Envelope(dest nodeid.ID, streamID uint32, payload []byte) envelope.Envelope {
	return envelope.Envelope{
		Header: envelope.Header{
			Feature:  FeatureID,
			TTL:      forwardTTL,
			StreamID: streamID,
			Route:    envelope.Route{Kind: envelope.RouteToNode, Node: dest},
		},
		Payload: payload,
	}
}
