// Package dhtkv implements C4: the DHT-backed, multi-subkey key-value
// feature. Each Map's home is the node the routing core resolves as
// `ToKey(map)` (closest match); the home node runs the server state
// machine in server.go, while every node may also run client state
// (client.go) against Maps it does not own. Grounded on
// original_source/packages/network/src/features/dht_kv/{mod.rs,server/map.rs}.
package dhtkv

import (
	"time"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/nodeid"
)

// FeatureID is this feature's byte tag in the envelope header (§6).
const FeatureID byte = 4

// ResendInterval is §4.4's "retried at 200 ms until individually
// ack'd".
const ResendInterval = 200 * time.Millisecond

// SubTimeout is §4.4's "a subscriber times out after 10 s without
// heartbeat".
const SubTimeout = 10 * time.Second

// forwardTTL bounds how many times a ToKey-routed DHT message may be
// relayed before the data plane drops it (§4.3 "TTL expired").
const forwardTTL = 16

// Map is the 32-bit key identifying one DHT map, routed via ToKey.
type Map uint32

// SubKey is a sub-entry key inside a Map.
type SubKey uint32

// Version is the per-subkey monotonic version used for last-writer
// CAS semantics.
type Version uint64

// NodeSession identifies a distinct client instance: the (NodeId,
// process session) pair used as the locker/subscriber identity so a
// restarted process cannot be confused with its earlier self (§3
// "Session").
type NodeSession struct {
	Node    nodeid.ID
	Session uint64
}

// GetError is the failure reason a pending Get resolves to.
type GetError int

const (
	GetErrorTimeout GetError = iota
	GetErrorNotFound
)

func (e GetError) String() string {
	switch e {
	case GetErrorTimeout:
		return "timeout"
	case GetErrorNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// MapControl is a local actor's command against one Map (§4.4).
type MapControl struct {
	Kind  MapControlKind
	Sub   SubKey
	Value []byte
}

type MapControlKind int

const (
	MapControlSet MapControlKind = iota
	MapControlDel
	MapControlSub
	MapControlUnsub
)

// IsCreator mirrors the original's `MapControl::is_creator`: Set and
// Sub are the two commands that may bring a slot/subscription into
// existence on the home node.
func (c MapControl) IsCreator() bool {
	return c.Kind == MapControlSet || c.Kind == MapControlSub
}

// MapEvent is what a subscriber, local or remote, learns about one
// sub-key change.
type MapEvent struct {
	Kind       MapEventKind
	Sub        SubKey
	Version    Version
	Source     NodeSession
	Value      []byte
	RelayOwner nodeid.ID
}

type MapEventKind int

const (
	MapEventOnSet MapEventKind = iota
	MapEventOnDel
	MapEventOnRelaySelected
)

// Entry is one dumped sub-key snapshot, returned by Get.
type Entry struct {
	Sub     SubKey
	Version Version
	Locker  NodeSession
	Value   []byte
}

// Envelope builds the routed envelope carrying a wire-encoded DHT
// message toward the owner of m (§4.4: "Clients send ... commands
// routed ToKey(map)"). Every DHT envelope is marked secure per §4.4's
// "All DHT messages are marked secure."
func Envelope(m Map, streamID uint32, payload []byte) envelope.Envelope {
	return envelope.Envelope{
		Header: envelope.Header{
			Feature:  FeatureID,
			TTL:      forwardTTL,
			StreamID: streamID,
			Secure:   true,
			Route:    envelope.Route{Kind: envelope.RouteToKey, Node: nodeid.ID(m)},
		},
		Payload: payload,
	}
}
