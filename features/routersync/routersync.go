// Package routersync implements C3: the periodic routing-delta
// exchange feature that rides the forwarder's envelope to keep every
// neighbour's routing.Table/Registry converged. Grounded on
// original_source/packages/network/src/features/router_sync.rs.
package routersync

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/metric"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/neighbour"
	"github.com/meshd/meshd/routing"
)

// FeatureID is this feature's byte tag in the envelope header (§6).
const FeatureID byte = 1

// TickInterval is §4.1's "default ≈ 1 s" sync cadence.
const TickInterval = time.Second

// Wire is the over-the-wire RouterSync message, independent of the
// in-memory routing.Sync type so wire evolution doesn't ripple
// through the routing core.
type Wire struct {
	Services []routing.SyncServiceEntry
	Layers   []routing.LayerEntry
}

// Feature owns one node's outgoing sync scheduling against a shared
// Table/Registry; it does not own them (the controller plane does)
// but is handed references to call into on each tick and on receipt.
type Feature struct {
	table    *routing.Table
	registry *routing.Registry
	lastTick time.Time
}

// New constructs a Feature bound to table/registry.
func New(table *routing.Table, registry *routing.Registry) *Feature {
	return &Feature{table: table, registry: registry}
}

// Outbound is one sync message this feature wants sent to a specific
// connected neighbour.
type Outbound struct {
	Conn nodeid.ID
	Wire Wire
}

// Tick returns the set of outbound sync messages due at now, one per
// currently connected neighbour in peers. Call at least every
// TickInterval.
func (f *Feature) Tick(now time.Time, peers []nodeid.ID) []Outbound {
	if !f.lastTick.IsZero() && now.Sub(f.lastTick) < TickInterval {
		return nil
	}
	f.lastTick = now

	out := make([]Outbound, 0, len(peers))
	for _, peer := range peers {
		out = append(out, Outbound{
			Conn: peer,
			Wire: Wire{
				Services: f.registry.SyncFor(peer),
				Layers:   f.table.BuildSyncFor(peer),
			},
		})
	}
	return out
}

// OnSync applies a received sync from a direct neighbour. isDirect
// must be computed by the caller from the current neighbour.Manager
// state (§4.1: "Sync from a node that is no longer a direct neighbour
// is rejected").
func (f *Feature) OnSync(conn neighbour.ConnId, src nodeid.ID, link metric.Metric, isDirect bool, w Wire) {
	if !isDirect {
		return
	}
	_ = f.table.ApplySync(conn, src, link, w.Layers)
	f.registry.ApplyServiceSync(conn, src, link, w.Services)
}

// Marshal encodes w with encoding/gob. Router sync is an internal,
// same-version control message exchanged only between direct
// neighbours on every tick; gob's reflection-based codec is the
// idiomatic stdlib fit here (no cross-language wire contract to
// satisfy; the DHT/pub-sub payloads that ride the same envelope are
// gob-encoded in their own packages for the same reason).
func (w Wire) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalWire decodes bytes produced by Wire.Marshal.
func UnmarshalWire(b []byte) (Wire, error) {
	var w Wire
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return Wire{}, err
	}
	return w, nil
}

// Envelope builds the routed envelope.Envelope carrying w toward
// dest, with TTL 1 (direct-neighbour-only feature, never forwarded
// further by the data plane).
func Envelope(dest nodeid.ID, streamID uint32, payload []byte) envelope.Envelope {
	return envelope.Envelope{
		Header: envelope.Header{
			Feature:  FeatureID,
			TTL:      1,
			StreamID: streamID,
			Route:    envelope.Route{Kind: envelope.RouteToNode, Node: dest},
		},
		Payload: payload,
	}
}
