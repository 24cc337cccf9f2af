// Package dataplane implements C8: the single-threaded SANS-I/O
// forwarder loop that parses UDP datagrams, dispatches to features,
// and applies the routing snapshot to forward or deliver messages.
// Grounded on original_source/packages/network/src/data_plane.rs and
// data_plane/features.rs.
package dataplane

import (
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/errdefs"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/internal/secure"
	"github.com/meshd/meshd/routing/snapshot"
)

// HistoryCapacity bounds the ShadowRouterHistory dedup LRU (§4.3:
// "Deduplicate by (source, service, seq) via a bounded LRU (the
// ShadowRouterHistory)").
const HistoryCapacity = 4096

type historyKey struct {
	Source  nodeid.ID
	Service byte
	Seq     uint16
}

// ShadowRouterHistory is the broadcast-dedup LRU of §4.3, backed by
// hashicorp/golang-lru/v2 exactly as named in the spec text.
type ShadowRouterHistory struct {
	seen *lru.Cache[historyKey, struct{}]
}

// NewShadowRouterHistory constructs a history with the default
// capacity.
func NewShadowRouterHistory() *ShadowRouterHistory {
	c, _ := lru.New[historyKey, struct{}](HistoryCapacity)
	return &ShadowRouterHistory{seen: c}
}

// SeenBefore reports whether (source, service, seq) was already
// delivered, marking it seen as a side effect if not.
func (h *ShadowRouterHistory) SeenBefore(source nodeid.ID, service byte, seq uint16) bool {
	key := historyKey{Source: source, Service: service, Seq: seq}
	if h.seen.Contains(key) {
		return true
	}
	h.seen.Add(key, struct{}{})
	return false
}

// PinEntry is one pinned inbound connection: the remote socket
// address the worker has associated with a ConnId (via the bus
// "Pin" message, §4.3 step 2) and its sealed-channel context.
type PinEntry struct {
	ConnID nodeid.ID // the peer's NodeId, used as the pin key in this implementation
	Remote netip.AddrPort
	Secure *secure.Context
}

// Forwarder is one data-plane worker's packet-processing loop state.
// It is deliberately not safe for concurrent use: §5 requires each
// worker to be single-threaded, suspending only at its own event-loop
// boundary.
type Forwarder struct {
	self     nodeid.ID
	snapshot *snapshot.Snapshot
	history  *ShadowRouterHistory

	pinByRemote map[netip.AddrPort]*PinEntry
}

// NewForwarder constructs a Forwarder for node self.
func NewForwarder(self nodeid.ID) *Forwarder {
	return &Forwarder{
		self:        self,
		snapshot:    snapshot.Empty(),
		history:     NewShadowRouterHistory(),
		pinByRemote: make(map[netip.AddrPort]*PinEntry),
	}
}

// ApplySnapshot installs a new routing snapshot, replacing the old
// one atomically (§3/§5: copy-on-write delivery from the controller).
func (f *Forwarder) ApplySnapshot(s *snapshot.Snapshot) { f.snapshot = s }

// Pin registers remote as reachable via the given pinned secure
// context, per the bus "Pin" message in §4.3 step 2.
func (f *Forwarder) Pin(remote netip.AddrPort, connNode nodeid.ID, sc *secure.Context) {
	f.pinByRemote[remote] = &PinEntry{ConnID: connNode, Remote: remote, Secure: sc}
}

// Unpin removes a previously pinned remote, e.g. on Disconnected.
func (f *Forwarder) Unpin(remote netip.AddrPort) { delete(f.pinByRemote, remote) }

// PinnedFor returns the pin entry for remote, if any, so the worker
// layer can seal an outbound datagram with the right SecureContext.
func (f *Forwarder) PinnedFor(remote netip.AddrPort) (*PinEntry, bool) {
	p, ok := f.pinByRemote[remote]
	return p, ok
}

// Outcome is what the forwarder decided to do with one inbound
// datagram.
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeToController   // neighbour-control frame, forward unchanged to controller via bus
	OutcomeLocalDeliver   // deliver payload to a local feature worker
	OutcomeForward        // re-emit sealed to Next.Remote
	OutcomeBroadcast       // deliver locally (maybe) and copy to each remote
)

// Decision is the result of processing one inbound datagram.
type Decision struct {
	Outcome    Outcome
	RawControl []byte // set for OutcomeToController: the untouched raw bytes
	Envelope   envelope.Envelope
	Forward    netip.AddrPort   // set for OutcomeForward
	Broadcast  []netip.AddrPort // set for OutcomeBroadcast
	DeliverLocally bool
}

// OnInbound implements §4.3's per-datagram pipeline steps 1-5 for one
// UDP datagram arriving from remote.
func (f *Forwarder) OnInbound(remote netip.AddrPort, raw []byte) (Decision, error) {
	if envelope.IsNeighbourControl(raw) {
		return Decision{Outcome: OutcomeToController, RawControl: raw}, nil
	}

	pin, ok := f.pinByRemote[remote]
	if !ok {
		return Decision{Outcome: OutcomeDropped}, errdefs.Decode("dataplane.OnInbound", errUnknownRemote{})
	}

	header, err := envelope.Decode(raw)
	if err != nil {
		return Decision{Outcome: OutcomeDropped}, err
	}

	plaintext := header.Payload
	if header.Header.Secure {
		opened, err := pin.Secure.Open(header.Payload, envelope.HeaderBytes(header.Header))
		if err != nil {
			return Decision{Outcome: OutcomeDropped}, err
		}
		plaintext = opened
	}
	header.Payload = plaintext

	return f.route(header)
}

// route applies the routing snapshot to header.Route (§4.3 step 5).
func (f *Forwarder) route(e envelope.Envelope) (Decision, error) {
	h := e.Header
	if h.TTL == 0 {
		return Decision{Outcome: OutcomeDropped}, errdefs.Routing("dataplane.route", errTTLExpired{})
	}

	switch h.Route.Kind {
	case envelope.RouteDirect:
		return Decision{Outcome: OutcomeLocalDeliver, Envelope: e, DeliverLocally: true}, nil

	case envelope.RouteToNode:
		if h.Route.Node == f.self {
			return Decision{Outcome: OutcomeLocalDeliver, Envelope: e, DeliverLocally: true}, nil
		}
		dest, ok := f.snapshot.Lookup(h.Route.Node)
		if !ok {
			return Decision{Outcome: OutcomeDropped}, errdefs.Routing("dataplane.route", errNoRoute{})
		}
		e.Header.TTL--
		return Decision{Outcome: OutcomeForward, Envelope: e, Forward: dest.Remote}, nil

	case envelope.RouteToKey:
		dest, ok := f.snapshot.Lookup(h.Route.Node)
		if !ok {
			return Decision{Outcome: OutcomeLocalDeliver, Envelope: e, DeliverLocally: true}, nil
		}
		e.Header.TTL--
		return Decision{Outcome: OutcomeForward, Envelope: e, Forward: dest.Remote}, nil

	case envelope.RouteToService:
		svc, ok := f.snapshot.Service(h.Route.Service)
		if !ok {
			return Decision{Outcome: OutcomeDropped}, errdefs.Routing("dataplane.route", errNoRoute{})
		}
		if svc.Local {
			return Decision{Outcome: OutcomeLocalDeliver, Envelope: e, DeliverLocally: true}, nil
		}
		if len(svc.Remotes) == 0 {
			return Decision{Outcome: OutcomeDropped}, errdefs.Routing("dataplane.route", errNoRoute{})
		}
		e.Header.TTL--
		return Decision{Outcome: OutcomeForward, Envelope: e, Forward: svc.Remotes[0].Remote}, nil

	case envelope.RouteToServices:
		return f.routeBroadcast(e)

	default:
		return Decision{Outcome: OutcomeDropped}, errdefs.Routing("dataplane.route", errUnknownRouteKind{})
	}
}

func (f *Forwarder) routeBroadcast(e envelope.Envelope) (Decision, error) {
	h := e.Header
	source := h.FromNode
	if h.HasFrom && f.history.SeenBefore(source, h.Route.Service, h.Route.Seq) {
		return Decision{Outcome: OutcomeDropped}, nil
	}

	svc, ok := f.snapshot.Service(h.Route.Service)
	if !ok {
		return Decision{Outcome: OutcomeDropped}, errdefs.Routing("dataplane.routeBroadcast", errNoRoute{})
	}
	if h.TTL > 0 {
		e.Header.TTL--
	}

	remotes := make([]netip.AddrPort, 0, len(svc.Remotes))
	for _, r := range svc.Remotes {
		remotes = append(remotes, r.Remote)
	}
	return Decision{
		Outcome:        OutcomeBroadcast,
		Envelope:       e,
		Broadcast:      remotes,
		DeliverLocally: svc.Local,
	}, nil
}

type errUnknownRemote struct{}

func (errUnknownRemote) Error() string { return "dataplane: datagram from unpinned remote" }

type errTTLExpired struct{}

func (errTTLExpired) Error() string { return "dataplane: ttl expired" }

type errNoRoute struct{}

func (errNoRoute) Error() string { return "dataplane: no route for rule" }

type errUnknownRouteKind struct{}

func (errUnknownRouteKind) Error() string { return "dataplane: unknown route kind" }
