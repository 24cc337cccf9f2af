// Package controlplane implements C7: the controller plane that hosts
// the feature state machines (routersync, dhtkv, pubsub, and the
// small C6 features) plus the neighbour manager, and that produces
// the routing snapshots shipped to data-plane workers. Grounded on
// original_source/packages/network/src/controller_plane/{features.rs,neighbours.rs}.
package controlplane

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/meshd/meshd/features/alias"
	"github.com/meshd/meshd/features/data"
	"github.com/meshd/meshd/features/dhtkv"
	"github.com/meshd/meshd/features/pubsub"
	"github.com/meshd/meshd/features/rpc"
	"github.com/meshd/meshd/features/routersync"
	"github.com/meshd/meshd/features/socket"
	"github.com/meshd/meshd/internal/bus"
	"github.com/meshd/meshd/internal/metric"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/metrics"
	"github.com/meshd/meshd/neighbour"
	"github.com/meshd/meshd/routing"
	"github.com/meshd/meshd/routing/snapshot"
	"github.com/meshd/meshd/worker"
)

// AddressBook resolves a path's "over" NodeId to the socket address
// to actually send to, backing routing/snapshot.Builder's resolve
// callback with live neighbour-manager state.
type AddressBook interface {
	Resolve(over nodeid.ID) (netip.AddrPort, bool)
}

// Controller is worker index 0 (§4.3: "The controller plane is itself
// a worker (index 0)."). It owns the routing core and the neighbour
// manager and publishes RoutingSnapshot deltas to every data-plane
// worker over the bus.
type Controller struct {
	self nodeid.ID

	// mu guards every field above plus every feature state machine
	// below against concurrent access from Tick (the background
	// driver, §4.1) and from api/controlgrpc's request-handling
	// goroutines (§4.7), mirroring how moby's own
	// daemon/cluster.Cluster guards its swarm node reference with a
	// mutex shared between the API and the cluster's own background
	// reconciliation loop.
	mu sync.Mutex

	Table      *routing.Table
	Registry   *routing.Registry
	Neighbours *neighbour.Manager

	bus    *bus.Bus
	book   AddressBook
	latest *snapshot.Snapshot

	peers        map[nodeid.ID]struct{}
	remoteToPeer map[netip.AddrPort]nodeid.ID

	// unclaimedData holds features/data Recv/Pong events that
	// drainDataEvents didn't consume on the alias feature's behalf,
	// for api/controlgrpc's DataListen to drain (§4.7).
	unclaimedData []data.Event

	// RouterSync, DHTKV, PubSub, Data, Alias, Socket and RPC are the
	// controller-hosted feature state machines (C3-C6, +D, +F); see
	// Deliver and Tick for how inbound/outbound traffic is routed
	// through them.
	RouterSync *routersync.Feature
	DHTKV      *dhtkv.Feature
	PubSub     *pubsub.Feature
	Data       *data.Feature
	Alias      *alias.Feature
	Socket     *socket.Feature
	RPC        *rpc.Feature
}

// New constructs a Controller for node self.
func New(self nodeid.ID, nb *neighbour.Manager, b *bus.Bus, book AddressBook) *Controller {
	c := &Controller{
		self:         self,
		Table:        routing.NewTable(self),
		Registry:     routing.NewRegistry(),
		Neighbours:   nb,
		bus:          b,
		book:         book,
		latest:       snapshot.Empty(),
		peers:        make(map[nodeid.ID]struct{}),
		remoteToPeer: make(map[netip.AddrPort]nodeid.ID),
	}
	c.RouterSync = routersync.New(c.Table, c.Registry)
	c.DHTKV = dhtkv.New(dhtkv.NodeSession{Node: self, Session: neighbour.NewSession()}, c.dhtkvOwner)
	c.PubSub = pubsub.New(self, neighbour.NewSession(), c.nextHop)
	c.Data = data.New(self)
	c.Alias = alias.New(self)
	c.Socket = socket.New(self)
	c.RPC = rpc.New(self)
	return c
}

// dhtkvOwner resolves the routing-derived owner of a DHT Map by
// treating its 32-bit key as a pseudo NodeId and asking the table for
// the nearest known real node toward it (§4.4), the same ToKey idea
// the data plane's own RouteToKey branch applies when forwarding.
func (c *Controller) dhtkvOwner(m dhtkv.Map) (nodeid.ID, bool) {
	p := c.Table.Best(nodeid.ID(m))
	if p == nil {
		return c.self, true
	}
	return p.Over, true
}

// nextHop resolves the routing-derived next hop toward dest, feeding
// features/pubsub's remoteRelay.OnRouteHint every tick (§4.5).
func (c *Controller) nextHop(dest nodeid.ID) (nodeid.ID, bool) {
	p := c.Table.Best(dest)
	if p == nil {
		return nodeid.ID(0), false
	}
	return p.Over, true
}

// Self returns this controller's own NodeId, for api/controlgrpc's
// Backend to address features/pubsub's local-origination Subscribe
// case without reaching into an unexported field.
func (c *Controller) Self() nodeid.ID { return c.self }

// ConnectedPeers returns the NodeIds of every currently Connected
// neighbour, tracked purely off neighbour.Manager's Connected/
// Disconnected events (§5: no reaching into its internals).
func (c *Controller) ConnectedPeers() []nodeid.ID {
	out := make([]nodeid.ID, 0, len(c.peers))
	for p := range c.peers {
		out = append(out, p)
	}
	return out
}

// directMetric is the §4.1 metric of a single direct hop: zero extra
// hops beyond the neighbour itself, RTT as last measured by the link
// layer. Bandwidth is left at its zero value until a bandwidth probe
// feature is wired in (Non-goal per spec.md: "bandwidth measurement").
func directMetric(peer nodeid.ID, rttMillis float64) metric.Metric {
	rtt := rttMillis
	if rtt < 0 {
		rtt = 0
	}
	if rtt > 0xFFFF {
		rtt = 0xFFFF
	}
	return metric.Metric{RTTMillis: uint16(rtt), Hops: []nodeid.ID{peer}}
}

// Tick drains neighbour events, applies resulting routing deltas,
// drives the neighbour manager's own timers, and republishes a fresh
// snapshot to every worker if anything changed. Call this once per
// controller tick (§4.1 "default ≈ 1 s").
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	defer func(start time.Time) { metrics.ObserveTick("controller", time.Since(start)) }(now)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Neighbours.Tick(ctx, now)
	connChanged := c.drainNeighbourEvents(ctx)
	destDeltas, svcDeltas := c.Table.DrainDeltas(), c.Registry.DrainDeltas()
	if connChanged || len(destDeltas) > 0 || len(svcDeltas) > 0 {
		c.applyAndPublish(ctx, destDeltas, svcDeltas)
	}
	c.tickFeatures(ctx, now)
	metrics.Neighbours.Connected.Set(float64(len(c.peers)))
	metrics.Routing.Deltas.Inc(float64(len(destDeltas) + len(svcDeltas)))
}

func (c *Controller) drainNeighbourEvents(ctx context.Context) bool {
	events := c.Neighbours.DrainEvents()
	changed := false
	for _, ev := range events {
		switch ev.Kind {
		case neighbour.EventConnected:
			c.peers[ev.Peer] = struct{}{}
			c.Table.SetPath(ev.Peer, ev.Conn, ev.Peer, directMetric(ev.Peer, 0))
			if addr, ok := c.book.Resolve(ev.Peer); ok {
				c.remoteToPeer[addr] = ev.Peer
				if err := c.bus.PublishWorkers(ctx, worker.PinRemote{Remote: addr, Peer: ev.Peer, Secure: ev.Secure}); err != nil {
					log.G(ctx).WithError(err).Warn("controlplane: pin publish dropped")
				}
			}
			changed = true
		case neighbour.EventDisconnected:
			delete(c.peers, ev.Peer)
			c.Table.DelDirect(ev.Conn)
			c.Registry.DelDirect(ev.Conn)
			c.PubSub.ConnDisconnected(ev.Peer)
			metrics.Neighbours.Flaps.Inc()
			if addr, ok := c.book.Resolve(ev.Peer); ok {
				delete(c.remoteToPeer, addr)
				if err := c.bus.PublishWorkers(ctx, worker.UnpinRemote{Remote: addr}); err != nil {
					log.G(ctx).WithError(err).Warn("controlplane: unpin publish dropped")
				}
			}
			changed = true
		case neighbour.EventStats:
			c.Table.SetPath(ev.Peer, ev.Conn, ev.Peer, directMetric(ev.Peer, ev.RTT))
			changed = true
		}
	}
	return changed
}

// applyAndPublish folds the drained deltas into a fresh snapshot
// derived from the previous one and ships it to every data-plane
// worker over the bus (§3/§5 copy-on-write delivery).
func (c *Controller) applyAndPublish(ctx context.Context, destDeltas []routing.Delta, svcDeltas []routing.ServiceDelta) {
	b := snapshot.NewBuilder(c.latest, c.book.Resolve)
	for _, d := range destDeltas {
		b.ApplyDest(d)
	}
	for _, d := range svcDeltas {
		b.ApplyService(d, c.Registry.Remotes(d.Service))
	}
	c.latest = b.Build()

	if err := c.bus.PublishWorkers(ctx, worker.SnapshotDelta{Snapshot: c.latest}); err != nil {
		log.G(ctx).WithError(err).Warn("controlplane: snapshot publish dropped")
	}
}
