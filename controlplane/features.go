package controlplane

import (
	"context"
	"net/netip"
	"time"

	"github.com/containerd/log"

	"github.com/meshd/meshd/features/alias"
	"github.com/meshd/meshd/features/data"
	"github.com/meshd/meshd/features/dhtkv"
	"github.com/meshd/meshd/features/pubsub"
	"github.com/meshd/meshd/features/rpc"
	"github.com/meshd/meshd/features/routersync"
	"github.com/meshd/meshd/features/socket"
	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/metric"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/metrics"
	"github.com/meshd/meshd/worker"
)

var _ worker.FeatureDispatch = (*Controller)(nil)

// Deliver implements worker.FeatureDispatch: the worker layer has
// already resolved e's route to local delivery (§4.3 step 5) and
// hands the decoded envelope here to fan it out to the owning
// feature state machine by its Header.Feature tag.
func (c *Controller) Deliver(ctx context.Context, e envelope.Envelope, remote netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	peer, knownPeer := c.remoteToPeer[remote]

	switch e.Header.Feature {
	case routersync.FeatureID:
		if !knownPeer {
			return nil
		}
		conn, ok := c.Neighbours.ConnFor(peer)
		if !ok {
			return nil
		}
		w, err := routersync.UnmarshalWire(e.Payload)
		if err != nil {
			return err
		}
		c.RouterSync.OnSync(conn, peer, metric.Metric{}, true, w)
		return nil

	case dhtkv.FeatureID:
		if !knownPeer {
			return nil
		}
		msg, err := dhtkv.UnmarshalWireMessage(e.Payload)
		if err != nil {
			return err
		}
		m := dhtkv.Map(e.Header.Route.Node)
		c.DHTKV.OnRemote(now, m, dhtkv.NodeSession{Node: peer}, msg)
		return nil

	case pubsub.FeatureID:
		if !knownPeer {
			return nil
		}
		msg, err := pubsub.UnmarshalWireMessage(e.Payload)
		if err != nil {
			return err
		}
		c.PubSub.OnRemote(now, peer, msg)
		return nil

	case data.FeatureID:
		if !knownPeer {
			return nil
		}
		metrics.Data.Received.Inc()
		c.Data.OnRemote(now, peer, e.Payload)
		c.drainDataEvents(now)
		return nil

	case socket.FeatureID:
		c.Socket.OnRemote(now, e.Header, e.Payload)
		return nil

	case rpc.FeatureID:
		c.RPC.OnRemote(e.Header.Service, e.Payload)
		return nil

	default:
		log.G(ctx).WithField("feature", e.Header.Feature).Debug("controlplane: no dispatch for feature id")
		return nil
	}
}

// drainDataEvents forwards every features/data.EventRecv arriving on
// the alias announce port to the alias feature, re-feeding whatever
// data.Control sends that produces back into Data (alias has no wire
// presence of its own, see features/alias's package doc). Every other
// data.Event (Pong, any other port's Recv) is buffered onto
// c.unclaimedData for api/controlgrpc's DrainDataEvents to pick up
// (§4.7) rather than dropped.
func (c *Controller) drainDataEvents(now time.Time) {
	for _, ev := range c.Data.DrainEvents() {
		if ev.Kind != data.EventRecv || ev.Port != alias.AnnouncePort {
			c.unclaimedData = append(c.unclaimedData, ev)
			continue
		}
		for _, ctl := range c.Alias.OnRecv(now, ev.Source, ev.Data) {
			c.Data.OnLocal(now, ctl)
		}
	}
}

// tickFeatures drives every controller-hosted feature forward and
// ships whatever outbound wire messages result to their resolved
// remote address via worker.SendEnvelope on the co-located worker 0
// (§4.3: "The controller plane is itself a worker (index 0)").
func (c *Controller) tickFeatures(ctx context.Context, now time.Time) {
	for _, o := range c.RouterSync.Tick(now, c.ConnectedPeers()) {
		raw, err := o.Wire.Marshal()
		if err != nil {
			continue
		}
		c.sendTo(ctx, o.Conn, routersync.Envelope(o.Conn, 0, raw))
	}

	c.DHTKV.Tick(now)
	for _, o := range c.DHTKV.DrainOutbound() {
		raw, err := o.Msg.Marshal()
		if err != nil {
			continue
		}
		owner, _ := c.dhtkvOwner(o.Map)
		c.sendTo(ctx, owner, dhtkv.Envelope(o.Map, 0, raw))
	}

	c.PubSub.Tick(now)
	for _, o := range c.PubSub.DrainOutbound() {
		raw, err := o.Msg.Marshal()
		if err != nil {
			continue
		}
		metrics.PubSub.Relayed.Inc()
		c.sendTo(ctx, o.To, pubsub.Envelope(o.To, 0, raw))
	}

	for _, ctl := range c.Alias.Tick(now) {
		c.Data.OnLocal(now, ctl)
	}
	c.Data.Tick(now)
	c.drainDataEvents(now)
	for _, o := range c.Data.DrainOutbound() {
		metrics.Data.Sent.Inc()
		if o.Route.Kind == envelope.RouteToNode {
			c.sendTo(ctx, o.Route.Node, data.Envelope(o.Route, 64, 0, o.Raw))
		} else {
			c.sendBroadcast(ctx, data.Envelope(o.Route, 64, 0, o.Raw))
		}
	}

	for _, o := range c.Socket.DrainOutbound() {
		c.sendTo(ctx, o.Dest, o.Env)
	}

	c.RPC.Tick(now)
	for _, o := range c.RPC.DrainOutbound() {
		metrics.RPC.Requests.Inc()
		if o.Route.Kind == envelope.RouteToNode {
			c.sendTo(ctx, o.Route.Node, rpc.Envelope(o.Service, o.Route, 64, o.Raw))
		} else {
			c.sendBroadcast(ctx, rpc.Envelope(o.Service, o.Route, 64, o.Raw))
		}
	}
}

// sendTo resolves dest's socket address and publishes a
// worker.SendEnvelope for worker 0 to seal and write.
func (c *Controller) sendTo(ctx context.Context, dest nodeid.ID, env envelope.Envelope) {
	addr, ok := c.book.Resolve(dest)
	if !ok {
		return
	}
	if err := c.bus.PublishWorker(ctx, 0, worker.SendEnvelope{Remote: addr, Envelope: env}); err != nil {
		log.G(ctx).WithError(err).Warn("controlplane: feature send dropped")
	}
}

// sendBroadcast resolves every connected peer's address and publishes
// one worker.SendEnvelope per destination; used for RouteToServices
// sends, whose per-remote fan-out the data plane normally performs on
// forward but which originates locally here (§4.3's broadcast path is
// for forwarding an already-inbound datagram, not for local
// origination, so this wiring mirrors it rather than reusing it
// directly).
func (c *Controller) sendBroadcast(ctx context.Context, env envelope.Envelope) {
	for _, peer := range c.ConnectedPeers() {
		c.sendTo(ctx, peer, env)
	}
}
