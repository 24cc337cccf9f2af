package controlplane

import (
	"time"

	"github.com/meshd/meshd/features/alias"
	"github.com/meshd/meshd/features/data"
	"github.com/meshd/meshd/features/dhtkv"
	"github.com/meshd/meshd/features/pubsub"
	"github.com/meshd/meshd/features/rpc"
	"github.com/meshd/meshd/features/socket"
	"github.com/meshd/meshd/metrics"
)

// The methods in this file are the surface api/controlgrpc's
// Server drives instead of reaching into the feature state
// machines directly: every one of them takes c.mu itself, so they are
// safe to call from any goroutine concurrently with Tick (§4.7).

// RPCEmit issues a one-way Emit through features/rpc.
func (c *Controller) RPCEmit(now time.Time, ctl rpc.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	metrics.RPC.Emitted.Inc()
	c.RPC.OnLocal(now, ctl)
}

// RPCRequest issues a Request and returns the local request id the
// caller must match against a later DrainRPCEvents' EventAnswered.
func (c *Controller) RPCRequest(now time.Time, ctl rpc.Control) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RPC.OnLocal(now, ctl)
}

// RPCRespond answers an inbound Request previously surfaced by
// DrainRPCEvents.
func (c *Controller) RPCRespond(now time.Time, ctl rpc.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RPC.OnLocal(now, ctl)
}

// DrainRPCEvents returns every features/rpc.Event pending delivery to
// a local actor (Received/Answered/TimedOut).
func (c *Controller) DrainRPCEvents() []rpc.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RPC.DrainEvents()
}

// DHTKVGet issues a one-shot Get against m's owner.
func (c *Controller) DHTKVGet(now time.Time, m dhtkv.Map, timeout time.Duration) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	metrics.DHTKV.Gets.Inc()
	return c.DHTKV.OnLocalGet(now, m, timeout)
}

// DHTKVControl applies a Set/Del/Sub/Unsub against m.
func (c *Controller) DHTKVControl(now time.Time, m dhtkv.Map, ctl dhtkv.MapControl) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctl.Kind == dhtkv.MapControlSet {
		metrics.DHTKV.Puts.Inc()
	}
	c.DHTKV.OnLocal(now, m, ctl)
}

// DrainDHTKVEvents returns every pending features/dhtkv.ClientEvent
// (GetResult/MapEvent) for a local actor.
func (c *Controller) DrainDHTKVEvents() []dhtkv.ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DHTKV.DrainEvents()
}

// PubSubControl applies a ChannelControl on actor's behalf.
func (c *Controller) PubSubControl(now time.Time, actor pubsub.Actor, channel pubsub.ChannelID, ctl pubsub.ChannelControl) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctl.Kind == pubsub.ChannelControlPubData {
		metrics.PubSub.Published.Inc()
	}
	c.PubSub.OnLocal(now, actor, channel, ctl)
}

// DrainPubSubEvents returns every pending features/pubsub.LocalEvent
// for every actor; api/controlgrpc fans these out to the right
// subscriber stream by LocalEvent.Actor.
func (c *Controller) DrainPubSubEvents() []pubsub.LocalEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	evs := c.PubSub.DrainEvents()
	for range evs {
		metrics.PubSub.Delivered.Inc()
	}
	return evs
}

// DataControl applies a Control against features/data (Ping/Listen/
// Unlisten/Send) on behalf of a local actor.
func (c *Controller) DataControl(now time.Time, ctl data.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Data.OnLocal(now, ctl)
}

// DrainDataEvents returns every features/data.Event this feature's own
// tick-driven drainDataEvents left unclaimed (every Recv not on
// features/alias's AnnouncePort, plus every Pong) for a local actor to
// read (§4.7's DataListen).
func (c *Controller) DrainDataEvents() []data.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.unclaimedData
	c.unclaimedData = nil
	return out
}

// AliasControl applies a Register/Unregister/Query against
// features/alias on behalf of a local actor.
func (c *Controller) AliasControl(now time.Time, ctl alias.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctl.Kind == alias.ControlQuery {
		metrics.Alias.Queries.Inc()
	}
	for _, dc := range c.Alias.OnLocal(now, ctl) {
		c.Data.OnLocal(now, dc)
	}
}

// DrainAliasEvents returns every pending features/alias.Event
// (QueryResult) for a local actor.
func (c *Controller) DrainAliasEvents() []alias.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	evs := c.Alias.DrainEvents()
	for _, ev := range evs {
		if ev.Found != nil {
			metrics.Alias.Hits.Inc()
		} else {
			metrics.Alias.Misses.Inc()
		}
	}
	return evs
}

// SocketControl applies a Bind/Unbind/SendTo against features/socket
// on behalf of a local actor.
func (c *Controller) SocketControl(ctl socket.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Socket.OnLocal(ctl)
}

// DrainSocketEvents returns every pending features/socket.Event
// (Bound/Recv) for a local actor.
func (c *Controller) DrainSocketEvents() []socket.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Socket.DrainEvents()
}
