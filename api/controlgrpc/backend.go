package controlgrpc

import (
	"time"

	"github.com/meshd/meshd/features/alias"
	"github.com/meshd/meshd/features/data"
	"github.com/meshd/meshd/features/dhtkv"
	"github.com/meshd/meshd/features/pubsub"
	"github.com/meshd/meshd/features/rpc"
	"github.com/meshd/meshd/internal/nodeid"
)

// Backend is the narrow slice of controlplane.Controller this service
// drives, mirroring how moby's daemon/cluster wraps swarm's
// manager.Manager behind its own interface instead of handing the API
// layer the concrete node type. controlplane.Controller satisfies this
// directly (see controlplane/api.go); every method takes its own lock,
// so Backend implementations must be safe for concurrent use.
type Backend interface {
	Self() nodeid.ID

	RPCEmit(now time.Time, ctl rpc.Control)
	RPCRequest(now time.Time, ctl rpc.Control) uint64
	RPCRespond(now time.Time, ctl rpc.Control)
	DrainRPCEvents() []rpc.Event

	DHTKVGet(now time.Time, m dhtkv.Map, timeout time.Duration) uint32
	DHTKVControl(now time.Time, m dhtkv.Map, ctl dhtkv.MapControl)
	DrainDHTKVEvents() []dhtkv.ClientEvent

	PubSubControl(now time.Time, actor pubsub.Actor, channel pubsub.ChannelID, ctl pubsub.ChannelControl)
	DrainPubSubEvents() []pubsub.LocalEvent

	DataControl(now time.Time, ctl data.Control)
	DrainDataEvents() []data.Event

	AliasControl(now time.Time, ctl alias.Control)
	DrainAliasEvents() []alias.Event
}
