package controlgrpc

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/features/alias"
	"github.com/meshd/meshd/features/data"
	"github.com/meshd/meshd/features/dhtkv"
	"github.com/meshd/meshd/features/pubsub"
	"github.com/meshd/meshd/features/rpc"
	"github.com/meshd/meshd/internal/nodeid"
)

// fakeBackend feeds canned events to the pump's Drain* calls instead
// of driving a real controlplane.Controller, the same fake-dependency
// shape features/dhtkv's own tests use for ClientMap in isolation.
type fakeBackend struct {
	self nodeid.ID

	rpcEvents    []rpc.Event
	dhtkvEvents  []dhtkv.ClientEvent
	pubsubEvents []pubsub.LocalEvent
	dataEvents   []data.Event
	aliasEvents  []alias.Event
}

func (b *fakeBackend) Self() nodeid.ID { return b.self }

func (b *fakeBackend) RPCEmit(time.Time, rpc.Control)             {}
func (b *fakeBackend) RPCRequest(time.Time, rpc.Control) uint64   { return 0 }
func (b *fakeBackend) RPCRespond(time.Time, rpc.Control)          {}
func (b *fakeBackend) DrainRPCEvents() []rpc.Event {
	out := b.rpcEvents
	b.rpcEvents = nil
	return out
}

func (b *fakeBackend) DHTKVGet(time.Time, dhtkv.Map, time.Duration) uint32 { return 0 }
func (b *fakeBackend) DHTKVControl(time.Time, dhtkv.Map, dhtkv.MapControl) {}
func (b *fakeBackend) DrainDHTKVEvents() []dhtkv.ClientEvent {
	out := b.dhtkvEvents
	b.dhtkvEvents = nil
	return out
}

func (b *fakeBackend) PubSubControl(time.Time, pubsub.Actor, pubsub.ChannelID, pubsub.ChannelControl) {
}
func (b *fakeBackend) DrainPubSubEvents() []pubsub.LocalEvent {
	out := b.pubsubEvents
	b.pubsubEvents = nil
	return out
}

func (b *fakeBackend) DataControl(time.Time, data.Control) {}
func (b *fakeBackend) DrainDataEvents() []data.Event {
	out := b.dataEvents
	b.dataEvents = nil
	return out
}

func (b *fakeBackend) AliasControl(time.Time, alias.Control) {}
func (b *fakeBackend) DrainAliasEvents() []alias.Event {
	out := b.aliasEvents
	b.aliasEvents = nil
	return out
}

var _ Backend = (*fakeBackend)(nil)

func TestPumpResolvesRPCRequestWait(t *testing.T) {
	b := &fakeBackend{self: nodeid.ID(1)}
	p := newPump(b)

	wait := p.registerRPCWait(7)
	b.rpcEvents = []rpc.Event{{Kind: rpc.EventAnswered, LocalReqID: 7, Payload: []byte("pong")}}
	p.drainRPC()

	select {
	case reply := <-wait:
		assert.DeepEqual(t, reply.Payload, []byte("pong"))
		assert.Assert(t, !reply.TimedOut)
	default:
		t.Fatal("expected a reply on the wait channel")
	}
}

func TestPumpFansOutRPCReceivedToListenFeeds(t *testing.T) {
	b := &fakeBackend{self: nodeid.ID(1)}
	p := newPump(b)

	feed, unregister := p.registerRPCFeed()
	defer unregister()
	b.rpcEvents = []rpc.Event{{Kind: rpc.EventReceived, FromNode: nodeid.ID(2), Cmd: "ping", ReqID: 3, IsRequest: true}}
	p.drainRPC()

	select {
	case ev := <-feed:
		assert.Equal(t, ev.FromNode, nodeid.ID(2))
		assert.Equal(t, ev.Cmd, "ping")
		assert.Assert(t, ev.IsRequest)
	default:
		t.Fatal("expected a received event on the listen feed")
	}
}

func TestPumpResolvesDHTKVGetWait(t *testing.T) {
	b := &fakeBackend{self: nodeid.ID(1)}
	p := newPump(b)

	m := dhtkv.Map(42)
	wait := p.registerGetWait(m, 9)
	b.dhtkvEvents = []dhtkv.ClientEvent{{
		Kind: dhtkv.ClientEventGetResult,
		Map:  m,
		Get:  dhtkv.GetResult{ID: 9, Entries: []dhtkv.Entry{{Sub: 1, Value: []byte("v")}}},
	}}
	p.drainDHTKV()

	select {
	case reply := <-wait:
		assert.Equal(t, len(reply.Entries), 1)
		assert.DeepEqual(t, reply.Entries[0].Value, []byte("v"))
		assert.Equal(t, reply.Err, "")
	default:
		t.Fatal("expected a reply on the get wait channel")
	}
}

func TestPumpRoutesPubSubDataToSubscribedActor(t *testing.T) {
	b := &fakeBackend{self: nodeid.ID(1)}
	p := newPump(b)

	actor := pubsub.Actor(1)
	feed := p.registerPubSubFeed(actor)
	b.pubsubEvents = []pubsub.LocalEvent{{
		Actor: actor,
		Event: pubsub.ChannelEvent{Kind: pubsub.ChannelEventSourceData, Source: nodeid.ID(5), Data: []byte("hi")},
	}}
	p.drainPubSub()

	select {
	case ev := <-feed:
		assert.Equal(t, ev.Source, nodeid.ID(5))
		assert.DeepEqual(t, ev.Data, []byte("hi"))
	default:
		t.Fatal("expected a channel data event")
	}
}

func TestPumpResolvesAliasQueryWait(t *testing.T) {
	b := &fakeBackend{self: nodeid.ID(1)}
	p := newPump(b)

	a := alias.Alias(100)
	wait := p.registerAliasWait(a)
	b.aliasEvents = []alias.Event{{Alias: a, Found: &alias.FoundLocation{Kind: alias.Local, Node: nodeid.ID(1)}}}
	p.drainAlias()

	select {
	case reply := <-wait:
		assert.Assert(t, reply.Found)
		assert.Equal(t, reply.Node, nodeid.ID(1))
	default:
		t.Fatal("expected a query reply")
	}
}

func TestPumpRoutesDataRecvToListenedPort(t *testing.T) {
	b := &fakeBackend{self: nodeid.ID(1)}
	p := newPump(b)

	feed := p.registerDataFeed(42)
	b.dataEvents = []data.Event{{Kind: data.EventRecv, Port: 42, Source: nodeid.ID(3), Data: []byte("x")}}
	p.drainData()

	select {
	case ev := <-feed:
		assert.Equal(t, ev.Port, uint16(42))
		assert.Equal(t, ev.Source, nodeid.ID(3))
	default:
		t.Fatal("expected a recv event")
	}
}
