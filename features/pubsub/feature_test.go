package pubsub

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/nodeid"
)

func noRoute(nodeid.ID) (nodeid.ID, bool) { return 0, false }

func TestFeatureLocalSubFansOutPublishedData(t *testing.T) {
	self := nodeid.ID(1)
	f := New(self, 1, noRoute)
	now := time.Now()
	channel := ChannelID(7)

	f.OnLocal(now, Actor(1), channel, ChannelControl{Kind: ChannelControlSubSource, Source: self})
	f.DrainOutbound()
	f.DrainEvents()

	f.OnLocal(now, Actor(99), channel, ChannelControl{Kind: ChannelControlPubData, Data: []byte("hi")})
	events := f.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Actor, Actor(1))
	assert.Equal(t, string(events[0].Event.Data), "hi")
	assert.Equal(t, events[0].Event.Source, self)
}

func TestFeatureRemoteSubGetsForwardedDataOverWire(t *testing.T) {
	self := nodeid.ID(1)
	f := New(self, 1, noRoute)
	now := time.Now()
	channel := ChannelID(7)
	child := nodeid.ID(2)

	f.OnRemote(now, child, WireMessage{Relay: RelayID{Channel: channel, Source: self}, Body: relaySub{Session: 5}})
	out := f.DrainOutbound()
	assert.Equal(t, len(out), 1)
	assert.DeepEqual(t, out[0].Msg.Body, relaySubOk{Session: 5})

	f.OnLocal(now, Actor(99), channel, ChannelControl{Kind: ChannelControlPubData, Data: []byte("hi")})
	out = f.DrainOutbound()
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].To, child)

	raw, err := out[0].Msg.Marshal()
	assert.NilError(t, err)
	decoded, err := UnmarshalWireMessage(raw)
	assert.NilError(t, err)
	assert.DeepEqual(t, decoded.Body, relayData{Data: []byte("hi")})
}

func TestFeatureInteriorHopForwardsDataDownstream(t *testing.T) {
	self := nodeid.ID(2)
	source := nodeid.ID(1)
	f := New(self, 9, noRoute)
	now := time.Now()
	channel := ChannelID(3)
	child := nodeid.ID(3)

	// A local waiter at the interior hop triggers an upstream Sub.
	f.OnLocal(now, Actor(1), channel, ChannelControl{Kind: ChannelControlSubSource, Source: source})
	up := f.DrainOutbound()
	assert.Equal(t, len(up), 1)
	assert.Equal(t, up[0].To, source)

	// A downstream child also subscribes through us.
	f.OnRemote(now, child, WireMessage{Relay: RelayID{Channel: channel, Source: source}, Body: relaySub{Session: 1}})
	f.DrainOutbound()

	// Data arrives from upstream (source) and must reach both the
	// local actor and the downstream child.
	f.OnRemote(now, source, WireMessage{Relay: RelayID{Channel: channel, Source: source}, Body: relayData{Data: []byte("x")}})
	events := f.DrainEvents()
	out := f.DrainOutbound()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Event.Source, source)
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].To, child)
}

func TestFeatureFeedbackAggregatesAtSourceAndForwardsOtherwise(t *testing.T) {
	self := nodeid.ID(1) // this node is the channel's source
	f := New(self, 1, noRoute)
	now := time.Now()
	channel := ChannelID(4)

	f.OnLocal(now, Actor(1), channel, ChannelControl{Kind: ChannelControlFeedback, Source: self, FB: SimpleFeedback(0, 5, 1000, 2000)})
	events := f.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Event.Kind, ChannelEventFeedbackAggregated)
	assert.Equal(t, events[0].Event.Feedback.Sum, int64(5))

	// At any other node the aggregate is forwarded one hop toward the source.
	hop := New(nodeid.ID(2), 1, noRoute)
	hop.OnLocal(now, Actor(1), channel, ChannelControl{Kind: ChannelControlFeedback, Source: self, FB: SimpleFeedback(0, 5, 1000, 2000)})
	assert.Equal(t, len(hop.DrainEvents()), 0)
	out := hop.DrainOutbound()
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].To, self)
	assert.DeepEqual(t, out[0].Msg.Body, relayFeedback{FB: SimpleFeedback(0, 5, 1000, 2000)})
}
