package pubsub

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/nodeid"
)

func TestRemoteRelaySubscribesUpstreamOnFirstLocalWaiter(t *testing.T) {
	source := nodeid.ID(1)
	r := newRemoteRelay(source, 42)
	now := time.Now()

	r.onLocalSub(now, Actor(1))
	out := r.drainWire()
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].To, source)
	assert.DeepEqual(t, out[0].Body, relaySub{Session: 42})

	r.onTick(now.Add(ResubInterval + time.Second))
	out = r.drainWire()
	assert.Equal(t, len(out), 1) // heartbeat resend
	assert.DeepEqual(t, out[0].Body, relaySub{Session: 42})
}

func TestRemoteRelayUnsubscribesWhenLastWaiterLeaves(t *testing.T) {
	source := nodeid.ID(1)
	r := newRemoteRelay(source, 42)
	now := time.Now()

	r.onLocalSub(now, Actor(1))
	r.drainWire()

	r.onLocalUnsub(now, Actor(1))
	out := r.drainWire()
	assert.Equal(t, len(out), 1)
	assert.DeepEqual(t, out[0].Body, relayUnsub{Session: 42})
	assert.Assert(t, r.shouldClear())
}

func TestRemoteRelayRouteHintIsStickyWithinWindow(t *testing.T) {
	r := newRemoteRelay(nodeid.ID(1), 1)
	now := time.Now()

	r.OnRouteHint(now, nodeid.ID(2))
	events := r.drainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Kind, ChannelEventRouteChanged)

	// A flap back and forth within StickyPeriod is absorbed.
	r.OnRouteHint(now.Add(time.Minute), nodeid.ID(3))
	assert.Equal(t, len(r.drainEvents()), 0)

	r.OnRouteHint(now.Add(StickyPeriod+time.Second), nodeid.ID(3))
	events = r.drainEvents()
	assert.Equal(t, len(events), 1)
}

func TestRemoteRelayDisconnectDropsDownstreamImmediately(t *testing.T) {
	r := newRemoteRelay(nodeid.ID(1), 1)
	now := time.Now()
	child := nodeid.ID(9)

	r.onRemoteSub(now, child, 5)
	r.drainWire()
	_, remotes := r.dests()
	assert.Equal(t, len(remotes), 1)

	r.connDisconnected(child)
	_, remotes = r.dests()
	assert.Equal(t, len(remotes), 0)
}
