package dhtkv

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/nodeid"
)

func TestClientMapGetTimesOutAfterDeadline(t *testing.T) {
	c := NewClientMap(NodeSession{Node: nodeid.ID(1), Session: 1})
	now := time.Now()

	id := c.Get(now, 2*time.Second)
	c.OnTick(now.Add(time.Second))
	assert.Equal(t, len(c.DrainEvents()), 0)

	c.OnTick(now.Add(3 * time.Second))
	events := c.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Kind, ClientEventGetResult)
	assert.Equal(t, events[0].Get.ID, id)
	assert.Assert(t, events[0].Get.Err != nil && *events[0].Get.Err == GetErrorTimeout)
}

func TestClientMapRelaySelectionOnOwnerChange(t *testing.T) {
	c := NewClientMap(NodeSession{Node: nodeid.ID(1), Session: 1})
	now := time.Now()

	c.Sub(now, nodeid.ID(10))
	c.DrainOutbound()

	// First observation of the owner always fires (nothing was known
	// before), then the same owner observed again is a no-op.
	c.OnRouteChanged(now, nodeid.ID(10))
	c.DrainOutbound()
	c.DrainEvents()

	c.OnRouteChanged(now, nodeid.ID(10))
	assert.Equal(t, len(c.DrainOutbound()), 0) // unchanged owner: no re-subscribe
	assert.Equal(t, len(c.DrainEvents()), 0)

	c.OnRouteChanged(now, nodeid.ID(20))
	out := c.DrainOutbound()
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].Kind, ClientCommandSub)

	events := c.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Event.Kind, MapEventOnRelaySelected)
	assert.Equal(t, events[0].Event.RelayOwner, nodeid.ID(20))
}

func TestClientMapHeartbeatsSubscription(t *testing.T) {
	c := NewClientMap(NodeSession{Node: nodeid.ID(1), Session: 1})
	now := time.Now()
	c.Sub(now, nodeid.ID(5))
	c.DrainOutbound()

	c.OnTick(now.Add(SubHeartbeat + time.Millisecond))
	out := c.DrainOutbound()
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].Kind, ClientCommandSub)
}
