package pubsub

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/nodeid"
)

func TestRelayConsumersLocalSubUnsub(t *testing.T) {
	c := newRelayConsumers()
	now := time.Now()

	assert.Assert(t, c.onLocalSub(1))
	locals, hasRemote := c.dests()
	assert.DeepEqual(t, locals, []Actor{1})
	assert.Assert(t, !hasRemote)
	assert.Assert(t, !c.shouldClear())

	assert.Assert(t, !c.onLocalSub(1)) // already subbed

	assert.Assert(t, c.onLocalUnsub(1))
	locals, _ = c.dests()
	assert.Equal(t, len(locals), 0)
	assert.Assert(t, c.shouldClear())
	_ = now
}

func TestRelayConsumersRemoteSubUnsub(t *testing.T) {
	c := newRelayConsumers()
	now := time.Now()
	remote := nodeid.ID(10)

	isNew := c.onRemoteSub(now, remote, 1000)
	assert.Assert(t, isNew)
	out, ok := c.popOutput()
	assert.Assert(t, ok)
	assert.Equal(t, out.Kind, relayOutSubOk)

	_, hasRemote := c.dests()
	assert.Assert(t, hasRemote)

	isNew = c.onRemoteSub(now, remote, 1000)
	assert.Assert(t, !isNew)

	c.onRemoteUnsub(remote, 1000)
	_, hasRemote = c.dests()
	assert.Assert(t, !hasRemote)
	assert.Assert(t, c.shouldClear())
}

func TestRelayConsumersRemoteTimeout(t *testing.T) {
	c := newRelayConsumers()
	now := time.Now()
	remote := nodeid.ID(10)

	c.onRemoteSub(now, remote, 1)
	c.popOutput()

	c.onTick(now.Add(RemoteTimeout + time.Second))
	out, ok := c.popOutput()
	assert.Assert(t, ok)
	assert.Equal(t, out.Kind, relayOutUnsubRemote)
	assert.Assert(t, c.shouldClear())
}
