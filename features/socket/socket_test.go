package socket

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/nodeid"
)

func TestBindAutoAssignsPort(t *testing.T) {
	f := New(nodeid.ID(1))
	f.OnLocal(Control{Kind: ControlBind})
	events := f.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Kind, EventBound)
	assert.Equal(t, events[0].Port, uint16(autoPortStart))
}

func TestSendToThenRecvRoundTrip(t *testing.T) {
	a := New(nodeid.ID(1))
	b := New(nodeid.ID(2))

	b.OnLocal(Control{Kind: ControlBind, Port: 42})
	b.DrainEvents()

	a.OnLocal(Control{Kind: ControlSendTo, Port: 7, Dest: Addr{Node: nodeid.ID(2), Port: 42}, Data: []byte("hi")})
	out := a.DrainOutbound()
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].Dest, nodeid.ID(2))

	b.OnRemote(time.Now(), out[0].Env.Header, out[0].Env.Payload)
	events := b.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Kind, EventRecv)
	assert.Equal(t, events[0].Port, uint16(42))
	assert.Equal(t, events[0].Src, Addr{Node: nodeid.ID(1), Port: 7})
	assert.Equal(t, string(events[0].Data), "hi")
	assert.Assert(t, events[0].ECN == nil)
}

func TestRecvOnUnboundPortIsDropped(t *testing.T) {
	a := New(nodeid.ID(1))
	b := New(nodeid.ID(2))

	a.OnLocal(Control{Kind: ControlSendTo, Port: 7, Dest: Addr{Node: nodeid.ID(2), Port: 99}, Data: []byte("x")})
	out := a.DrainOutbound()

	b.OnRemote(time.Now(), out[0].Env.Header, out[0].Env.Payload)
	assert.Equal(t, len(b.DrainEvents()), 0)
}

func TestUnbindStopsDelivery(t *testing.T) {
	a := New(nodeid.ID(1))
	b := New(nodeid.ID(2))

	b.OnLocal(Control{Kind: ControlBind, Port: 42})
	b.DrainEvents()
	b.OnLocal(Control{Kind: ControlUnbind, Port: 42})

	a.OnLocal(Control{Kind: ControlSendTo, Port: 7, Dest: Addr{Node: nodeid.ID(2), Port: 42}, Data: []byte("x")})
	out := a.DrainOutbound()

	b.OnRemote(time.Now(), out[0].Env.Header, out[0].Env.Payload)
	assert.Equal(t, len(b.DrainEvents()), 0)
}

func TestECNMarkRoundTrips(t *testing.T) {
	a := New(nodeid.ID(1))
	b := New(nodeid.ID(2))

	b.OnLocal(Control{Kind: ControlBind, Port: 42})
	b.DrainEvents()

	ecn := byte(2)
	a.OnLocal(Control{Kind: ControlSendTo, Port: 7, Dest: Addr{Node: nodeid.ID(2), Port: 42}, Data: []byte("x"), ECN: &ecn})
	out := a.DrainOutbound()

	b.OnRemote(time.Now(), out[0].Env.Header, out[0].Env.Payload)
	events := b.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Assert(t, events[0].ECN != nil)
	assert.Equal(t, *events[0].ECN, byte(2))
}
