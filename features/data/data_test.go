package data

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/nodeid"
)

func TestPingPong(t *testing.T) {
	a := New(nodeid.ID(1))
	b := New(nodeid.ID(2))
	now := time.Now()

	a.OnLocal(now, Control{Kind: ControlPing, Dest: nodeid.ID(2)})
	out := a.DrainOutbound()
	assert.Equal(t, len(out), 1)

	b.OnRemote(now, nodeid.ID(1), out[0].Raw)
	reply := b.DrainOutbound()
	assert.Equal(t, len(reply), 1)

	a.OnRemote(now.Add(10*time.Millisecond), nodeid.ID(2), reply[0].Raw)
	events := a.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Kind, EventPong)
	assert.Assert(t, events[0].Answered)
	assert.Equal(t, events[0].Dest, nodeid.ID(2))
}

func TestPingTimesOutUnanswered(t *testing.T) {
	a := New(nodeid.ID(1))
	now := time.Now()

	a.OnLocal(now, Control{Kind: ControlPing, Dest: nodeid.ID(2)})
	a.DrainOutbound()

	a.Tick(now.Add(PingTimeout + time.Second))
	events := a.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Assert(t, !events[0].Answered)
}

func TestPortListenSendRecv(t *testing.T) {
	a := New(nodeid.ID(1))
	b := New(nodeid.ID(2))
	now := time.Now()

	b.OnLocal(now, Control{Kind: ControlListen, Port: 7})

	a.OnLocal(now, Control{Kind: ControlSend, Port: 7, Route: envelope.Route{Kind: envelope.RouteToNode, Node: nodeid.ID(2)}, Data: []byte("hello")})
	out := a.DrainOutbound()
	assert.Equal(t, len(out), 1)

	b.OnRemote(now, nodeid.ID(1), out[0].Raw)
	events := b.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Kind, EventRecv)
	assert.Equal(t, events[0].Port, Port(7))
	assert.Equal(t, string(events[0].Data), "hello")
}

func TestUnlistenDropsFutureRecv(t *testing.T) {
	b := New(nodeid.ID(2))
	now := time.Now()

	b.OnLocal(now, Control{Kind: ControlListen, Port: 7})
	b.OnLocal(now, Control{Kind: ControlUnlisten, Port: 7})

	msg := wireMsg{Body: dataMsg{Port: 7, Data: []byte("x")}}
	raw, err := msg.marshal()
	assert.NilError(t, err)

	b.OnRemote(now, nodeid.ID(1), raw)
	assert.Equal(t, len(b.DrainEvents()), 0)
}
