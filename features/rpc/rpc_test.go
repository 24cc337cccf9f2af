package rpc

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/nodeid"
)

func TestEmitDeliversOneWayEvent(t *testing.T) {
	a := New(nodeid.ID(1))
	b := New(nodeid.ID(2))
	now := time.Now()

	a.OnLocal(now, Control{Kind: ControlEmit, Service: 100, Route: envelope.Route{Kind: envelope.RouteToNode, Node: nodeid.ID(2)}, Cmd: "event1", Payload: []byte{1, 2, 3}})
	out := a.DrainOutbound()
	assert.Equal(t, len(out), 1)

	b.OnRemote(out[0].Service, out[0].Raw)
	events := b.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Kind, EventReceived)
	assert.Assert(t, !events[0].IsRequest)
	assert.Equal(t, events[0].Cmd, "event1")
	assert.DeepEqual(t, events[0].Payload, []byte{1, 2, 3})
	assert.Equal(t, events[0].FromNode, nodeid.ID(1))
}

func TestRequestAnswerRoundTrip(t *testing.T) {
	a := New(nodeid.ID(1))
	b := New(nodeid.ID(2))
	now := time.Now()

	id := a.OnLocal(now, Control{Kind: ControlRequest, Service: 100, Route: envelope.Route{Kind: envelope.RouteToNode, Node: nodeid.ID(2)}, Cmd: "echo", Payload: []byte{1, 2, 3}, Timeout: time.Second})
	assert.Equal(t, id, uint64(0))
	out := a.DrainOutbound()
	assert.Equal(t, len(out), 1)

	b.OnRemote(out[0].Service, out[0].Raw)
	reqs := b.DrainEvents()
	assert.Equal(t, len(reqs), 1)
	assert.Assert(t, reqs[0].IsRequest)
	assert.Equal(t, reqs[0].ReqID, uint64(0))

	b.OnLocal(now, Control{Kind: ControlRespond, Service: 200, ReqID: reqs[0].ReqID, ReplyNode: reqs[0].FromNode, ReplyService: reqs[0].FromService, Payload: []byte{3, 4, 5}})
	reply := b.DrainOutbound()
	assert.Equal(t, len(reply), 1)

	a.OnRemote(reply[0].Service, reply[0].Raw)
	answers := a.DrainEvents()
	assert.Equal(t, len(answers), 1)
	assert.Equal(t, answers[0].Kind, EventAnswered)
	assert.Equal(t, answers[0].LocalReqID, id)
	assert.Assert(t, answers[0].Err == nil)
	assert.DeepEqual(t, answers[0].Payload, []byte{3, 4, 5})
}

func TestRequestTimesOutWithoutAnswer(t *testing.T) {
	a := New(nodeid.ID(1))
	now := time.Now()

	a.OnLocal(now, Control{Kind: ControlRequest, Service: 100, Route: envelope.Route{Kind: envelope.RouteToNode, Node: nodeid.ID(2)}, Cmd: "echo", Payload: nil, Timeout: time.Second})
	a.DrainOutbound()

	a.Tick(now.Add(500 * time.Millisecond))
	assert.Equal(t, len(a.DrainEvents()), 0)

	a.Tick(now.Add(1100 * time.Millisecond))
	events := a.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Kind, EventTimedOut)
}

func TestAnswerWithErrorIsDelivered(t *testing.T) {
	a := New(nodeid.ID(1))
	b := New(nodeid.ID(2))
	now := time.Now()

	a.OnLocal(now, Control{Kind: ControlRequest, Service: 100, Route: envelope.Route{Kind: envelope.RouteToNode, Node: nodeid.ID(2)}, Cmd: "fail", Timeout: time.Second})
	out := a.DrainOutbound()

	b.OnRemote(out[0].Service, out[0].Raw)
	reqs := b.DrainEvents()

	errMsg := "not found"
	b.OnLocal(now, Control{Kind: ControlRespond, Service: 200, ReqID: reqs[0].ReqID, ReplyNode: reqs[0].FromNode, ReplyService: reqs[0].FromService, Err: &errMsg})
	reply := b.DrainOutbound()

	a.OnRemote(reply[0].Service, reply[0].Raw)
	events := a.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Assert(t, events[0].Err != nil)
	assert.Equal(t, *events[0].Err, "not found")
}
