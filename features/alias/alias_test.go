package alias

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/nodeid"
)

func TestQueryResolvesLocalRegistration(t *testing.T) {
	f := New(nodeid.ID(1))
	now := time.Now()

	f.OnLocal(now, Control{Kind: ControlRegister, Alias: 1000, Service: 0})
	f.OnLocal(now, Control{Kind: ControlQuery, Alias: 1000, Service: 0})

	events := f.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Alias, Alias(1000))
	assert.Equal(t, events[0].Found.Kind, Local)
	assert.Equal(t, events[0].Found.Node, nodeid.ID(1))
}

func TestQueryTimesOutWhenUnresolved(t *testing.T) {
	f := New(nodeid.ID(1))
	now := time.Now()

	f.OnLocal(now, Control{Kind: ControlQuery, Alias: 1000, Service: 0})
	assert.Equal(t, len(f.DrainEvents()), 0)

	f.Tick(now.Add(HintTimeoutMs + time.Second))
	assert.Equal(t, len(f.DrainEvents()), 0) // escalated to scan, still pending

	f.Tick(now.Add(HintTimeoutMs + ScanTimeoutMs + 2*time.Second))
	events := f.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Assert(t, events[0].Found == nil)
}

func TestAnnounceThenQueryResolvesFromHint(t *testing.T) {
	node1 := New(nodeid.ID(1))
	node2 := New(nodeid.ID(2))
	now := time.Now()

	node1.OnLocal(now, Control{Kind: ControlRegister, Alias: 1000, Service: 0})
	sends := node1.Tick(now.Add(AnnounceInterval + time.Second))
	assert.Equal(t, len(sends), 1)

	node2.OnRecv(now.Add(AnnounceInterval+time.Second), nodeid.ID(1), sends[0].Data)

	node2.OnLocal(now.Add(AnnounceInterval+2*time.Second), Control{Kind: ControlQuery, Alias: 1000, Service: 0})
	events := node2.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Found.Kind, RemoteHint)
	assert.Equal(t, events[0].Found.Node, nodeid.ID(1))
}

func TestQueryEscalatesToScanAndResolvesRemotely(t *testing.T) {
	node1 := New(nodeid.ID(1))
	node3 := New(nodeid.ID(3))
	now := time.Now()

	node1.OnLocal(now, Control{Kind: ControlRegister, Alias: 1000, Service: 0})

	// node3 has no cached hint (it never saw node1's announce), so its
	// Query must escalate to an active scan once HintTimeoutMs elapses.
	node3.OnLocal(now, Control{Kind: ControlQuery, Alias: 1000, Service: 0})
	assert.Equal(t, len(node3.DrainEvents()), 0)

	sends := node3.Tick(now.Add(HintTimeoutMs + time.Second))
	assert.Equal(t, len(sends), 1) // the scan broadcast

	replies := node1.OnRecv(now.Add(HintTimeoutMs+time.Second), nodeid.ID(3), sends[0].Data)
	assert.Equal(t, len(replies), 1) // node1's direct reply

	node3.OnRecv(now.Add(HintTimeoutMs+2*time.Second), nodeid.ID(1), replies[0].Data)
	events := node3.DrainEvents()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Found.Kind, RemoteScan)
	assert.Equal(t, events[0].Found.Node, nodeid.ID(1))
}
