package dhtkv

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/nodeid"
)

func remoteSession(id byte) NodeSession {
	return NodeSession{Node: nodeid.ID(id), Session: uint64(id)}
}

func TestServerMapSetAcceptsFirstWriterThenLocksIt(t *testing.T) {
	m := NewServerMap()
	now := time.Now()

	alice := remoteSession(1)
	bob := remoteSession(2)

	m.OnClientSet(now, alice, 1, 1, []byte("a"))
	assert.Equal(t, len(m.Dump()), 1)

	// A different remote without the lock must not overwrite.
	m.OnClientSet(now, bob, 1, 2, []byte("b"))
	entries := m.Dump()
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, string(entries[0].Value), "a")

	// The locker may update with a strictly newer version.
	m.OnClientSet(now, alice, 1, 2, []byte("a2"))
	entries = m.Dump()
	assert.Equal(t, string(entries[0].Value), "a2")

	// A stale version from the locker is rejected.
	m.OnClientSet(now, alice, 1, 1, []byte("a3"))
	entries = m.Dump()
	assert.Equal(t, string(entries[0].Value), "a2")
}

func TestServerMapDelOnlyByLocker(t *testing.T) {
	m := NewServerMap()
	now := time.Now()
	alice := remoteSession(1)
	bob := remoteSession(2)

	m.OnClientSet(now, alice, 1, 1, []byte("a"))
	m.OnClientDel(now, bob, 1, 1)
	assert.Equal(t, len(m.Dump()), 1)

	m.OnClientDel(now, alice, 1, 1)
	assert.Equal(t, len(m.Dump()), 0)
}

func TestServerMapFiresAndResendsUntilAcked(t *testing.T) {
	m := NewServerMap()
	now := time.Now()
	sub := remoteSession(9)
	m.OnClientSub(now, sub, 42)
	m.DrainOutbound()

	writer := remoteSession(1)
	m.OnClientSet(now, writer, 1, 1, []byte("v"))
	out := m.DrainOutbound()
	assert.Equal(t, len(out), 2) // SetOk to writer + OnSet to subscriber

	// Resend fires again after ResendInterval without an ack.
	m.OnTick(now.Add(ResendInterval + time.Millisecond))
	out = m.DrainOutbound()
	assert.Assert(t, len(out) >= 1)

	m.OnAck(sub, 1, 1)
	m.OnTick(now.Add(2 * ResendInterval))
	out = m.DrainOutbound()
	assert.Equal(t, len(out), 0)
}

func TestServerMapSubTimesOut(t *testing.T) {
	m := NewServerMap()
	now := time.Now()
	sub := remoteSession(9)
	m.OnClientSub(now, sub, 1)
	m.DrainOutbound()

	m.OnTick(now.Add(SubTimeout + time.Second))
	m.OnClientSet(now, remoteSession(1), 1, 1, []byte("v"))
	out := m.DrainOutbound()
	// Only the SetOk to the writer; the timed-out subscriber gets nothing.
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].Event.Kind, ServerEventSetOk)
}

func TestServerMapShouldClean(t *testing.T) {
	m := NewServerMap()
	assert.Assert(t, m.ShouldClean())
	now := time.Now()
	m.OnClientSet(now, remoteSession(1), 1, 1, []byte("v"))
	assert.Assert(t, !m.ShouldClean())
}
