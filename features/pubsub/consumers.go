package pubsub

import (
	"time"

	"github.com/meshd/meshd/internal/nodeid"
)

// relayRemote is one downstream remote subscriber's bookkeeping.
type relayRemote struct {
	session uint64
	lastSub time.Time
}

// relayOutKind tags what a relayConsumers wants sent upstream/back to
// a peer, independent of whether the destination ends up being a
// worker pin change or a wire reply.
type relayOutKind int

const (
	relayOutSubOk relayOutKind = iota
	relayOutUnsubOk
	relayOutUnsubRemote // timed-out/disconnected remote, no reply needed — just stop sending it data
)

type relayOut struct {
	Kind   relayOutKind
	Remote nodeid.ID
	Session uint64
}

// relayConsumers tracks who currently wants this relay's data — local
// actors on this node plus downstream remote nodes — independent of
// whether this node is the channel's source (handled by localRelay)
// or an interior/leaf hop (handled by remoteRelay). Grounded on
// original_source/packages/network/src/features/pubsub/controller/consumers.rs's
// RelayConsummers.
type relayConsumers struct {
	remotes map[nodeid.ID]*relayRemote
	locals  []Actor

	queue []relayOut
}

func newRelayConsumers() *relayConsumers {
	return &relayConsumers{remotes: make(map[nodeid.ID]*relayRemote)}
}

func (c *relayConsumers) onTick(now time.Time) {
	for remote, slot := range c.remotes {
		if now.Sub(slot.lastSub) >= RemoteTimeout {
			delete(c.remotes, remote)
			c.queue = append(c.queue, relayOut{Kind: relayOutUnsubRemote, Remote: remote})
		}
	}
}

func (c *relayConsumers) onLocalSub(actor Actor) bool {
	for _, a := range c.locals {
		if a == actor {
			return false
		}
	}
	c.locals = append(c.locals, actor)
	return true
}

func (c *relayConsumers) onLocalUnsub(actor Actor) bool {
	for i, a := range c.locals {
		if a == actor {
			c.locals = append(c.locals[:i], c.locals[i+1:]...)
			return true
		}
	}
	return false
}

// onRemoteSub applies an inbound Sub(session) from remote, replying
// SubOk and, the first time this remote is seen, telling the caller
// to treat it as a newly-added downstream.
func (c *relayConsumers) onRemoteSub(now time.Time, remote nodeid.ID, session uint64) (isNew bool) {
	if slot, ok := c.remotes[remote]; ok {
		if slot.session != session {
			return false
		}
		slot.lastSub = now
		c.queue = append(c.queue, relayOut{Kind: relayOutSubOk, Remote: remote, Session: session})
		return false
	}
	c.remotes[remote] = &relayRemote{session: session, lastSub: now}
	c.queue = append(c.queue, relayOut{Kind: relayOutSubOk, Remote: remote, Session: session})
	return true
}

func (c *relayConsumers) onRemoteUnsub(remote nodeid.ID, session uint64) {
	slot, ok := c.remotes[remote]
	if !ok || slot.session != session {
		return
	}
	delete(c.remotes, remote)
	c.queue = append(c.queue, relayOut{Kind: relayOutUnsubOk, Remote: remote, Session: session})
}

func (c *relayConsumers) connDisconnected(remote nodeid.ID) {
	if _, ok := c.remotes[remote]; ok {
		delete(c.remotes, remote)
	}
}

func (c *relayConsumers) shouldClear() bool {
	return len(c.locals) == 0 && len(c.remotes) == 0
}

// dests returns the current local fan-out list and whether any remote
// downstream exists (so PubData knows whether to relay data at all).
func (c *relayConsumers) dests() ([]Actor, bool) {
	return c.locals, len(c.remotes) > 0
}

func (c *relayConsumers) remoteIDs() []nodeid.ID {
	out := make([]nodeid.ID, 0, len(c.remotes))
	for r := range c.remotes {
		out = append(out, r)
	}
	return out
}

func (c *relayConsumers) popOutput() (relayOut, bool) {
	if len(c.queue) == 0 {
		return relayOut{}, false
	}
	out := c.queue[0]
	c.queue = c.queue[1:]
	return out, true
}
