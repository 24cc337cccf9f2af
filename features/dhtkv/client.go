package dhtkv

import (
	"time"

	"github.com/meshd/meshd/internal/nodeid"
)

// SubHeartbeat is how often a local Sub re-sends its Sub(session)
// heartbeat toward the current owner (§4.4: "the client periodically
// re-sends Sub(session)").
const SubHeartbeat = SubTimeout / 2

// pendingGet is one outstanding Get awaiting a server dump.
type pendingGet struct {
	deadline time.Time
}

// localSub is one local actor's subscription to a Map, tracking the
// owner it last sent Sub toward so an owner migration (§4.4 "Relay
// selection") can be detected and re-subscribed.
type localSub struct {
	session     uint64
	owner       nodeid.ID
	lastSentAt  time.Time
}

// ClientMap is the per-Map client-side state any node keeps for Maps
// it consumes but does not own (§4.4 "Client state").
type ClientMap struct {
	self      NodeSession
	sub       *localSub
	gets      map[uint32]*pendingGet
	nextGet   uint32
	lastOwner *nodeid.ID

	outbox []ClientOutbound
	events []ClientEvent
}

// ClientOutbound is one outbound command this client wants routed
// ToKey(map) toward the Map's current owner.
type ClientOutbound struct {
	Kind    ClientCommandKind
	Sub     SubKey
	Version Version
	Value   []byte
	Session uint64
	GetID   uint32
}

type ClientCommandKind int

const (
	ClientCommandSet ClientCommandKind = iota
	ClientCommandDel
	ClientCommandSub
	ClientCommandUnsub
	ClientCommandGet
	ClientCommandSetAck
	ClientCommandDelAck
)

// ClientEvent is what a local actor observes from this Map's client.
type ClientEvent struct {
	Kind  ClientEventKind
	Map   Map
	Event MapEvent  // OnSet/OnDel/OnRelaySelected
	Get   GetResult // populated for GetResult
}

type ClientEventKind int

const (
	ClientEventMapEvent ClientEventKind = iota
	ClientEventGetResult
)

// GetResult is the outcome of one Get request.
type GetResult struct {
	ID      uint32
	Entries []Entry
	Err     *GetError
}

// NewClientMap constructs a ClientMap identified by self.
func NewClientMap(self NodeSession) *ClientMap {
	return &ClientMap{self: self, gets: make(map[uint32]*pendingGet)}
}

// Sub starts (or refreshes) a local subscription.
func (c *ClientMap) Sub(now time.Time, owner nodeid.ID) {
	if c.sub == nil {
		c.sub = &localSub{session: c.self.Session, owner: owner}
	}
	c.sub.owner = owner
	c.sub.lastSentAt = now
	c.outbox = append(c.outbox, ClientOutbound{Kind: ClientCommandSub, Session: c.sub.session})
}

// Unsub cancels the local subscription, if any.
func (c *ClientMap) Unsub() {
	if c.sub == nil {
		return
	}
	c.outbox = append(c.outbox, ClientOutbound{Kind: ClientCommandUnsub, Session: c.sub.session})
	c.sub = nil
}

// Set sends a Set command for sub toward the owner.
func (c *ClientMap) Set(sub SubKey, version Version, value []byte) {
	c.outbox = append(c.outbox, ClientOutbound{Kind: ClientCommandSet, Sub: sub, Version: version, Value: value})
}

// Del sends a Del command for sub toward the owner.
func (c *ClientMap) Del(sub SubKey, version Version) {
	c.outbox = append(c.outbox, ClientOutbound{Kind: ClientCommandDel, Sub: sub, Version: version})
}

// Get issues a one-shot dump request against the owner, returning an
// ID that will later appear in a ClientEventGetResult. timeout is
// the feature-configurable bound of §4.4.
func (c *ClientMap) Get(now time.Time, timeout time.Duration) uint32 {
	c.nextGet++
	id := c.nextGet
	c.gets[id] = &pendingGet{deadline: now.Add(timeout)}
	c.outbox = append(c.outbox, ClientOutbound{Kind: ClientCommandGet, GetID: id})
	return id
}

// OnRouteChanged implements §4.4's "Relay selection": called every
// tick with the routing-derived owner of this Map. It is a no-op
// unless that owner actually differs from the last one observed, in
// which case it re-sends the active subscription (if any) toward the
// new owner and fires an OnRelaySelected event — "emits
// OnRelaySelected(new_owner) whenever the routing-derived owner
// shifts."
func (c *ClientMap) OnRouteChanged(now time.Time, newOwner nodeid.ID) {
	if c.lastOwner != nil && *c.lastOwner == newOwner {
		return
	}
	owner := newOwner
	c.lastOwner = &owner

	if c.sub != nil {
		c.sub.owner = newOwner
		c.sub.lastSentAt = now
		c.outbox = append(c.outbox, ClientOutbound{Kind: ClientCommandSub, Session: c.sub.session})
	}
	c.events = append(c.events, ClientEvent{Kind: ClientEventMapEvent, Event: MapEvent{Kind: MapEventOnRelaySelected, RelayOwner: newOwner}})
}

// OnServerEvent applies one ServerEvent received from the owner.
func (c *ClientMap) OnServerEvent(ev ServerEvent) {
	switch ev.Kind {
	case ServerEventOnSet:
		c.events = append(c.events, ClientEvent{Kind: ClientEventMapEvent, Event: ev.Event})
		c.outbox = append(c.outbox, ClientOutbound{Kind: ClientCommandSetAck, Sub: ev.Sub, Version: ev.Version})
	case ServerEventOnDel:
		c.events = append(c.events, ClientEvent{Kind: ClientEventMapEvent, Event: ev.Event})
		c.outbox = append(c.outbox, ClientOutbound{Kind: ClientCommandDelAck, Sub: ev.Sub, Version: ev.Version})
	}
}

// OnGetResult resolves a pending Get by ID.
func (c *ClientMap) OnGetResult(id uint32, entries []Entry, err *GetError) {
	if _, ok := c.gets[id]; !ok {
		return
	}
	delete(c.gets, id)
	c.events = append(c.events, ClientEvent{Kind: ClientEventGetResult, Get: GetResult{ID: id, Entries: entries, Err: err}})
}

// OnTick expires Gets past their deadline and resends the Sub
// heartbeat.
func (c *ClientMap) OnTick(now time.Time) {
	for id, g := range c.gets {
		if now.After(g.deadline) {
			delete(c.gets, id)
			timeout := GetErrorTimeout
			c.events = append(c.events, ClientEvent{Kind: ClientEventGetResult, Get: GetResult{ID: id, Err: &timeout}})
		}
	}
	if c.sub != nil && now.Sub(c.sub.lastSentAt) >= SubHeartbeat {
		c.sub.lastSentAt = now
		c.outbox = append(c.outbox, ClientOutbound{Kind: ClientCommandSub, Session: c.sub.session})
	}
}

// DrainOutbound returns and clears pending outbound commands.
func (c *ClientMap) DrainOutbound() []ClientOutbound {
	out := c.outbox
	c.outbox = nil
	return out
}

// DrainEvents returns and clears pending local events.
func (c *ClientMap) DrainEvents() []ClientEvent {
	out := c.events
	c.events = nil
	return out
}
