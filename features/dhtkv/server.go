package dhtkv

import "time"

// slotState is one sub-key's server-side state (§4.4): either
// unspecified or locked-and-set by exactly one remote.
type slotState struct {
	isSet  bool
	value  []byte
	version Version
	locker NodeSession
	liveAt time.Time
}

// set implements §4.4's Set transition: accept if unspecified, or if
// already set by the same locker with a strictly newer version;
// reject silently otherwise.
func (s *slotState) set(now time.Time, remote NodeSession, version Version, value []byte) bool {
	if !s.isSet {
		s.isSet = true
		s.value = value
		s.version = version
		s.locker = remote
		s.liveAt = now
		return true
	}
	if s.locker == remote && s.version < version {
		s.value = value
		s.version = version
		s.liveAt = now
		return true
	}
	return false
}

// del implements §4.4's Del transition: accept only when locker
// matches and version is at least the current one.
func (s *slotState) del(remote NodeSession, version Version) bool {
	if !s.isSet {
		return false
	}
	if s.locker == remote && version >= s.version {
		*s = slotState{}
		return true
	}
	return false
}

func (s *slotState) dump(sub SubKey) (Entry, bool) {
	if !s.isSet {
		return Entry{}, false
	}
	return Entry{Sub: sub, Version: s.version, Locker: s.locker, Value: s.value}, true
}

// pendingAck is one fired OnSet/OnDel event awaiting acknowledgement
// from every subscriber it was sent to, resent at ResendInterval until
// acked or SubTimeout elapses (§4.4).
type pendingAck struct {
	event      MapEvent
	remaining  map[NodeSession]struct{}
	firedAt    time.Time
	lastSentAt time.Time
}

type subState struct {
	session uint64
	lastSeenAt time.Time
}

// ServerMap is the home-node server state for one Map (§4.4: "the home
// node runs the server state machine"). Grounded on
// original_source/packages/network/src/features/dht_kv/server/map.rs's
// RemoteMap.
type ServerMap struct {
	slots    map[SubKey]*slotState
	pending  map[SubKey]*pendingAck
	subs     map[NodeSession]*subState
	outbox   []ServerOutbound
}

// ServerOutbound is one (destination, event) pair the server wants
// sent out, either a direct reply to the command's sender or a
// broadcast to a subscriber.
type ServerOutbound struct {
	To    NodeSession
	Event ServerEvent
}

// ServerEvent is the tagged union of every message the server side
// emits, mirroring original's ServerMapEvent.
type ServerEvent struct {
	Kind    ServerEventKind
	Sub     SubKey
	Version Version
	Event   MapEvent // populated for OnSet/OnDel
	Session uint64   // populated for SubOk/UnsubOk
}

type ServerEventKind int

const (
	ServerEventSetOk ServerEventKind = iota
	ServerEventDelOk
	ServerEventSubOk
	ServerEventUnsubOk
	ServerEventOnSet
	ServerEventOnDel
)

// NewServerMap constructs an empty ServerMap.
func NewServerMap() *ServerMap {
	return &ServerMap{
		slots:   make(map[SubKey]*slotState),
		pending: make(map[SubKey]*pendingAck),
		subs:    make(map[NodeSession]*subState),
	}
}

// ShouldClean reports whether this Map is empty and may be garbage
// collected (§3: "Maps ... destroyed when empty and unsubscribed").
func (m *ServerMap) ShouldClean() bool {
	return len(m.slots) == 0 && len(m.subs) == 0 && len(m.pending) == 0
}

// OnClientSet applies a remote Set command.
func (m *ServerMap) OnClientSet(now time.Time, remote NodeSession, sub SubKey, version Version, value []byte) {
	s, ok := m.slots[sub]
	if !ok {
		s = &slotState{}
		m.slots[sub] = s
	}
	if !s.set(now, remote, version, value) {
		return
	}
	m.fireEvent(now, sub, MapEvent{Kind: MapEventOnSet, Sub: sub, Version: version, Source: remote, Value: value})
	m.outbox = append(m.outbox, ServerOutbound{To: remote, Event: ServerEvent{Kind: ServerEventSetOk, Sub: sub, Version: version}})
}

// OnClientDel applies a remote Del command.
func (m *ServerMap) OnClientDel(now time.Time, remote NodeSession, sub SubKey, version Version) {
	s, ok := m.slots[sub]
	if !ok {
		return
	}
	if !s.del(remote, version) {
		return
	}
	delete(m.slots, sub)
	m.fireEvent(now, sub, MapEvent{Kind: MapEventOnDel, Sub: sub, Version: version, Source: remote})
	m.outbox = append(m.outbox, ServerOutbound{To: remote, Event: ServerEvent{Kind: ServerEventDelOk, Sub: sub, Version: version}})
}

// OnClientSub registers/refreshes a subscriber heartbeat (§4.4).
func (m *ServerMap) OnClientSub(now time.Time, remote NodeSession, session uint64) {
	m.subs[remote] = &subState{session: session, lastSeenAt: now}
	m.outbox = append(m.outbox, ServerOutbound{To: remote, Event: ServerEvent{Kind: ServerEventSubOk, Session: session}})
}

// OnClientUnsub removes a subscriber if its session matches.
func (m *ServerMap) OnClientUnsub(remote NodeSession, session uint64) {
	sub, ok := m.subs[remote]
	if !ok || sub.session != session {
		return
	}
	delete(m.subs, remote)
	m.outbox = append(m.outbox, ServerOutbound{To: remote, Event: ServerEvent{Kind: ServerEventUnsubOk, Session: session}})
}

// OnAck clears remote out of the pending-ack set for sub, dropping the
// whole pending entry once every subscriber has acked. An ack for a
// superseded version still counts, matching the original's "ack
// whatever the current slot holds" behaviour.
func (m *ServerMap) OnAck(remote NodeSession, sub SubKey, _ Version) {
	p, ok := m.pending[sub]
	if !ok {
		return
	}
	delete(p.remaining, remote)
	if len(p.remaining) == 0 {
		delete(m.pending, sub)
	}
}

// fireEvent broadcasts event to every current subscriber and starts
// tracking it for resend/ack, per §4.4: "Each acceptance broadcasts an
// OnSet/OnDel event to every current subscriber, retried at 200 ms
// until individually ack'd or 10 s timeout."
func (m *ServerMap) fireEvent(now time.Time, sub SubKey, event MapEvent) {
	if len(m.subs) == 0 {
		return
	}
	kind := ServerEventOnSet
	if event.Kind == MapEventOnDel {
		kind = ServerEventOnDel
	}
	remaining := make(map[NodeSession]struct{}, len(m.subs))
	for remote := range m.subs {
		remaining[remote] = struct{}{}
		m.outbox = append(m.outbox, ServerOutbound{To: remote, Event: ServerEvent{Kind: kind, Sub: sub, Version: event.Version, Event: event}})
	}
	m.pending[sub] = &pendingAck{event: event, remaining: remaining, firedAt: now, lastSentAt: now}
}

// OnTick implements §4.4's timer behaviour: drop subscribers that
// missed their heartbeat window, and resend not-yet-acked events.
func (m *ServerMap) OnTick(now time.Time) {
	for remote, s := range m.subs {
		if now.Sub(s.lastSeenAt) >= SubTimeout {
			delete(m.subs, remote)
		}
	}

	for sub, p := range m.pending {
		if now.Sub(p.firedAt) >= SubTimeout {
			delete(m.pending, sub)
			continue
		}
		if now.Sub(p.lastSentAt) < ResendInterval {
			continue
		}
		kind := ServerEventOnSet
		if p.event.Kind == MapEventOnDel {
			kind = ServerEventOnDel
		}
		for remote := range p.remaining {
			m.outbox = append(m.outbox, ServerOutbound{To: remote, Event: ServerEvent{Kind: kind, Sub: sub, Version: p.event.Version, Event: p.event}})
		}
		p.lastSentAt = now
	}
}

// Dump returns every currently-set sub-key, used to answer Get
// requests against this Map.
func (m *ServerMap) Dump() []Entry {
	out := make([]Entry, 0, len(m.slots))
	for sub, s := range m.slots {
		if e, ok := s.dump(sub); ok {
			out = append(out, e)
		}
	}
	return out
}

// DrainOutbound returns and clears pending outbound events.
func (m *ServerMap) DrainOutbound() []ServerOutbound {
	out := m.outbox
	m.outbox = nil
	return out
}
