package pubsub

import (
	"time"

	"github.com/meshd/meshd/internal/nodeid"
)

// relayWireOut is one wire reply/forward this relay wants routed to
// to (a specific downstream remote, or the relay's upstream source).
type relayWireOut struct {
	To   nodeid.ID
	Body any
}

// relay is the shared behaviour of a single (channel, source)
// spanning-tree node: the local equivalent of
// original_source/packages/network/src/features/pubsub/controller.rs's
// GenericRelay trait. A localRelay implements it for the node that
// originates the channel; a remoteRelay for every other node that
// carries or consumes it.
type relay interface {
	onTick(now time.Time)
	onLocalSub(now time.Time, actor Actor)
	onLocalUnsub(now time.Time, actor Actor)
	onRemoteSub(now time.Time, remote nodeid.ID, session uint64)
	onRemoteUnsub(remote nodeid.ID, session uint64)
	connDisconnected(remote nodeid.ID)
	shouldClear() bool
	dests() (locals []Actor, remotes []nodeid.ID)
	drainWire() []relayWireOut
	drainEvents() []ChannelEvent
}

// localRelay is used when this node originates the channel: it has no
// upstream, only downstream consumers. Grounded on the LocalRelay
// side of controller.rs's GenericRelay (the concrete type itself
// wasn't among the retrieved original_source files, so this is built
// straight off the trait contract plus consumers.rs, which is the
// entirety of a source's relay state).
type localRelay struct {
	consumers *relayConsumers
}

func newLocalRelay() *localRelay {
	return &localRelay{consumers: newRelayConsumers()}
}

func (r *localRelay) onTick(now time.Time)                      { r.consumers.onTick(now) }
func (r *localRelay) onLocalSub(_ time.Time, actor Actor)        { r.consumers.onLocalSub(actor) }
func (r *localRelay) onLocalUnsub(_ time.Time, actor Actor)      { r.consumers.onLocalUnsub(actor) }
func (r *localRelay) onRemoteSub(now time.Time, remote nodeid.ID, session uint64) {
	r.consumers.onRemoteSub(now, remote, session)
}
func (r *localRelay) onRemoteUnsub(remote nodeid.ID, session uint64) {
	r.consumers.onRemoteUnsub(remote, session)
}
func (r *localRelay) connDisconnected(remote nodeid.ID) { r.consumers.connDisconnected(remote) }
func (r *localRelay) shouldClear() bool                 { return r.consumers.shouldClear() }
func (r *localRelay) dests() ([]Actor, []nodeid.ID) {
	locals, _ := r.consumers.dests()
	return locals, r.consumers.remoteIDs()
}
func (r *localRelay) drainEvents() []ChannelEvent { return nil }

func (r *localRelay) drainWire() []relayWireOut {
	var out []relayWireOut
	for {
		o, ok := r.consumers.popOutput()
		if !ok {
			break
		}
		if w, ok := consumerWireOut(o); ok {
			out = append(out, w)
		}
	}
	return out
}

// consumerWireOut translates a drained relayConsumers event into a
// wire reply, when one applies. relayOutUnsubRemote (a timed-out or
// disconnected remote) has nobody left to notify — it's purely an
// internal cleanup signal — so ok is false and callers must skip it.
func consumerWireOut(o relayOut) (relayWireOut, bool) {
	switch o.Kind {
	case relayOutSubOk:
		return relayWireOut{To: o.Remote, Body: relaySubOk{Session: o.Session}}, true
	case relayOutUnsubOk:
		return relayWireOut{To: o.Remote, Body: relayUnsubOk{Session: o.Session}}, true
	default:
		return relayWireOut{}, false
	}
}

// remoteRelay is used when this node is an interior hop or a leaf
// consumer of a channel it does not originate: on top of the shared
// downstream consumer bookkeeping, it maintains its own upstream
// subscription toward source, re-sent every ResubInterval per §4.5,
// and reports upstream path changes (as resolved by the caller's
// routing lookup, passed to OnRouteHint) no more than once per
// StickyPeriod to avoid flapping local consumers between sources.
type remoteRelay struct {
	source  nodeid.ID
	session uint64

	consumers *relayConsumers

	subscribed    bool
	lastSentSubAt time.Time

	lastHint   *nodeid.ID
	lastHintAt time.Time

	pendingUp []relayWireOut
	events    []ChannelEvent
}

func newRemoteRelay(source nodeid.ID, session uint64) *remoteRelay {
	return &remoteRelay{source: source, session: session, consumers: newRelayConsumers()}
}

func (r *remoteRelay) wantUpstream() bool {
	locals, hasRemote := r.consumers.dests()
	return len(locals) > 0 || hasRemote
}

func (r *remoteRelay) sendSub(now time.Time) relayWireOut {
	r.subscribed = true
	r.lastSentSubAt = now
	return relayWireOut{To: r.source, Body: relaySub{Session: r.session}}
}

func (r *remoteRelay) sendUnsub() relayWireOut {
	r.subscribed = false
	return relayWireOut{To: r.source, Body: relayUnsub{Session: r.session}}
}

func (r *remoteRelay) onTick(now time.Time) {
	r.consumers.onTick(now)
	switch {
	case r.wantUpstream() && now.Sub(r.lastSentSubAt) >= ResubInterval:
		r.pendingUp = append(r.pendingUp, r.sendSub(now))
	case !r.wantUpstream() && r.subscribed:
		r.pendingUp = append(r.pendingUp, r.sendUnsub())
	}
}

func (r *remoteRelay) onLocalSub(now time.Time, actor Actor) {
	wasWanted := r.wantUpstream()
	r.consumers.onLocalSub(actor)
	if !wasWanted && r.wantUpstream() {
		r.pendingUp = append(r.pendingUp, r.sendSub(now))
	}
}

func (r *remoteRelay) onLocalUnsub(_ time.Time, actor Actor) {
	r.consumers.onLocalUnsub(actor)
	if !r.wantUpstream() && r.subscribed {
		r.pendingUp = append(r.pendingUp, r.sendUnsub())
	}
}

func (r *remoteRelay) onRemoteSub(now time.Time, remote nodeid.ID, session uint64) {
	wasWanted := r.wantUpstream()
	isNew := r.consumers.onRemoteSub(now, remote, session)
	if isNew && !wasWanted {
		r.pendingUp = append(r.pendingUp, r.sendSub(now))
	}
}

func (r *remoteRelay) onRemoteUnsub(remote nodeid.ID, session uint64) {
	r.consumers.onRemoteUnsub(remote, session)
	if !r.wantUpstream() && r.subscribed {
		r.pendingUp = append(r.pendingUp, r.sendUnsub())
	}
}

func (r *remoteRelay) connDisconnected(remote nodeid.ID) {
	r.consumers.connDisconnected(remote)
	if remote == r.source && r.subscribed {
		// Upstream itself dropped: §4.5 "silently retried" — the next
		// tick's resend fires as soon as ResubInterval elapses since
		// lastSentSubAt is left untouched.
		r.subscribed = false
	}
}

func (r *remoteRelay) shouldClear() bool {
	return r.consumers.shouldClear() && !r.subscribed
}

func (r *remoteRelay) dests() ([]Actor, []nodeid.ID) {
	locals, _ := r.consumers.dests()
	return locals, r.consumers.remoteIDs()
}

// OnRouteHint applies the caller's routing-derived next hop toward
// source. A change within StickyPeriod of the last reported change is
// absorbed silently to avoid oscillation (§4.5: "sticky period = 5
// min to avoid oscillation").
func (r *remoteRelay) OnRouteHint(now time.Time, nextHop nodeid.ID) {
	if r.lastHint != nil && *r.lastHint == nextHop {
		return
	}
	if r.lastHint != nil && now.Sub(r.lastHintAt) < StickyPeriod {
		return
	}
	hint := nextHop
	r.lastHint = &hint
	r.lastHintAt = now
	r.events = append(r.events, ChannelEvent{Kind: ChannelEventRouteChanged, Source: r.source})
}

func (r *remoteRelay) drainEvents() []ChannelEvent {
	out := r.events
	r.events = nil
	return out
}

func (r *remoteRelay) drainWire() []relayWireOut {
	out := r.pendingUp
	r.pendingUp = nil
	for {
		o, ok := r.consumers.popOutput()
		if !ok {
			break
		}
		if w, ok := consumerWireOut(o); ok {
			out = append(out, w)
		}
	}
	return out
}
