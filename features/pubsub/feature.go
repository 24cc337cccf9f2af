package pubsub

import (
	"time"

	"github.com/meshd/meshd/internal/nodeid"
)

// Outbound is one wire message this feature wants routed to a
// specific node (either a downstream remote or the relay's upstream
// source).
type Outbound struct {
	Relay RelayID
	To    nodeid.ID
	Msg   WireMessage
}

// LocalEvent is one ChannelEvent destined for a local actor.
type LocalEvent struct {
	Actor   Actor
	Channel ChannelID
	Event   ChannelEvent
}

// Feature owns every (channel, source) relay this node currently
// participates in, either as the originating localRelay or as a
// remoteRelay forwarding/consuming on someone else's behalf, plus one
// feedbackAggregator per relay. Grounded on
// original_source/packages/network/src/features/pubsub/controller.rs's
// PubSubFeature.
type Feature struct {
	self    nodeid.ID
	session uint64

	relays    map[RelayID]relay
	feedbacks map[RelayID]*feedbackAggregator

	// nextHop resolves the routing-derived next hop toward dest, used
	// to feed remoteRelay.OnRouteHint every tick.
	nextHop func(dest nodeid.ID) (nodeid.ID, bool)

	outbound []Outbound
	events   []LocalEvent
}

// New constructs a Feature for node self. session seeds every
// relay's own upstream Sub session id this node creates.
func New(self nodeid.ID, session uint64, nextHop func(nodeid.ID) (nodeid.ID, bool)) *Feature {
	return &Feature{
		self:      self,
		session:   session,
		relays:    make(map[RelayID]relay),
		feedbacks: make(map[RelayID]*feedbackAggregator),
		nextHop:   nextHop,
	}
}

func (f *Feature) getRelay(id RelayID, autoCreate bool) (relay, bool) {
	r, ok := f.relays[id]
	if !ok && autoCreate {
		if id.Source == f.self {
			r = newLocalRelay()
		} else {
			r = newRemoteRelay(id.Source, f.session)
		}
		f.relays[id] = r
	}
	return r, r != nil
}

func (f *Feature) feedbackFor(id RelayID) *feedbackAggregator {
	a, ok := f.feedbacks[id]
	if !ok {
		a = &feedbackAggregator{}
		f.feedbacks[id] = a
	}
	return a
}

// OnLocal applies a local actor's ChannelControl (§4.5 "Model").
func (f *Feature) OnLocal(now time.Time, actor Actor, channel ChannelID, ctl ChannelControl) {
	switch ctl.Kind {
	case ChannelControlSubSource:
		id := RelayID{Channel: channel, Source: ctl.Source}
		r, _ := f.getRelay(id, true)
		r.onLocalSub(now, actor)
		f.collectRelay(id, r)
	case ChannelControlUnsubSource:
		id := RelayID{Channel: channel, Source: ctl.Source}
		if r, ok := f.getRelay(id, false); ok {
			r.onLocalUnsub(now, actor)
			f.collectRelay(id, r)
			f.maybeClear(id, r)
		}
	case ChannelControlPubData:
		id := RelayID{Channel: channel, Source: f.self}
		if r, ok := f.getRelay(id, false); ok {
			f.fanOutData(id, r, f.self, ctl.Data)
		}
	case ChannelControlFeedback:
		id := RelayID{Channel: channel, Source: ctl.Source}
		agg := f.feedbackFor(id)
		agg.onLocal(now, actor, ctl.FB)
		f.drainFeedback(id)
	}
}

// OnRemote applies one decoded wire message arriving from remote.
func (f *Feature) OnRemote(now time.Time, remote nodeid.ID, msg WireMessage) {
	id := msg.Relay
	switch body := msg.Body.(type) {
	case relaySub:
		r, _ := f.getRelay(id, true)
		r.onRemoteSub(now, remote, body.Session)
		f.collectRelay(id, r)
	case relayUnsub:
		if r, ok := f.getRelay(id, false); ok {
			r.onRemoteUnsub(remote, body.Session)
			f.collectRelay(id, r)
			f.maybeClear(id, r)
		}
	case relaySubOk, relayUnsubOk:
		// §4.5 "silently retried": acks don't change behaviour, the
		// resend timer is unconditional.
	case relayData:
		if r, ok := f.getRelay(id, false); ok {
			f.fanOutData(id, r, id.Source, body.Data)
		}
	case relayFeedback:
		agg := f.feedbackFor(id)
		agg.onRemote(now, remote, body.FB)
		f.drainFeedback(id)
	}
}

// fanOutData delivers data to every local subscriber of id and
// forwards it to every downstream remote (§4.5 "Per-packet
// behaviour"), regardless of whether id is a localRelay (the source
// itself) or a remoteRelay (an interior hop forwarding onward).
func (f *Feature) fanOutData(id RelayID, r relay, source nodeid.ID, data []byte) {
	locals, remotes := r.dests()
	for _, actor := range locals {
		f.events = append(f.events, LocalEvent{Actor: actor, Channel: id.Channel, Event: ChannelEvent{Kind: ChannelEventSourceData, Source: source, Data: data}})
	}
	for _, remote := range remotes {
		f.outbound = append(f.outbound, Outbound{Relay: id, To: remote, Msg: WireMessage{Relay: id, Body: relayData{Data: data}}})
	}
}

// drainFeedback delivers id's aggregator output, if any, either as a
// local FeedbackAggregated event (when this node is the channel's
// source) or forwarded one hop upstream otherwise.
func (f *Feature) drainFeedback(id RelayID) {
	agg := f.feedbackFor(id)
	out, ok := agg.popOutput()
	if !ok {
		return
	}
	if id.Source == f.self {
		f.events = append(f.events, LocalEvent{Channel: id.Channel, Event: ChannelEvent{Kind: ChannelEventFeedbackAggregated, Source: id.Source, Feedback: out}})
		return
	}
	f.outbound = append(f.outbound, Outbound{Relay: id, To: id.Source, Msg: WireMessage{Relay: id, Body: relayFeedback{FB: out}}})
}

func (f *Feature) maybeClear(id RelayID, r relay) {
	if r.shouldClear() {
		delete(f.relays, id)
		delete(f.feedbacks, id)
	}
}

func (f *Feature) collectRelay(id RelayID, r relay) {
	for _, w := range r.drainWire() {
		f.outbound = append(f.outbound, Outbound{Relay: id, To: w.To, Msg: WireMessage{Relay: id, Body: w.Body}})
	}
	for _, ev := range r.drainEvents() {
		f.events = append(f.events, LocalEvent{Channel: id.Channel, Event: ev})
	}
}

// Tick drives every relay and feedback aggregator forward, feeding
// each remoteRelay the live routing-derived next hop toward its
// source and garbage collecting relays that have gone idle.
func (f *Feature) Tick(now time.Time) {
	for id, r := range f.relays {
		r.onTick(now)
		if rr, ok := r.(*remoteRelay); ok && f.nextHop != nil {
			if hop, ok := f.nextHop(rr.source); ok {
				rr.OnRouteHint(now, hop)
			}
		}
		f.collectRelay(id, r)
		f.maybeClear(id, r)
	}
	for id, agg := range f.feedbacks {
		agg.onTick(now)
		for {
			out, ok := agg.popOutput()
			if !ok {
				break
			}
			if id.Source == f.self {
				f.events = append(f.events, LocalEvent{Channel: id.Channel, Event: ChannelEvent{Kind: ChannelEventFeedbackAggregated, Source: id.Source, Feedback: out}})
			} else {
				f.outbound = append(f.outbound, Outbound{Relay: id, To: id.Source, Msg: WireMessage{Relay: id, Body: relayFeedback{FB: out}}})
			}
		}
	}
}

// ConnDisconnected notifies every relay that remote dropped, matching
// §4.5 "Disconnection of a remote drops its downstream subscription
// immediately."
func (f *Feature) ConnDisconnected(remote nodeid.ID) {
	for id, r := range f.relays {
		r.connDisconnected(remote)
		f.collectRelay(id, r)
		f.maybeClear(id, r)
	}
}

// DrainOutbound returns and clears every pending wire message.
func (f *Feature) DrainOutbound() []Outbound {
	out := f.outbound
	f.outbound = nil
	return out
}

// DrainEvents returns and clears every pending local event.
func (f *Feature) DrainEvents() []LocalEvent {
	out := f.events
	f.events = nil
	return out
}
