package dhtkv

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/meshd/meshd/internal/nodeid"
)

// Feature owns every Map this node is either the home of (a
// ServerMap) or a client of (a ClientMap), implementing the
// controlplane-facing contract the same way features/routersync.Feature
// does: Tick for periodic housekeeping, OnRemote for inbound wire
// messages, DrainOutbound/DrainEvents for what to send/surface.
type Feature struct {
	self NodeSession

	servers map[Map]*ServerMap
	clients map[Map]*ClientMap

	// owner resolves the current routing-derived owner of a Map,
	// backing OnRouteChanged detection (§4.4 "Relay selection").
	owner func(Map) (nodeid.ID, bool)

	outbound []Outbound
	events   []ClientEvent
}

// Outbound is one wire message this feature wants routed ToKey(map)
// toward the Map's current owner.
type Outbound struct {
	Map Map
	Msg WireMessage
}

// New constructs a Feature for node self, with owner supplying the
// live routing-derived owner lookup for relay-selection detection.
func New(self NodeSession, owner func(Map) (nodeid.ID, bool)) *Feature {
	return &Feature{
		self:    self,
		servers: make(map[Map]*ServerMap),
		clients: make(map[Map]*ClientMap),
		owner:   owner,
	}
}

// serverFor returns this node's ServerMap for m, creating one when
// autoCreate is set; it does not check whether this node is m's
// routing-derived owner.
func (f *Feature) serverFor(m Map, autoCreate bool) (*ServerMap, bool) {
	s, ok := f.servers[m]
	if !ok && autoCreate {
		s = NewServerMap()
		f.servers[m] = s
	}
	return s, s != nil
}

func (f *Feature) clientFor(m Map) *ClientMap {
	c, ok := f.clients[m]
	if !ok {
		c = NewClientMap(f.self)
		f.clients[m] = c
	}
	return c
}

// OnLocal applies a local actor's MapControl against m (§4.4).
func (f *Feature) OnLocal(now time.Time, m Map, ctl MapControl) {
	c := f.clientFor(m)
	switch ctl.Kind {
	case MapControlSet:
		c.Set(ctl.Sub, Version(now.UnixNano()), ctl.Value)
	case MapControlDel:
		c.Del(ctl.Sub, Version(now.UnixNano()))
	case MapControlSub:
		owner, _ := f.owner(m)
		c.Sub(now, owner)
	case MapControlUnsub:
		c.Unsub()
	}
}

// OnLocalGet issues a Get against m's owner.
func (f *Feature) OnLocalGet(now time.Time, m Map, timeout time.Duration) uint32 {
	return f.clientFor(m).Get(now, timeout)
}

// OnRemote applies one decoded wire message arriving from remote for
// Map m (§4.4 contract: server and client commands share the ToKey
// envelope but never collide since a ClientMapCommand only targets a
// home node's ServerMap and a ServerMapEvent only targets a
// subscribing client's ClientMap).
func (f *Feature) OnRemote(now time.Time, m Map, remote NodeSession, msg WireMessage) {
	switch body := msg.Body.(type) {
	case ClientSetCmd:
		if s, ok := f.serverFor(m, true); ok {
			s.OnClientSet(now, remote, body.Sub, body.Version, body.Value)
		}
	case ClientDelCmd:
		if s, ok := f.serverFor(m, false); ok {
			s.OnClientDel(now, remote, body.Sub, body.Version)
		}
	case ClientSubCmd:
		if s, ok := f.serverFor(m, true); ok {
			s.OnClientSub(now, remote, body.Session)
		}
	case ClientUnsubCmd:
		if s, ok := f.serverFor(m, false); ok {
			s.OnClientUnsub(remote, body.Session)
		}
	case ClientGetCmd:
		if s, ok := f.serverFor(m, false); ok {
			f.outbound = append(f.outbound, Outbound{Map: m, Msg: WireMessage{Body: ServerGetResultMsg{GetID: body.GetID, Entries: s.Dump()}}})
		} else {
			f.outbound = append(f.outbound, Outbound{Map: m, Msg: WireMessage{Body: ServerGetResultMsg{GetID: body.GetID, Entries: nil}}})
		}
	case ClientAckCmd:
		if s, ok := f.serverFor(m, false); ok {
			s.OnAck(remote, body.Sub, body.Version)
		}
	case ServerEventMsg:
		f.clientFor(m).OnServerEvent(body.Event)
	case ServerGetResultMsg:
		var err *GetError
		if body.Entries == nil {
			nf := GetErrorNotFound
			err = &nf
		}
		f.clientFor(m).OnGetResult(body.GetID, body.Entries, err)
	}
}

// Tick drives every owned ServerMap and ClientMap forward, garbage
// collecting ServerMaps that have become empty (§3: "destroyed when
// empty and unsubscribed"), and reports the current owner to every
// ClientMap through OnRouteChanged, subscribed or not.
func (f *Feature) Tick(now time.Time) {
	for m, s := range f.servers {
		s.OnTick(now)
		if s.ShouldClean() {
			delete(f.servers, m)
		}
	}
	for m, c := range f.clients {
		c.OnTick(now)
		if owner, ok := f.owner(m); ok {
			c.OnRouteChanged(now, owner)
		}
	}
	f.collectOutbound()
}

func (f *Feature) collectOutbound() {
	for m, s := range f.servers {
		for _, o := range s.DrainOutbound() {
			f.outbound = append(f.outbound, Outbound{Map: m, Msg: serverEventWire(o)})
		}
	}
	for m, c := range f.clients {
		for _, o := range c.DrainOutbound() {
			f.outbound = append(f.outbound, Outbound{Map: m, Msg: clientCommandWire(o)})
		}
		f.events = append(f.events, c.DrainEvents()...)
	}
}

func serverEventWire(o ServerOutbound) WireMessage {
	switch o.Event.Kind {
	case ServerEventSetOk:
		return WireMessage{Body: ServerOkMsg{Sub: o.Event.Sub, Version: o.Event.Version, Del: false}}
	case ServerEventDelOk:
		return WireMessage{Body: ServerOkMsg{Sub: o.Event.Sub, Version: o.Event.Version, Del: true}}
	case ServerEventSubOk, ServerEventUnsubOk:
		return WireMessage{Body: ServerSubAckMsg{Session: o.Event.Session, Unsub: o.Event.Kind == ServerEventUnsubOk}}
	default:
		return WireMessage{Body: ServerEventMsg{Event: o.Event.Event}}
	}
}

func clientCommandWire(o ClientOutbound) WireMessage {
	switch o.Kind {
	case ClientCommandSet:
		return WireMessage{Body: ClientSetCmd{Sub: o.Sub, Version: o.Version, Value: o.Value}}
	case ClientCommandDel:
		return WireMessage{Body: ClientDelCmd{Sub: o.Sub, Version: o.Version}}
	case ClientCommandSub:
		return WireMessage{Body: ClientSubCmd{Session: o.Session}}
	case ClientCommandUnsub:
		return WireMessage{Body: ClientUnsubCmd{Session: o.Session}}
	case ClientCommandGet:
		return WireMessage{Body: ClientGetCmd{GetID: o.GetID}}
	case ClientCommandSetAck, ClientCommandDelAck:
		return WireMessage{Body: ClientAckCmd{Sub: o.Sub, Version: o.Version}}
	default:
		return WireMessage{}
	}
}

// DrainOutbound returns and clears every pending wire message.
func (f *Feature) DrainOutbound() []Outbound {
	out := f.outbound
	f.outbound = nil
	return out
}

// DrainEvents returns and clears every pending local event.
func (f *Feature) DrainEvents() []ClientEvent {
	out := f.events
	f.events = nil
	return out
}

// WireMessage is the gob-encoded envelope payload for every dhtkv
// message. encoding/gob is used for the same reason
// features/routersync does: this is an internal, same-version,
// Go-to-Go message with no cross-language contract to satisfy.
type WireMessage struct {
	Body any
}

type ClientSetCmd struct {
	Sub   SubKey
	Version Version
	Value []byte
}
type ClientDelCmd struct {
	Sub     SubKey
	Version Version
}
type ClientSubCmd struct{ Session uint64 }
type ClientUnsubCmd struct{ Session uint64 }
type ClientGetCmd struct{ GetID uint32 }
type ClientAckCmd struct {
	Sub     SubKey
	Version Version
}
type ServerOkMsg struct {
	Sub     SubKey
	Version Version
	Del     bool
}
type ServerSubAckMsg struct {
	Session uint64
	Unsub   bool
}
type ServerEventMsg struct{ Event MapEvent }
type ServerGetResultMsg struct {
	GetID   uint32
	Entries []Entry
}

func init() {
	gob.Register(ClientSetCmd{})
	gob.Register(ClientDelCmd{})
	gob.Register(ClientSubCmd{})
	gob.Register(ClientUnsubCmd{})
	gob.Register(ClientGetCmd{})
	gob.Register(ClientAckCmd{})
	gob.Register(ServerOkMsg{})
	gob.Register(ServerSubAckMsg{})
	gob.Register(ServerEventMsg{})
	gob.Register(ServerGetResultMsg{})
}

// Marshal gob-encodes msg for transport inside an envelope payload.
func (m WireMessage) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalWireMessage decodes bytes produced by WireMessage.Marshal.
func UnmarshalWireMessage(b []byte) (WireMessage, error) {
	var m WireMessage
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return WireMessage{}, err
	}
	return m, nil
}
