package controlgrpc

import (
	"context"
	"sync"
	"time"

	"github.com/meshd/meshd/features/alias"
	"github.com/meshd/meshd/features/data"
	"github.com/meshd/meshd/features/dhtkv"
	"github.com/meshd/meshd/features/pubsub"
	"github.com/meshd/meshd/features/rpc"
)

// pollInterval is how often the pump drains the backend's feature
// event queues. There is no blocking wait primitive on a Backend's
// Drain*Events (they are plain slices filled by an independently
// ticking controller), so a short poll is the simplest bridge from
// that pull-based contract to grpc's push-based streams, the same
// tradeoff worker.Worker's own ticker makes for periodic housekeeping.
const pollInterval = 20 * time.Millisecond

type rpcWaiter struct{ reply chan RequestReply }

type getWaiter struct {
	m     dhtkv.Map
	id    uint32
	reply chan GetReply
}

type queryWaiter struct {
	a     alias.Alias
	reply chan QueryReply
}

// pump fans every backend feature event out to the right subscriber:
// a pending unary call's waiter channel, or a long-lived stream's feed
// channel. One pump instance is shared by every Server method.
type pump struct {
	backend Backend

	mu       sync.Mutex
	rpcWait  map[uint64]rpcWaiter
	getWait  []getWaiter
	aliasW   []queryWaiter
	rpcFeed  []chan ReceivedEvent
	pubsub   map[pubsub.Actor]chan ChannelDataEvent
	mapFeed  map[dhtkv.Map][]chan MapEventMsg
	dataFeed map[uint16]chan RecvEvent
}

func newPump(backend Backend) *pump {
	return &pump{
		backend:  backend,
		rpcWait:  make(map[uint64]rpcWaiter),
		pubsub:   make(map[pubsub.Actor]chan ChannelDataEvent),
		mapFeed:  make(map[dhtkv.Map][]chan MapEventMsg),
		dataFeed: make(map[uint16]chan RecvEvent),
	}
}

// run drains the backend's event queues every pollInterval until ctx
// is cancelled.
func (p *pump) run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainRPC()
			p.drainDHTKV()
			p.drainPubSub()
			p.drainData()
			p.drainAlias()
		}
	}
}

func (p *pump) drainRPC() {
	for _, ev := range p.backend.DrainRPCEvents() {
		switch ev.Kind {
		case rpc.EventReceived:
			p.mu.Lock()
			feeds := append([]chan ReceivedEvent{}, p.rpcFeed...)
			p.mu.Unlock()
			re := ReceivedEvent{FromNode: ev.FromNode, FromService: ev.FromService, Cmd: ev.Cmd, Payload: ev.Payload, ReqID: ev.ReqID, IsRequest: ev.IsRequest}
			for _, f := range feeds {
				select {
				case f <- re:
				default:
				}
			}
		case rpc.EventAnswered, rpc.EventTimedOut:
			p.mu.Lock()
			w, ok := p.rpcWait[ev.LocalReqID]
			if ok {
				delete(p.rpcWait, ev.LocalReqID)
			}
			p.mu.Unlock()
			if !ok {
				continue
			}
			reply := RequestReply{Payload: ev.Payload, TimedOut: ev.Kind == rpc.EventTimedOut}
			if ev.Err != nil {
				reply.Err = *ev.Err
			}
			w.reply <- reply
		}
	}
}

func (p *pump) drainDHTKV() {
	for _, ev := range p.backend.DrainDHTKVEvents() {
		switch ev.Kind {
		case dhtkv.ClientEventGetResult:
			p.mu.Lock()
			var matched *getWaiter
			rest := p.getWait[:0]
			for i := range p.getWait {
				w := p.getWait[i]
				if matched == nil && w.m == ev.Map && w.id == ev.Get.ID {
					matched = &w
					continue
				}
				rest = append(rest, w)
			}
			p.getWait = rest
			p.mu.Unlock()
			if matched == nil {
				continue
			}
			reply := GetReply{}
			if ev.Get.Err != nil {
				reply.Err = ev.Get.Err.String()
			}
			for _, e := range ev.Get.Entries {
				reply.Entries = append(reply.Entries, KVEntry{Sub: uint64(e.Sub), Version: int64(e.Version), Value: e.Value})
			}
			matched.reply <- reply
		case dhtkv.ClientEventMapEvent:
			p.mu.Lock()
			feeds := append([]chan MapEventMsg{}, p.mapFeed[ev.Map]...)
			p.mu.Unlock()
			msg := MapEventMsg{Sub: uint64(ev.Event.Sub), Version: int64(ev.Event.Version), Value: ev.Event.Value, Deleted: ev.Event.Kind == dhtkv.MapEventOnDel}
			for _, f := range feeds {
				select {
				case f <- msg:
				default:
				}
			}
		}
	}
}

func (p *pump) drainPubSub() {
	for _, ev := range p.backend.DrainPubSubEvents() {
		if ev.Event.Kind != pubsub.ChannelEventSourceData {
			continue
		}
		p.mu.Lock()
		ch, ok := p.pubsub[ev.Actor]
		p.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- ChannelDataEvent{Source: ev.Event.Source, Data: ev.Event.Data}:
		default:
		}
	}
}

func (p *pump) drainData() {
	for _, ev := range p.backend.DrainDataEvents() {
		if ev.Kind != data.EventRecv {
			continue
		}
		p.mu.Lock()
		ch, ok := p.dataFeed[uint16(ev.Port)]
		p.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- RecvEvent{Port: uint16(ev.Port), Source: ev.Source, Data: ev.Data}:
		default:
		}
	}
}

func (p *pump) drainAlias() {
	for _, ev := range p.backend.DrainAliasEvents() {
		p.mu.Lock()
		var matched *queryWaiter
		rest := p.aliasW[:0]
		for i := range p.aliasW {
			w := p.aliasW[i]
			if matched == nil && w.a == ev.Alias {
				matched = &w
				continue
			}
			rest = append(rest, w)
		}
		p.aliasW = rest
		p.mu.Unlock()
		if matched == nil {
			continue
		}
		reply := QueryReply{}
		if ev.Found != nil {
			reply.Found = true
			reply.Node = ev.Found.Node
			reply.Kind = byte(ev.Found.Kind)
		}
		matched.reply <- reply
	}
}

func (p *pump) registerRPCWait(id uint64) chan RequestReply {
	ch := make(chan RequestReply, 1)
	p.mu.Lock()
	p.rpcWait[id] = rpcWaiter{reply: ch}
	p.mu.Unlock()
	return ch
}

func (p *pump) registerGetWait(m dhtkv.Map, id uint32) chan GetReply {
	ch := make(chan GetReply, 1)
	p.mu.Lock()
	p.getWait = append(p.getWait, getWaiter{m: m, id: id, reply: ch})
	p.mu.Unlock()
	return ch
}

func (p *pump) registerAliasWait(a alias.Alias) chan QueryReply {
	ch := make(chan QueryReply, 1)
	p.mu.Lock()
	p.aliasW = append(p.aliasW, queryWaiter{a: a, reply: ch})
	p.mu.Unlock()
	return ch
}

func (p *pump) registerRPCFeed() (chan ReceivedEvent, func()) {
	ch := make(chan ReceivedEvent, 16)
	p.mu.Lock()
	p.rpcFeed = append(p.rpcFeed, ch)
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, f := range p.rpcFeed {
			if f == ch {
				p.rpcFeed = append(p.rpcFeed[:i], p.rpcFeed[i+1:]...)
				break
			}
		}
	}
}

func (p *pump) registerPubSubFeed(actor pubsub.Actor) chan ChannelDataEvent {
	ch := make(chan ChannelDataEvent, 16)
	p.mu.Lock()
	p.pubsub[actor] = ch
	p.mu.Unlock()
	return ch
}

func (p *pump) unregisterPubSubFeed(actor pubsub.Actor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pubsub, actor)
}

func (p *pump) registerMapFeed(m dhtkv.Map) chan MapEventMsg {
	ch := make(chan MapEventMsg, 16)
	p.mu.Lock()
	p.mapFeed[m] = append(p.mapFeed[m], ch)
	p.mu.Unlock()
	return ch
}

func (p *pump) registerDataFeed(port uint16) chan RecvEvent {
	ch := make(chan RecvEvent, 16)
	p.mu.Lock()
	p.dataFeed[port] = ch
	p.mu.Unlock()
	return ch
}

func (p *pump) unregisterDataFeed(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dataFeed, port)
}
