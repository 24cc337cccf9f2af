// Package snapshot implements the read-only, copy-on-write
// RoutingSnapshot of §3: "the derived view shipped to data-plane
// workers... Workers hold this snapshot and apply deltas atomically
// from the controller." Backed by
// github.com/hashicorp/go-immutable-radix/v2, the same persistent
// data structure shape the spec's "copy-on-write" language describes:
// every delta produces a new *iradix.Tree sharing most of its
// structure with the previous one, so a worker can keep using its old
// *Snapshot value while a new one is published without ever observing
// a half-applied mutation (§5: "a worker may observe an older
// snapshot briefly after a delta", never a torn one).
package snapshot

import (
	"net/netip"

	iradix "github.com/hashicorp/go-immutable-radix/v2"

	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/routing"
)

// Dest is the per-destination entry stored in the snapshot: the
// chosen remote socket address to forward toward, if any is known.
type Dest struct {
	Remote netip.AddrPort
	Over   nodeid.ID
}

// Service is the per-service entry: whether this node runs it
// locally, plus the ordered list of remote candidates (only the
// chosen head is normally used, but fan-out features read the whole
// list for ToServices broadcast).
type Service struct {
	Local   bool
	Remotes []Dest
}

// Snapshot is one immutable view. Zero value is an empty snapshot
// (no routes, no services).
type Snapshot struct {
	dests    *iradix.Tree[Dest]
	services *iradix.Tree[Service]
}

// Empty returns the zero snapshot.
func Empty() *Snapshot {
	return &Snapshot{dests: iradix.New[Dest](), services: iradix.New[Service]()}
}

// Lookup returns the chosen next hop for dest, if any.
func (s *Snapshot) Lookup(dest nodeid.ID) (Dest, bool) {
	if s == nil || s.dests == nil {
		return Dest{}, false
	}
	b := dest.Bytes()
	return s.dests.Get(b[:])
}

// Service returns the registry entry for a service id.
func (s *Snapshot) Service(id byte) (Service, bool) {
	if s == nil || s.services == nil {
		return Service{}, false
	}
	return s.services.Get([]byte{id})
}

// Builder accumulates Delta/ServiceDelta application into a fresh
// Snapshot derived from a base one, without mutating the base —
// exactly the "apply deltas atomically" contract workers rely on.
type Builder struct {
	dests    *iradix.Tree[Dest]
	services *iradix.Tree[Service]
	resolve  func(over nodeid.ID) (netip.AddrPort, bool)
}

// NewBuilder starts a new build derived from base (or Empty() if base
// is nil). resolve maps a path's "over" NodeId to the socket address
// to actually send to; it is supplied by the neighbour manager's
// address book.
func NewBuilder(base *Snapshot, resolve func(over nodeid.ID) (netip.AddrPort, bool)) *Builder {
	if base == nil {
		base = Empty()
	}
	return &Builder{dests: base.dests, services: base.services, resolve: resolve}
}

// ApplyDest applies one routing.Delta.
func (b *Builder) ApplyDest(d routing.Delta) {
	key := d.Dest.Bytes()
	if d.BestPath == nil {
		b.dests, _, _ = b.dests.Delete(key[:])
		return
	}
	addr, ok := b.resolve(d.BestPath.Over)
	if !ok {
		b.dests, _, _ = b.dests.Delete(key[:])
		return
	}
	b.dests, _, _ = b.dests.Insert(key[:], Dest{Remote: addr, Over: d.BestPath.Over})
}

// ApplyService applies one routing.ServiceDelta. Unlike destinations,
// a service's snapshot entry also needs the full remote path list for
// ToServices fan-out (§3 "for each service... the chosen remote
// SocketAddr list"), so the caller passes the full ordered remote
// list alongside the delta.
func (b *Builder) ApplyService(d routing.ServiceDelta, remotes []routing.Path) {
	svc := Service{Local: d.Local}
	for _, p := range remotes {
		if addr, ok := b.resolve(p.Over); ok {
			svc.Remotes = append(svc.Remotes, Dest{Remote: addr, Over: p.Over})
		}
	}
	if !svc.Local && len(svc.Remotes) == 0 {
		b.services, _, _ = b.services.Delete([]byte{d.Service})
		return
	}
	b.services, _, _ = b.services.Insert([]byte{d.Service}, svc)
}

// Build finalises the Builder into an immutable Snapshot. The
// Builder must not be reused afterward.
func (b *Builder) Build() *Snapshot {
	return &Snapshot{dests: b.dests, services: b.services}
}
