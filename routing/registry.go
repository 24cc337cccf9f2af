package routing

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/meshd/meshd/internal/metric"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/neighbour"
)

// ServiceID is the 256-valued service identifier space (§3: "256
// service IDs").
type ServiceID = byte

// ServiceNext is the result of Registry.Next: either the service runs
// locally, or the chosen remote Path, or nothing reachable.
type ServiceNext struct {
	Local  bool
	Remote *Path
}

// ServiceDelta mirrors Delta but for the service registry (§3:
// "Emits Set/Del deltas").
type ServiceDelta struct {
	Service ServiceID
	Local   bool
	Remote  *Path // nil if no remote path remains
}

type serviceSlot struct {
	local  bool
	remote []Path
}

func (s *serviceSlot) head() *Path {
	if len(s.remote) == 0 {
		return nil
	}
	return &s.remote[0]
}

// Registry is the §4.1 service registry: "per-service, keeps a
// boolean local plus a Path list built from sync messages."
type Registry struct {
	slots  [256]serviceSlot
	deltas []ServiceDelta
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// SetLocal marks service as running on this node, emitting a delta if
// the flag changed.
func (r *Registry) SetLocal(service ServiceID, local bool) {
	s := &r.slots[service]
	if s.local == local {
		return
	}
	s.local = local
	r.deltas = append(r.deltas, ServiceDelta{Service: service, Local: s.local, Remote: s.head()})
}

// SetRemote records/updates a remote Path for service, re-sorting by
// score and emitting a delta if the head changed.
func (r *Registry) SetRemote(service ServiceID, conn neighbour.ConnId, over nodeid.ID, m metric.Metric) {
	s := &r.slots[service]
	prevHead := s.head()

	found := false
	for i := range s.remote {
		if s.remote[i].Conn == conn {
			s.remote[i].Metric = m
			s.remote[i].Over = over
			found = true
			break
		}
	}
	if !found {
		s.remote = append(s.remote, Path{Conn: conn, Over: over, Metric: m})
	}
	sort.SliceStable(s.remote, func(i, j int) bool {
		return s.remote[i].Metric.Score().Less(s.remote[j].Metric.Score())
	})

	if newHead := s.head(); !samePath(prevHead, newHead) {
		r.deltas = append(r.deltas, ServiceDelta{Service: service, Local: s.local, Remote: newHead})
	}
}

// DelRemote removes any Path over conn from service's remote list.
func (r *Registry) DelRemote(service ServiceID, conn neighbour.ConnId) {
	s := &r.slots[service]
	prevHead := s.head()
	out := s.remote[:0]
	for _, p := range s.remote {
		if p.Conn != conn {
			out = append(out, p)
		}
	}
	s.remote = out
	if newHead := s.head(); !samePath(prevHead, newHead) {
		r.deltas = append(r.deltas, ServiceDelta{Service: service, Local: s.local, Remote: newHead})
	}
}

// DelDirect implements the service-registry half of §4.1's
// "del_direct(conn) across all tables and all services."
func (r *Registry) DelDirect(conn neighbour.ConnId) {
	for i := 0; i < 256; i++ {
		r.DelRemote(ServiceID(i), conn)
	}
}

// Next implements §4.1: "next(service, excludes) returns Local if
// local is set, else the first remote Path whose over-node is not in
// excludes." excludes is a golang-set Set, matching the spec's own
// vocabulary for this exact parameter.
func (r *Registry) Next(service ServiceID, excludes mapset.Set[nodeid.ID]) ServiceNext {
	s := &r.slots[service]
	if s.local {
		return ServiceNext{Local: true}
	}
	for i := range s.remote {
		if excludes == nil || !excludes.Contains(s.remote[i].Over) {
			p := s.remote[i]
			return ServiceNext{Remote: &p}
		}
	}
	return ServiceNext{}
}

// SyncFor implements §4.1: "sync_for(peer) enumerates services,
// emitting a metric per service, using best_for(peer) to avoid
// loops." Loop avoidance mirrors Table.BestFor at the service level:
// since services only track remote Paths (no
// per-ConnId hop tree beyond the stored Metric), loop avoidance here
// is the same "first path whose hops exclude peer" rule.
func (r *Registry) SyncFor(peer nodeid.ID) []SyncServiceEntry {
	var out []SyncServiceEntry
	for i := 0; i < 256; i++ {
		s := &r.slots[i]
		if s.local {
			out = append(out, SyncServiceEntry{Service: ServiceID(i), Metric: metric.Metric{}})
			continue
		}
		for j := range s.remote {
			if !s.remote[j].Metric.ContainsInHops(peer) {
				out = append(out, SyncServiceEntry{Service: ServiceID(i), Metric: s.remote[j].Metric})
				break
			}
		}
	}
	return out
}

// SyncServiceEntry is one (service, metric) pair of a RouterSync
// message (§4.1).
type SyncServiceEntry struct {
	Service ServiceID
	Metric  metric.Metric
}

// DrainDeltas returns and clears all service deltas since the last
// call.
func (r *Registry) DrainDeltas() []ServiceDelta {
	d := r.deltas
	r.deltas = nil
	return d
}

// Remotes returns the full ordered remote Path list for service, used
// by routing/snapshot.Builder to populate a ToServices fan-out list
// (the registry's deltas only carry the new head, §3).
func (r *Registry) Remotes(service ServiceID) []Path {
	s := &r.slots[service]
	out := make([]Path, len(s.remote))
	copy(out, s.remote)
	return out
}

// IsLocal reports whether service runs on this node.
func (r *Registry) IsLocal(service ServiceID) bool {
	return r.slots[service].local
}
