// Package routing implements the layered distance-vector table and
// service registry of C1 (§4.1): four 256-entry destination tables
// keyed by NodeId bit-layer, plus a 256-entry service registry,
// producing deltas that feed routing/snapshot's copy-on-write
// RoutingSnapshot. Grounded on
// original_source/packages/core/router/src/core/{table/dest.rs,registry.rs}.
package routing

import (
	"sort"

	"github.com/meshd/meshd/internal/metric"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/neighbour"
)

// Path is (ConnId, over-node NodeId, Metric), sorted by Metric.Score
// within its destination slot (§3).
type Path struct {
	Conn   neighbour.ConnId
	Over   nodeid.ID
	Metric metric.Metric
}

// Delta is one change the table wants the controller to propagate to
// data-plane workers (§3: "Destination slot... emits DelBestPath or
// SetBestPath(new_head) deltas").
type Delta struct {
	Layer       int
	Index       byte
	Dest        nodeid.ID
	BestPath    *Path // nil means DelBestPath
}

// destSlot is "for each (layer, index) of a 4x256 table: an ordered
// vector of Paths; the first entry is the current best" (§3).
type destSlot struct {
	dest  nodeid.ID // only meaningful once paths is non-empty
	paths []Path
}

func (s *destSlot) head() *Path {
	if len(s.paths) == 0 {
		return nil
	}
	return &s.paths[0]
}

// setPath implements §4.1's set_path algorithm: replace-or-append by
// ConnId, re-sort by score, return whether the head changed along
// with the new head (nil if the slot emptied).
func (s *destSlot) setPath(dest nodeid.ID, conn neighbour.ConnId, over nodeid.ID, m metric.Metric) (changed bool, newHead *Path) {
	prevHead := s.head()

	found := false
	for i := range s.paths {
		if s.paths[i].Conn == conn {
			s.paths[i].Metric = m
			s.paths[i].Over = over
			found = true
			break
		}
	}
	if !found {
		s.paths = append(s.paths, Path{Conn: conn, Over: over, Metric: m})
	}
	s.dest = dest

	sort.SliceStable(s.paths, func(i, j int) bool {
		return s.paths[i].Metric.Score().Less(s.paths[j].Metric.Score())
	})

	newHeadPath := s.head()
	changed = !samePath(prevHead, newHeadPath)
	return changed, newHeadPath
}

// delConn removes any Path over conn from the slot, reporting whether
// the head changed.
func (s *destSlot) delConn(conn neighbour.ConnId) (changed bool, newHead *Path) {
	prevHead := s.head()
	out := s.paths[:0]
	for _, p := range s.paths {
		if p.Conn != conn {
			out = append(out, p)
		}
	}
	s.paths = out
	newHeadPath := s.head()
	changed = !samePath(prevHead, newHeadPath)
	return changed, newHeadPath
}

// bestFor implements §4.1 split-horizon: "the first Path that does
// not list the neighbour in its hops".
func (s *destSlot) bestFor(neighbourID nodeid.ID) *Path {
	for i := range s.paths {
		if !s.paths[i].Metric.ContainsInHops(neighbourID) {
			return &s.paths[i]
		}
	}
	return nil
}

func samePath(a, b *Path) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Conn == b.Conn && a.Metric.Score() == b.Metric.Score()
}

// Table is the four-layer distance-vector table for one node. It is
// not safe for concurrent use; the controller plane serialises all
// access from its single-threaded loop (§5).
type Table struct {
	self nodeid.ID
	// layers[l][i] is nil until at least one Path has been set there.
	layers [nodeid.Layers][256]*destSlot
	deltas []Delta
}

// NewTable constructs an empty Table for node self.
func NewTable(self nodeid.ID) *Table {
	return &Table{self: self}
}

func (t *Table) slot(layer int, index byte) *destSlot {
	if t.layers[layer][index] == nil {
		t.layers[layer][index] = &destSlot{}
	}
	return t.layers[layer][index]
}

// SetPath is §4.1's set_path(conn, metric) for destination dest,
// reached over neighbour over via conn.
func (t *Table) SetPath(dest nodeid.ID, conn neighbour.ConnId, over nodeid.ID, m metric.Metric) {
	layer, index, ok := nodeid.RouteLayerIndex(t.self, dest)
	if !ok {
		return // dest == self; nothing to route
	}
	slot := t.slot(layer, index)
	changed, newHead := slot.setPath(dest, conn, over, m)
	if changed {
		t.deltas = append(t.deltas, Delta{Layer: layer, Index: index, Dest: dest, BestPath: newHead})
	}
}

// DelDirect implements §4.1 failure handling: "Disconnection triggers
// del_direct(conn) across all tables and all services." This method
// covers the destination tables; the service registry's half lives
// in Registry.DelDirect.
func (t *Table) DelDirect(conn neighbour.ConnId) {
	for l := 0; l < nodeid.Layers; l++ {
		for i := 0; i < 256; i++ {
			slot := t.layers[l][i]
			if slot == nil || len(slot.paths) == 0 {
				continue
			}
			dest := slot.dest
			changed, newHead := slot.delConn(conn)
			if changed {
				t.deltas = append(t.deltas, Delta{Layer: l, Index: byte(i), Dest: dest, BestPath: newHead})
			}
		}
	}
}

// BestFor returns the best loop-free path toward dest from the point
// of view of relaying it onward to neighbourID (split-horizon,
// §4.1), or nil if there is none.
func (t *Table) BestFor(dest, neighbourID nodeid.ID) *Path {
	layer, index, ok := nodeid.RouteLayerIndex(t.self, dest)
	if !ok {
		return nil
	}
	slot := t.layers[layer][index]
	if slot == nil {
		return nil
	}
	return slot.bestFor(neighbourID)
}

// Best returns the current best path toward dest, or nil.
func (t *Table) Best(dest nodeid.ID) *Path {
	layer, index, ok := nodeid.RouteLayerIndex(t.self, dest)
	if !ok {
		return nil
	}
	slot := t.layers[layer][index]
	if slot == nil {
		return nil
	}
	return slot.head()
}

// DrainDeltas returns and clears all deltas accumulated since the
// last call (§4.1: "Deltas accumulated are drained by the
// controller.").
func (t *Table) DrainDeltas() []Delta {
	d := t.deltas
	t.deltas = nil
	return d
}
