package routing

import (
	"github.com/meshd/meshd/internal/metric"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/neighbour"
)

// LayerEntry is one (index, metric) pair of a RouterSync message's
// per-layer list (§4.1).
type LayerEntry struct {
	Layer int
	Index byte
	Dest  nodeid.ID
	Metric metric.Metric
}

// Sync is the full contents of one RouterSync message (§4.1): "a list
// of (service, metric) entries and a per-layer list of (index,
// metric) entries."
type Sync struct {
	Services []SyncServiceEntry
	Layers   []LayerEntry
}

// BuildSyncFor assembles the layer half of the outgoing RouterSync for
// neighbour peer, walking every populated destination slot with the
// split-horizon bestFor rule; the service half comes from
// Registry.SyncFor.
func (t *Table) BuildSyncFor(peer nodeid.ID) []LayerEntry {
	var out []LayerEntry
	for l := 0; l < nodeid.Layers; l++ {
		for i := 0; i < 256; i++ {
			slot := t.layers[l][i]
			if slot == nil || len(slot.paths) == 0 {
				continue
			}
			if best := slot.bestFor(peer); best != nil {
				out = append(out, LayerEntry{Layer: l, Index: byte(i), Dest: slot.dest, Metric: best.Metric})
			}
		}
	}
	return out
}

// ApplySync implements §4.1's apply_sync(conn, src, link, sync): "the
// receiver adds its own link metric to each, then performs a diff:
// entries missing from the sync are removed for that ConnId; entries
// present cause set_path." conn/src identify the neighbour the sync
// arrived from; link is that neighbour's current link metric (one
// hop, §3). ApplySync does not check whether src is still a direct
// neighbour (§4.1 "Sync from a node that is no longer a direct
// neighbour is rejected"); the caller checks its neighbour.Manager
// before calling this. The returned error is always nil.
func (t *Table) ApplySync(conn neighbour.ConnId, src nodeid.ID, link metric.Metric, sync []LayerEntry) error {
	present := make(map[[2]int]struct{}, len(sync))
	for _, e := range sync {
		key := [2]int{e.Layer, int(e.Index)}
		present[key] = struct{}{}

		combined, err := link.Add(e.Metric)
		if err != nil {
			continue // loop: silently drop this entry (§8 Metric.add invariant), rest of sync still applies
		}
		t.SetPath(e.Dest, conn, src, combined)
	}

	// remove entries previously set by this ConnId that are no longer
	// present in the sync.
	for l := 0; l < nodeid.Layers; l++ {
		for i := 0; i < 256; i++ {
			slot := t.layers[l][i]
			if slot == nil {
				continue
			}
			key := [2]int{l, i}
			if _, ok := present[key]; ok {
				continue
			}
			hasConn := false
			for _, p := range slot.paths {
				if p.Conn == conn {
					hasConn = true
					break
				}
			}
			if !hasConn {
				continue
			}
			dest := slot.dest
			changed, newHead := slot.delConn(conn)
			if changed {
				t.deltas = append(t.deltas, Delta{Layer: l, Index: byte(i), Dest: dest, BestPath: newHead})
			}
		}
	}
	return nil
}

// ApplyServiceSync implements the service-registry half of apply_sync
// for the (service, metric) entries of one RouterSync.
func (r *Registry) ApplyServiceSync(conn neighbour.ConnId, src nodeid.ID, link metric.Metric, entries []SyncServiceEntry) {
	present := make(map[ServiceID]struct{}, len(entries))
	for _, e := range entries {
		present[e.Service] = struct{}{}
		combined, err := link.Add(e.Metric)
		if err != nil {
			continue
		}
		r.SetRemote(e.Service, conn, src, combined)
	}
	for i := 0; i < 256; i++ {
		svc := ServiceID(i)
		if _, ok := present[svc]; ok {
			continue
		}
		r.DelRemote(svc, conn)
	}
}
