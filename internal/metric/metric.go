// Package metric implements the path-scoring algebra used by the
// routing core: per-path RTT/hop/bandwidth bookkeeping, loop-safe
// composition, and the total order used to pick the best path.
package metric

import (
	"fmt"
	"slices"

	"github.com/docker/go-units"

	"github.com/meshd/meshd/internal/nodeid"
)

// Metric is (rtt_ms, hops, bandwidth) as defined in §3.
type Metric struct {
	RTTMillis uint16
	Hops      []nodeid.ID
	Bandwidth uint32
}

// ErrLoop is returned by Add when the combined hop lists would repeat
// a node, per §3/§8: "fails if a hop appears twice (loop)."
type ErrLoop struct {
	Node nodeid.ID
}

func (e *ErrLoop) Error() string {
	return fmt.Sprintf("metric: node %s appears twice in composed hop list", e.Node)
}

// ContainsInHops reports whether n appears anywhere in the metric's
// hop list; the loop predicate used by split-horizon checks.
func (m Metric) ContainsInHops(n nodeid.ID) bool {
	return slices.Contains(m.Hops, n)
}

// Add composes m with over, the metric of a single additional hop
// (typically the link metric to an immediate neighbour), concatenating
// hop lists, summing rtt (capped at 0xFFFF) and keeping the smaller
// bandwidth. It fails with ErrLoop if any
// node would appear twice, preserving the spec's loop-avoidance
// invariant at the algebra level rather than only at lookup time.
func (m Metric) Add(over Metric) (Metric, error) {
	seen := make(map[nodeid.ID]struct{}, len(m.Hops)+len(over.Hops))
	for _, h := range m.Hops {
		if _, dup := seen[h]; dup {
			return Metric{}, &ErrLoop{Node: h}
		}
		seen[h] = struct{}{}
	}
	for _, h := range over.Hops {
		if _, dup := seen[h]; dup {
			return Metric{}, &ErrLoop{Node: h}
		}
		seen[h] = struct{}{}
	}

	hops := make([]nodeid.ID, 0, len(m.Hops)+len(over.Hops))
	hops = append(hops, m.Hops...)
	hops = append(hops, over.Hops...)

	bw := m.Bandwidth
	if over.Bandwidth < bw {
		bw = over.Bandwidth // propagated, not enforced (§4.1): the path is as fast as its slowest hop
	}

	rtt := uint32(m.RTTMillis) + uint32(over.RTTMillis)
	if rtt > 0xFFFF {
		rtt = 0xFFFF
	}

	return Metric{RTTMillis: uint16(rtt), Hops: hops, Bandwidth: bw}, nil
}

// Score returns a total order key: lower is better. §3: "total order
// over (rtt, hop-count, bandwidth)", bandwidth descending (more is
// better) so we negate it into the ascending key.
type Score struct {
	RTT     uint16
	HopLen  int
	InvBand uint32
}

func (m Metric) Score() Score {
	return Score{RTT: m.RTTMillis, HopLen: len(m.Hops), InvBand: ^m.Bandwidth}
}

// Less implements the total order over Scores: rtt, then hop count,
// then bandwidth (higher bandwidth sorts first via the inverted key).
func (s Score) Less(o Score) bool {
	if s.RTT != o.RTT {
		return s.RTT < o.RTT
	}
	if s.HopLen != o.HopLen {
		return s.HopLen < o.HopLen
	}
	return s.InvBand < o.InvBand
}

// HumanString renders the metric for log fields, e.g. "rtt=12ms
// hops=2 bw=1.2MiB/s". Uses docker/go-units the same way the teacher's
// daemon logs format byte counts, so bandwidth numbers stay readable
// across orders of magnitude.
func (m Metric) HumanString() string {
	return fmt.Sprintf("rtt=%dms hops=%d bw=%s/s", m.RTTMillis, len(m.Hops), units.BytesSize(float64(m.Bandwidth)))
}
