package neighbour

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Direction is the side that initiated a ConnId.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// ConnId is a (direction, monotonic local uuid) pair, unique within
// one process and never reused (§3).
type ConnId struct {
	Direction Direction
	Local     uint64
}

func (c ConnId) String() string {
	return c.Direction.String() + "#" + itoa(c.Local)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// connIDGen hands out process-unique monotonic local ids per
// direction, matching §3's "monotonic local uuid" without pulling in
// a random UUID for something that must never collide within one
// process lifetime — google/uuid is reserved below for Session, which
// needs process-wide unpredictability rather than monotonicity.
type connIDGen struct {
	next atomic.Uint64
}

func (g *connIDGen) allocate(dir Direction) ConnId {
	return ConnId{Direction: dir, Local: g.next.Add(1)}
}

// NewSession returns a fresh 64-bit per-process session value (§3),
// derived from a random UUIDv4 so restarts are vanishingly unlikely
// to collide with a prior session of the same node.
func NewSession() uint64 {
	id := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}
