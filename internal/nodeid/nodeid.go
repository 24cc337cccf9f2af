// Package nodeid defines the 32-bit node identifier and its derived
// address type used throughout the mesh, along with the bit-layer
// arithmetic the routing core keys its tables on.
package nodeid

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ID is a 32-bit node identifier. Its four bytes (most significant
// first) form the four layers of the routing hierarchy: Layer(0) is
// the most significant byte, Layer(3) the least.
type ID uint32

// Layers is the number of bit-layers a NodeId is split into.
const Layers = 4

// String renders the id as dotted bytes, e.g. "10.0.0.1", to keep log
// lines readable without pulling in a formatting dependency.
func (id ID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
}

// Layer returns the byte at bit-layer l (0..Layers-1), l=0 being the
// most significant byte.
func (id ID) Layer(l int) byte {
	shift := uint(8 * (Layers - 1 - l))
	return byte(id >> shift)
}

// Bytes returns the big-endian 4-byte encoding of the id, used as the
// key into the radix-tree-backed routing snapshot.
func (id ID) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b
}

// FromBytes decodes a big-endian 4-byte encoding produced by Bytes.
func FromBytes(b []byte) ID {
	return ID(binary.BigEndian.Uint32(b))
}

// EqUtilLayer returns the deepest layer (0..Layers) at which a and b
// share a prefix: Layers if a==b, 0 if they already differ at the
// most significant byte, and so on. It plays the role of §3's
// "eq_util_layer", with layers numbered from the most significant
// byte.
func EqUtilLayer(a, b ID) int {
	for l := 0; l < Layers; l++ {
		if a.Layer(l) != b.Layer(l) {
			return l
		}
	}
	return Layers
}

// RouteLayerIndex returns the single (layer, index) pair that a
// packet addressed to dest should be looked up under, from the point
// of view of a node whose id is self (§4.1): the layer is
// EqUtilLayer(self, dest), the first layer at which the two ids
// differ, and the index is dest.Layer of that layer.
//
// The second return value is false when self == dest (no layer
// lookup applies; delivery is local).
func RouteLayerIndex(self, dest ID) (layer int, index byte, ok bool) {
	eq := EqUtilLayer(self, dest)
	if eq >= Layers {
		return 0, 0, false
	}
	return eq, dest.Layer(eq), true
}

// Hint is one reachability hint for a NodeAddr: an IP+port the node
// may be dialed on, plus a free-form tag (e.g. "public", "lan").
type Hint struct {
	Addr netip.AddrPort
	Tag  string
}

// Addr is a NodeId plus an ordered list of reachability hints. Two
// Addrs are equal iff their NodeIds are equal; hints are advisory.
type Addr struct {
	ID    ID
	Hints []Hint
}

// Equal compares by NodeId only, per §3: "Serialisable, comparable by
// NodeId."
func (a Addr) Equal(other Addr) bool {
	return a.ID == other.ID
}

func (a Addr) String() string {
	if len(a.Hints) == 0 {
		return a.ID.String()
	}
	return fmt.Sprintf("%s@%s", a.ID, a.Hints[0].Addr)
}
