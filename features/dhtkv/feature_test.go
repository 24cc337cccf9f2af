package dhtkv

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/meshd/meshd/internal/nodeid"
)

func TestFeatureRoundTripsSetOverWire(t *testing.T) {
	now := time.Now()
	owner := func(Map) (nodeid.ID, bool) { return nodeid.ID(1), true }

	writer := New(NodeSession{Node: nodeid.ID(2), Session: 1}, owner)
	home := New(NodeSession{Node: nodeid.ID(1), Session: 1}, owner)

	writer.OnLocal(now, 7, MapControl{Kind: MapControlSet, Sub: 1, Value: []byte("hello")})
	writer.Tick(now)
	out := writer.DrainOutbound()
	assert.Equal(t, len(out), 1)

	raw, err := out[0].Msg.Marshal()
	assert.NilError(t, err)
	decoded, err := UnmarshalWireMessage(raw)
	assert.NilError(t, err)

	home.OnRemote(now, 7, NodeSession{Node: nodeid.ID(2), Session: 1}, decoded)
	s, ok := home.servers[7]
	assert.Assert(t, ok)
	entries := s.Dump()
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, string(entries[0].Value), "hello")
}
