package pubsub

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestFeedbackAggregatorSingleSource(t *testing.T) {
	var agg feedbackAggregator
	now := time.Now()
	fb := SimpleFeedback(0, 10, 1000, 2000)

	agg.onLocal(now, Actor(1), fb)
	out, ok := agg.popOutput()
	assert.Assert(t, ok)
	assert.DeepEqual(t, out, fb)
	_, ok = agg.popOutput()
	assert.Assert(t, !ok)
}

func TestFeedbackAggregatorMergesMultipleSources(t *testing.T) {
	var agg feedbackAggregator
	now := time.Now()

	fb1 := SimpleFeedback(0, 10, 1000, 2000)
	agg.onLocal(now, Actor(1), fb1)
	agg.popOutput()

	// Past fb1's own IntervalMs, so the merged sample is allowed
	// through rather than rate-limited.
	fb2 := SimpleFeedback(0, 20, 1500, 3000)
	agg.onLocal(now.Add(1100*time.Millisecond), Actor(2), fb2)
	out, ok := agg.popOutput()
	assert.Assert(t, ok)
	assert.Equal(t, out.Count, uint32(2))
	assert.Equal(t, out.Sum, int64(30))
	assert.Equal(t, out.Max, int64(20))
	assert.Equal(t, out.Min, int64(10))
	assert.Equal(t, out.IntervalMs, uint32(1000))
	assert.Equal(t, out.TimeoutMs, uint32(3000))
}

func TestFeedbackAggregatorRateLimitsByInterval(t *testing.T) {
	var agg feedbackAggregator
	now := time.Now()
	fb := SimpleFeedback(0, 10, uint32(time.Second.Milliseconds()), 0)

	agg.onLocal(now, Actor(1), fb)
	_, ok := agg.popOutput()
	assert.Assert(t, ok)

	// A second sample from the same source within IntervalMs must not
	// produce a second forward.
	agg.onLocal(now.Add(100*time.Millisecond), Actor(1), fb)
	_, ok = agg.popOutput()
	assert.Assert(t, !ok)
}

func TestFeedbackAggregatorDropsEmptyKind(t *testing.T) {
	var agg feedbackAggregator
	now := time.Now()
	fb := SimpleFeedback(0, 10, 1000, 2000)

	agg.onLocal(now, Actor(1), fb)
	agg.popOutput()
	assert.Equal(t, len(agg.kinds), 1)

	agg.onTick(now.Add(3 * time.Second))
	assert.Equal(t, len(agg.kinds), 0)
}
