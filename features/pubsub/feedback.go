package pubsub

import (
	"time"

	"github.com/meshd/meshd/internal/nodeid"
)

// feedbackSource distinguishes a local actor's sample from a remote
// downstream's, so a later sample from the same source overwrites
// rather than accumulates — only the latest per-source value counts
// toward the aggregate.
type feedbackSource struct {
	isLocal bool
	local   Actor
	remote  nodeid.ID
}

type feedbackSample struct {
	source feedbackSource
	fb     Feedback
	at     time.Time
}

// singleFeedbackKind aggregates every live sample of one Feedback.Kind
// into a single upstream report, rate-limited to its own IntervalMs.
// Grounded on
// original_source/packages/network/src/features/pubsub/controller/feedbacks.rs's
// SingleFeedbackKind.
type singleFeedbackKind struct {
	kind      byte
	samples   []feedbackSample
	updated   bool
	lastSentAt time.Time
	haveSent  bool
}

func (k *singleFeedbackKind) upsert(now time.Time, source feedbackSource, fb Feedback) {
	k.updated = true
	for i := range k.samples {
		if k.samples[i].source == source {
			k.samples[i] = feedbackSample{source: source, fb: fb, at: now}
			return
		}
	}
	k.samples = append(k.samples, feedbackSample{source: source, fb: fb, at: now})
}

// process drops expired samples and, if there is fresh input and the
// rate limit allows it, returns the merged Feedback to forward
// upstream.
func (k *singleFeedbackKind) process(now time.Time) (Feedback, bool) {
	if !k.updated {
		k.expire(now)
		return Feedback{}, false
	}
	k.updated = false

	var agg Feedback
	for _, s := range k.samples {
		agg = agg.Add(s.fb)
	}
	k.expire(now)

	if agg.Count == 0 {
		return Feedback{}, false
	}
	if k.haveSent && now.Sub(k.lastSentAt) < time.Duration(agg.IntervalMs)*time.Millisecond {
		return Feedback{}, false
	}
	k.haveSent = true
	k.lastSentAt = now
	return agg, true
}

func (k *singleFeedbackKind) expire(now time.Time) {
	live := k.samples[:0]
	for _, s := range k.samples {
		if now.Sub(s.at) < time.Duration(s.fb.TimeoutMs)*time.Millisecond {
			live = append(live, s)
		}
	}
	k.samples = live
}

// feedbackAggregator is the per-relay reverse-channel aggregator:
// every Feedback.Kind is tracked independently so unrelated metrics
// (e.g. "buffered bytes" vs "playback position") never blend.
type feedbackAggregator struct {
	kinds []*singleFeedbackKind
	queue []Feedback
}

func (a *feedbackAggregator) kindFor(kind byte) *singleFeedbackKind {
	for _, k := range a.kinds {
		if k.kind == kind {
			return k
		}
	}
	k := &singleFeedbackKind{kind: kind}
	a.kinds = append(a.kinds, k)
	return k
}

func (a *feedbackAggregator) onLocal(now time.Time, actor Actor, fb Feedback) {
	k := a.kindFor(fb.Kind)
	k.upsert(now, feedbackSource{isLocal: true, local: actor}, fb)
	if out, ok := k.process(now); ok {
		a.queue = append(a.queue, out)
	}
}

func (a *feedbackAggregator) onRemote(now time.Time, remote nodeid.ID, fb Feedback) {
	k := a.kindFor(fb.Kind)
	k.upsert(now, feedbackSource{remote: remote}, fb)
	if out, ok := k.process(now); ok {
		a.queue = append(a.queue, out)
	}
}

func (a *feedbackAggregator) onTick(now time.Time) {
	live := a.kinds[:0]
	for _, k := range a.kinds {
		for {
			out, ok := k.process(now)
			if !ok {
				break
			}
			a.queue = append(a.queue, out)
		}
		if len(k.samples) > 0 {
			live = append(live, k)
		}
	}
	a.kinds = live
}

func (a *feedbackAggregator) popOutput() (Feedback, bool) {
	if len(a.queue) == 0 {
		return Feedback{}, false
	}
	out := a.queue[0]
	a.queue = a.queue[1:]
	return out, true
}
