// Package bus implements the typed inter-plane bus described in §5/§6:
// "Control(LogicControl)", "Workers(LogicEvent)", "Worker(index,
// CrossWorker)". It is a thin typed wrapper over
// github.com/docker/go-events's Sink/Channel/Broadcaster primitives,
// the same composition moby-moby uses internally for daemon event
// propagation.
package bus

import (
	"context"

	"github.com/containerd/log"
	events "github.com/docker/go-events"

	"github.com/meshd/meshd/internal/errdefs"
)

// Envelope is one message travelling on the bus. Kind selects which
// of the three §6 classes it belongs to; WorkerIndex is only
// meaningful for KindWorker.
type Kind int

const (
	// KindControl addresses the controller plane (subsystem name:
	// "Controller" in §6).
	KindControl Kind = iota
	// KindWorkers is a broadcast to every data-plane worker (e.g.
	// routing snapshot deltas).
	KindWorkers
	// KindWorker addresses exactly one worker by index.
	KindWorker
)

type Envelope struct {
	Kind        Kind
	WorkerIndex int
	Payload     any
}

// Bus fans a stream of Envelopes out to per-destination channels.
// Controller and each worker register exactly one Channel sink for
// their own destination (Controller via SubscribeControl, workers via
// SubscribeWorker(idx, capacity)); the KindWorkers broadcast
// is delivered to every registered KindWorker sink.
type Bus struct {
	broadcast *events.Broadcaster
	workers   *events.Broadcaster
	control   *events.Broadcaster

	perWorker map[int]*events.Channel
}

// New constructs an empty Bus. Each subscriber's channel capacity is
// given to SubscribeControl or SubscribeWorker; a publish whose sink
// write fails surfaces as a Backpressure-class error (§7).
func New() *Bus {
	return &Bus{
		broadcast: events.NewBroadcaster(),
		workers:   events.NewBroadcaster(),
		control:   events.NewBroadcaster(),
		perWorker: make(map[int]*events.Channel),
	}
}

// SubscribeControl registers the controller plane's inbox.
func (b *Bus) SubscribeControl(capacity int) *events.Channel {
	ch := events.NewChannel(capacity)
	b.control.Add(ch)
	return ch
}

// SubscribeWorker registers worker idx's inbox; it receives both
// KindWorker messages addressed to idx and every KindWorkers
// broadcast.
func (b *Bus) SubscribeWorker(idx int, capacity int) *events.Channel {
	ch := events.NewChannel(capacity)
	b.workers.Add(ch)
	b.perWorker[idx] = ch
	return ch
}

// PublishControl sends payload to the controller's inbox.
func (b *Bus) PublishControl(ctx context.Context, payload any) error {
	if err := b.control.Write(payload); err != nil {
		log.G(ctx).WithError(err).Warn("bus: control publish dropped")
		return errdefs.Backpressure("bus.PublishControl", err)
	}
	return nil
}

// PublishWorkers broadcasts payload to every worker.
func (b *Bus) PublishWorkers(ctx context.Context, payload any) error {
	if err := b.workers.Write(payload); err != nil {
		log.G(ctx).WithError(err).Warn("bus: workers broadcast dropped")
		return errdefs.Backpressure("bus.PublishWorkers", err)
	}
	return nil
}

// PublishWorker sends payload to exactly one worker's inbox.
func (b *Bus) PublishWorker(ctx context.Context, idx int, payload any) error {
	ch, ok := b.perWorker[idx]
	if !ok {
		return errdefs.Routing("bus.PublishWorker", errUnknownWorker(idx))
	}
	if err := ch.Write(payload); err != nil {
		log.G(ctx).WithError(err).WithField("worker", idx).Warn("bus: worker publish dropped")
		return errdefs.Backpressure("bus.PublishWorker", err)
	}
	return nil
}

// Close releases all broadcaster resources; safe to call once at
// shutdown after every plane has drained its inbox (§4.3, §5
// Cancellation).
func (b *Bus) Close() error {
	_ = b.control.Close()
	_ = b.workers.Close()
	return b.broadcast.Close()
}

type errUnknownWorker int

func (e errUnknownWorker) Error() string { return "bus: unknown worker index" }
