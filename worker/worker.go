// Package worker glues a Forwarder to a SANS-I/O runtime contract
// (C9): a bus inbox, a periodic timer, and a UDP socket slot. The
// runtime's own internals (how it multiplexes sockets/timers across
// goroutines) are out of scope per spec.md §1; this package only
// specifies the contract with it, using golang.org/x/sync/errgroup
// for the cooperative fan-out the spec's §9 "cooperative task
// switcher" describes. Grounded on
// original_source/packages/network/src/worker.rs and
// packages/runner/src/worker_inner.rs.
package worker

import (
	"context"
	"net/netip"
	"time"

	"github.com/containerd/log"
	events "github.com/docker/go-events"
	"golang.org/x/sync/errgroup"

	"github.com/meshd/meshd/dataplane"
	"github.com/meshd/meshd/internal/bus"
	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/nodeid"
	"github.com/meshd/meshd/internal/secure"
	"github.com/meshd/meshd/metrics"
	"github.com/meshd/meshd/routing/snapshot"
)

// Socket is the minimal UDP transport contract a worker needs from the
// host runtime: read one datagram (blocking until one arrives or ctx
// is cancelled) and write one sealed datagram to an address.
type Socket interface {
	ReadFrom(ctx context.Context) (netip.AddrPort, []byte, error)
	WriteTo(ctx context.Context, addr netip.AddrPort, b []byte) error
	Close() error
}

// FeatureDispatch is implemented by the controlplane/controller glue
// for controller-only features (C3/C4/C5): given a decoded envelope
// whose route resolved to local delivery, hand the payload to the
// right feature.
type FeatureDispatch interface {
	Deliver(ctx context.Context, e envelope.Envelope, remote netip.AddrPort) error
}

// BusMessage is one message this worker's own inbox should handle
// (e.g. snapshot deltas, pin/unpin, cross-worker events, §5/§6).
type BusMessage interface {
	Apply(ctx context.Context, w *Worker)
}

// Worker is one data-plane worker instance (§4.3/§9). Index 0 is
// reserved for the controller's own co-located worker per §4.3
// ("The controller plane is itself a worker (index 0)").
type Worker struct {
	Index     int
	socket    Socket
	forwarder *dataplane.Forwarder
	bus       *bus.Bus
	dispatch  FeatureDispatch

	tickInterval time.Duration
}

// New constructs a Worker. dispatch handles locally-delivered
// envelopes (neighbour-control frames go to the controller through
// the bus instead, see HandleInbound).
func New(index int, socket Socket, forwarder *dataplane.Forwarder, b *bus.Bus, dispatch FeatureDispatch) *Worker {
	return &Worker{
		Index:        index,
		socket:       socket,
		forwarder:    forwarder,
		bus:          b,
		dispatch:     dispatch,
		tickInterval: time.Second,
	}
}

// Forwarder exposes the underlying dataplane.Forwarder so bus message
// handlers (Pin/Unpin/ApplySnapshot) can mutate it; only ever called
// from this worker's own goroutine, preserving §5's single-threaded
// invariant.
func (w *Worker) Forwarder() *dataplane.Forwarder { return w.forwarder }

// HandleInbound processes one inbound datagram through the forwarder
// and performs whatever I/O the decision calls for: forwarding,
// broadcasting, local delivery, or handing a neighbour-control frame
// to the controller via the bus (§4.3).
func (w *Worker) HandleInbound(ctx context.Context, remote netip.AddrPort, raw []byte) error {
	decision, err := w.forwarder.OnInbound(remote, raw)
	if err != nil {
		metrics.Dataplane.Dropped.Inc()
		log.G(ctx).WithError(err).WithField("worker", w.Index).Debug("dataplane: dropped inbound datagram")
		return err
	}

	switch decision.Outcome {
	case dataplane.OutcomeToController:
		metrics.Dataplane.ToController.Inc()
		return w.bus.PublishControl(ctx, decision.RawControl)

	case dataplane.OutcomeLocalDeliver:
		metrics.Dataplane.LocalDeliver.Inc()
		return w.dispatch.Deliver(ctx, decision.Envelope, remote)

	case dataplane.OutcomeForward:
		metrics.Dataplane.Forwarded.Inc()
		sealed, err := w.seal(decision.Envelope, decision.Forward)
		if err != nil {
			return err
		}
		return w.socket.WriteTo(ctx, decision.Forward, sealed)

	case dataplane.OutcomeBroadcast:
		metrics.Dataplane.Broadcast.Inc()
		metrics.Dataplane.BroadcastFans.WithValues("local").Inc(float64(len(decision.Broadcast)))
		if decision.DeliverLocally {
			if err := w.dispatch.Deliver(ctx, decision.Envelope, remote); err != nil {
				log.G(ctx).WithError(err).Warn("dataplane: local broadcast delivery failed")
			}
		}
		for _, dst := range decision.Broadcast {
			sealed, err := w.seal(decision.Envelope, dst)
			if err != nil {
				continue
			}
			if err := w.socket.WriteTo(ctx, dst, sealed); err != nil {
				log.G(ctx).WithError(err).WithField("dst", dst).Warn("dataplane: broadcast copy failed")
			}
		}
		return nil

	default:
		return nil
	}
}

func (w *Worker) seal(e envelope.Envelope, dst netip.AddrPort) ([]byte, error) {
	pin, ok := w.forwarder.PinnedFor(dst)
	if !ok {
		return nil, errNotPinned{}
	}
	header, err := envelope.Encode(envelope.Envelope{Header: e.Header})
	if err != nil {
		return nil, err
	}
	sealed := pin.Secure.Seal(e.Payload, header)
	return append(header, sealed...), nil
}

type errNotPinned struct{}

func (errNotPinned) Error() string { return "worker: no pinned secure context for destination" }

// SnapshotDelta is the bus message the controller publishes to every
// data-plane worker whenever routing.Table or routing.Registry
// produces a delta (§3/§5 copy-on-write snapshot delivery).
type SnapshotDelta struct {
	Snapshot *snapshot.Snapshot
}

// Apply installs the new snapshot on w's own forwarder. Only ever
// invoked from w's own bus-inbox goroutine, preserving §5's
// single-threaded-per-worker invariant.
func (d SnapshotDelta) Apply(ctx context.Context, w *Worker) {
	w.forwarder.ApplySnapshot(d.Snapshot)
}

// PinRemote is the bus message the neighbour manager's controller
// glue publishes when a link finishes its handshake (§4.3 step 2:
// "Pin(remote, secure_context)").
type PinRemote struct {
	Remote netip.AddrPort
	Peer   nodeid.ID
	Secure *secure.Context
}

// Apply registers the pin on w's own forwarder.
func (p PinRemote) Apply(ctx context.Context, w *Worker) {
	w.forwarder.Pin(p.Remote, p.Peer, p.Secure)
}

// SendEnvelope is the bus message the controller's feature dispatch
// publishes when a feature's Tick/OnLocal/OnRemote wants a wire
// message sent toward a resolved remote address, the locally
// originated counterpart to HandleInbound's OutcomeForward path.
type SendEnvelope struct {
	Remote   netip.AddrPort
	Envelope envelope.Envelope
}

// Apply seals and writes the envelope on w's own socket. Only ever
// invoked from w's own bus-inbox goroutine, preserving §5's
// single-threaded-per-worker invariant.
func (s SendEnvelope) Apply(ctx context.Context, w *Worker) {
	sealed, err := w.seal(s.Envelope, s.Remote)
	if err != nil {
		log.G(ctx).WithError(err).WithField("dst", s.Remote).Warn("worker: send envelope not pinned")
		return
	}
	if err := w.socket.WriteTo(ctx, s.Remote, sealed); err != nil {
		log.G(ctx).WithError(err).WithField("dst", s.Remote).Warn("worker: send envelope write failed")
	}
}

// UnpinRemote is the bus message published on neighbour disconnect.
type UnpinRemote struct {
	Remote netip.AddrPort
}

// Apply removes the pin from w's own forwarder.
func (u UnpinRemote) Apply(ctx context.Context, w *Worker) {
	w.forwarder.Unpin(u.Remote)
}

// Run drains the worker's bus inbox and the UDP socket concurrently
// until ctx is cancelled, implementing the §4.3/§5 suspension
// contract: "A worker suspends only at its event loop boundary
// (awaiting the next of: timer fire, UDP readable, bus message)."
// golang.org/x/sync/errgroup supplies the cooperative fan-in/fan-out
// without hand-rolling a select-loop scheduler.
func (w *Worker) Run(ctx context.Context, inbox *events.Channel) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(w.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				// periodic housekeeping hook; no work is attached to it
				// here, and FeatureDispatch exposes only Deliver.
			}
		}
	})

	g.Go(func() error {
		for {
			remote, raw, err := w.socket.ReadFrom(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.G(ctx).WithError(err).Warn("worker: socket read error")
				continue
			}
			if err := w.HandleInbound(ctx, remote, raw); err != nil {
				log.G(ctx).WithError(err).Debug("worker: inbound handling error")
			}
		}
	})

	if inbox != nil {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev, ok := <-inbox.C:
					if !ok {
						return nil
					}
					if msg, ok := ev.(BusMessage); ok {
						msg.Apply(ctx, w)
					}
				}
			}
		})
	}

	return g.Wait()
}

// Shutdown closes the worker's socket and does nothing else: it does
// not stop Run, does not drain the bus inbox, and does not emit
// ShutdownResponse (a bus/external-event concern, not a Socket
// concern).
func (w *Worker) Shutdown() error { return w.socket.Close() }
