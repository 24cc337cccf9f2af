// Package metrics wires the ambient observability surface every
// controller and worker carries regardless of spec.md's Non-goals: a
// single github.com/docker/go-metrics Namespace ("meshd") holding
// per-subsystem collectors, registered against the package-level
// default registry and exposed through go-metrics' package-level
// Handler. The teacher's copy of moby-moby vendors
// go-metrics (go.mod) but no call site of it survived the trim of this
// pack, so this package follows go-metrics' own documented
// NewNamespace/New*Counter/New*Gauge/New*Timer idiom directly rather
// than imitating a teacher file (see DESIGN.md).
package metrics

import (
	"net/http"
	"time"

	"github.com/docker/go-metrics"
)

// Namespace is "meshd", mirroring the single top-level namespace every
// go-metrics consumer registers once per process.
const namespaceName = "meshd"

var ns = metrics.NewNamespace(namespaceName, "", nil)

func init() {
	metrics.Register(ns)
}

// Handler exposes every registered namespace for a Prometheus scrape,
// mountable on any cmd/*'s debug/admin HTTP mux.
func Handler() http.Handler {
	return metrics.Handler()
}

// Routing counts routing.Table/Registry churn (§3).
var Routing = struct {
	Destinations metrics.Gauge
	Services     metrics.Gauge
	Deltas       metrics.Counter
}{
	Destinations: ns.NewGauge("routing_destinations", "known destinations in the routing table", metrics.Total),
	Services:     ns.NewGauge("routing_services", "known service registrations", metrics.Total),
	Deltas:       ns.NewCounter("routing_deltas_total", "routing table/registry deltas applied"),
}

// Neighbours counts neighbour.Manager link churn (§2).
var Neighbours = struct {
	Connected metrics.Gauge
	Flaps     metrics.Counter
}{
	Connected: ns.NewGauge("neighbours_connected", "currently connected direct neighbours", metrics.Total),
	Flaps:     ns.NewCounter("neighbour_flaps_total", "connect+disconnect transitions observed"),
}

// Dataplane counts dataplane.Forwarder decisions (§4).
var Dataplane = struct {
	Dropped       metrics.Counter
	ToController  metrics.Counter
	LocalDeliver  metrics.Counter
	Forwarded     metrics.Counter
	Broadcast     metrics.Counter
	BroadcastFans metrics.LabeledCounter
}{
	Dropped:       ns.NewCounter("dataplane_dropped_total", "inbound datagrams dropped"),
	ToController:  ns.NewCounter("dataplane_to_controller_total", "inbound datagrams handed to the controller"),
	LocalDeliver:  ns.NewCounter("dataplane_local_deliver_total", "inbound datagrams delivered to a local feature"),
	Forwarded:     ns.NewCounter("dataplane_forwarded_total", "inbound datagrams forwarded to a single next hop"),
	Broadcast:     ns.NewCounter("dataplane_broadcast_total", "inbound datagrams broadcast to multiple peers"),
	BroadcastFans: ns.NewLabeledCounter("dataplane_broadcast_copies_total", "per-destination broadcast copies sent", "level"),
}

// DHTKV counts features/dhtkv traffic (§4.4).
var DHTKV = struct {
	Gets       metrics.Counter
	Puts       metrics.Counter
	Timeouts   metrics.Counter
	Republish  metrics.Counter
	EntriesMap metrics.LabeledGauge
}{
	Gets:       ns.NewCounter("dhtkv_gets_total", "local Get requests issued"),
	Puts:       ns.NewCounter("dhtkv_puts_total", "local Put requests issued"),
	Timeouts:   ns.NewCounter("dhtkv_timeouts_total", "pending Gets that timed out"),
	Republish:  ns.NewCounter("dhtkv_republish_total", "owned entries republished on tick"),
	EntriesMap: ns.NewLabeledGauge("dhtkv_entries", "entries currently held per map", metrics.Total, "map"),
}

// PubSub counts features/pubsub traffic (§4.5).
var PubSub = struct {
	Published metrics.Counter
	Delivered metrics.Counter
	Relayed   metrics.Counter
	Topics    metrics.Gauge
}{
	Published: ns.NewCounter("pubsub_published_total", "local Publish calls"),
	Delivered: ns.NewCounter("pubsub_delivered_total", "messages delivered to a local subscriber"),
	Relayed:   ns.NewCounter("pubsub_relayed_total", "messages relayed toward a remote subscriber"),
	Topics:    ns.NewGauge("pubsub_topics", "topics with at least one local subscriber", metrics.Total),
}

// Data counts features/data virtual-port datagram traffic (§6/+D).
var Data = struct {
	Sent     metrics.Counter
	Received metrics.Counter
	Pings    metrics.Counter
}{
	Sent:     ns.NewCounter("data_sent_total", "datagrams sent through features/data"),
	Received: ns.NewCounter("data_received_total", "datagrams received through features/data"),
	Pings:    ns.NewCounter("data_pings_total", "Ping/Pong round trips observed"),
}

// Alias counts features/alias lookups (+D).
var Alias = struct {
	Announces metrics.Counter
	Queries   metrics.Counter
	Hits      metrics.Counter
	Misses    metrics.Counter
}{
	Announces: ns.NewCounter("alias_announces_total", "alias announcements sent"),
	Queries:   ns.NewCounter("alias_queries_total", "alias lookups issued"),
	Hits:      ns.NewCounter("alias_hits_total", "alias lookups resolved"),
	Misses:    ns.NewCounter("alias_misses_total", "alias lookups left unresolved"),
}

// RPC counts features/rpc traffic (+D).
var RPC = struct {
	Emitted  metrics.Counter
	Requests metrics.Counter
	Answered metrics.Counter
	TimedOut metrics.Counter
}{
	Emitted:  ns.NewCounter("rpc_emitted_total", "one-way Emit calls sent"),
	Requests: ns.NewCounter("rpc_requests_total", "Request calls sent"),
	Answered: ns.NewCounter("rpc_answered_total", "Requests answered before timeout"),
	TimedOut: ns.NewCounter("rpc_timed_out_total", "Requests that timed out unanswered"),
}

// ObserveTick records how long one controller or worker tick took,
// labeled by plane so controller and worker latencies don't share a
// bucket.
func ObserveTick(plane string, d time.Duration) {
	tickTimers.WithValues(plane).Update(d)
}

var tickTimers = ns.NewLabeledTimer("tick_duration", "time spent in one controller/worker tick", "plane")
