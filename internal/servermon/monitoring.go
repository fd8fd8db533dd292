// Package servermon holds the prometheus metrics exported by the wsrpc
// layer: connection counts, dispatch counts, and queue/pending-call
// depths. Metrics are registered at package init; callers that want
// them served must register the default prometheus registry (or this
// package's vars) with their own HTTP mux.
package servermon

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionsOpened counts every Connection ever constructed.
	ConnectionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wsrpc",
		Subsystem: "connection",
		Name:      "opened_total",
		Help:      "The total number of websocket connections accepted.",
	})
	// ConnectionsActive is the current number of connections that have
	// not yet fired their close notification.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wsrpc",
		Subsystem: "connection",
		Name:      "active",
		Help:      "The current number of live websocket connections.",
	})
	// DispatchedCalls counts every request a local binder has resolved
	// to a method, by outcome.
	DispatchedCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wsrpc",
		Subsystem: "binder",
		Name:      "dispatched_total",
		Help:      "The number of requests dispatched by local binders, by outcome.",
	}, []string{"outcome"})
	// SendQueueDepth is the current number of outbound frame sends
	// enqueued but not yet drained, summed across every connection's
	// sendQueue.
	SendQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wsrpc",
		Subsystem: "connection",
		Name:      "send_queue_depth",
		Help:      "The current number of outbound sends queued but not yet drained, across all connections.",
	})
	// PendingCalls is the current number of remote calls awaiting a
	// response across all remote binders.
	PendingCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wsrpc",
		Subsystem: "remote",
		Name:      "pending_calls",
		Help:      "The current number of outstanding remote calls awaiting a response.",
	})
	// RemoteCallResults counts completed remote calls, by outcome.
	RemoteCallResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wsrpc",
		Subsystem: "remote",
		Name:      "call_results_total",
		Help:      "The number of remote calls resolved, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsOpened,
		ConnectionsActive,
		DispatchedCalls,
		SendQueueDepth,
		PendingCalls,
		RemoteCallResults,
	)
}
