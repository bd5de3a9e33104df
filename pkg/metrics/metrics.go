// Package metrics exposes the Prometheus collectors shared by the system
// servers. Everything registers on a private registry served by the debug
// API's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// MessagesDispatched counts IPC messages dispatched per server and
	// message type.
	MessagesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helium",
		Subsystem: "ipc",
		Name:      "messages_dispatched_total",
		Help:      "IPC messages dispatched, by server port and message type.",
	}, []string{"server", "type"})

	// HandlerErrors counts handler-level failures per server.
	HandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helium",
		Subsystem: "ipc",
		Name:      "handler_errors_total",
		Help:      "Handler failures returned as error replies, by server port.",
	}, []string{"server"})

	// ProcessesLive tracks processes the process server considers alive.
	ProcessesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Subsystem: "proc",
		Name:      "processes_live",
		Help:      "Processes currently tracked as live.",
	})

	// NotificationsFired counts termination notifications delivered.
	NotificationsFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "helium",
		Subsystem: "proc",
		Name:      "termination_notifications_total",
		Help:      "Termination notifications fired.",
	})

	// LookupCache tracks VFS lookup-cache effectiveness.
	LookupCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helium",
		Subsystem: "vfs",
		Name:      "lookup_cache_total",
		Help:      "Lookup cache hits and misses.",
	}, []string{"outcome"})

	// AttrCache tracks VFS attribute-cache effectiveness.
	AttrCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helium",
		Subsystem: "vfs",
		Name:      "attr_cache_total",
		Help:      "Node attribute cache hits and misses.",
	}, []string{"outcome"})

	// OpenedNodes tracks open VFS handles.
	OpenedNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Subsystem: "vfs",
		Name:      "opened_nodes",
		Help:      "Opened node handles currently live.",
	})

	// MountsActive tracks live mounts.
	MountsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Subsystem: "vfs",
		Name:      "mounts_active",
		Help:      "Mounts currently active.",
	})
)

func init() {
	registry.MustRegister(
		MessagesDispatched,
		HandlerErrors,
		ProcessesLive,
		NotificationsFired,
		LookupCache,
		AttrCache,
		OpenedNodes,
		MountsActive,
	)
}

// Handler returns the HTTP handler serving the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// CacheHit / CacheMiss are the outcome label values.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)
