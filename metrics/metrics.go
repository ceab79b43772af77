// Package metrics holds the prometheus collectors shared by every core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "govisor"

var (
	Registry = prometheus.NewRegistry()

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "icc",
		Name:      "messages_sent_total",
		Help:      "Inter-core messages sent, by type.",
	}, []string{"type"})

	MessagesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "icc",
		Name:      "messages_delivered_total",
		Help:      "Inter-core messages handed to a handler, by type.",
	}, []string{"type"})

	PoolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "icc",
		Name:      "pool_exhausted_total",
		Help:      "Allocations refused because every message slot was in use.",
	})

	PoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "icc",
		Name:      "pool_in_use",
		Help:      "Message slots currently allocated or queued.",
	})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "VM state transitions on application cores.",
	}, []string{"from", "to"})

	GuestFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trampoline",
		Name:      "guest_faults_total",
		Help:      "Guest exceptions that stopped a VM, by vector.",
	}, []string{"vector"})

	IdleEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "event",
		Name:      "idle_entries_total",
		Help:      "Times a core entered its idle wait, by wait kind.",
	}, []string{"kind"})

	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "requests_total",
		Help:      "Lifecycle requests issued by the control core.",
	}, []string{"op", "outcome"})
)

func init() {
	Registry.MustRegister(
		MessagesSent,
		MessagesDelivered,
		PoolExhausted,
		PoolInUse,
		Transitions,
		GuestFaults,
		IdleEntries,
		Requests,
	)
}

// Handler serves Registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
