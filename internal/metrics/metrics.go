// Package metrics exposes Prometheus collectors for allocation and
// lifecycle outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Allocations        *prometheus.CounterVec
	AllocationFailures *prometheus.CounterVec
	ReplacedRecords    *prometheus.CounterVec
	PurgedRecords      *prometheus.CounterVec
}

const (
	ReasonUnknownService  = "unknown_service"
	ReasonNoNodeAvailable = "no_node_available"
	ReasonBackend         = "backend"
)

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wimms",
			Name:      "allocations_total",
			Help:      "Node slots reserved, by service.",
		}, []string{"service"}),
		AllocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wimms",
			Name:      "allocation_failures_total",
			Help:      "Failed node allocations, by service and reason.",
		}, []string{"service", "reason"}),
		ReplacedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wimms",
			Name:      "replaced_records_total",
			Help:      "User records closed by decommissioning, by service.",
		}, []string{"service"}),
		PurgedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wimms",
			Name:      "purged_records_total",
			Help:      "User history rows deleted by purge or cleanup, by service.",
		}, []string{"service"}),
	}
	reg.MustRegister(m.Allocations, m.AllocationFailures, m.ReplacedRecords, m.PurgedRecords)
	return m
}
