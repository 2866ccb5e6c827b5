// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProcedureTransitions counts completed procedure status transitions by
	// target status.
	ProcedureTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_procedure_transitions_total",
		Help: "Procedure status transitions applied, by target status",
	}, []string{"status"})

	// InstancesStored counts accepted image transfers.
	InstancesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_instances_stored_total",
		Help: "Image instances accepted by the storage service",
	})

	// IntegrityConflicts counts rejected conflicting retransfers.
	IntegrityConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_integrity_conflicts_total",
		Help: "Retransfers rejected because bytes differed from the stored copy",
	})

	// Thumbnails counts pipeline outcomes by result (generated, failed).
	Thumbnails = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_thumbnails_total",
		Help: "Thumbnail pipeline outcomes",
	}, []string{"result"})

	// RelayDelivered counts envelopes handed to the transport, by direction.
	RelayDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_relay_delivered_total",
		Help: "Relay envelopes handed to the transport, by direction",
	}, []string{"direction"})

	// RelayUnconfirmed is the number of outbound envelopes delivered but
	// unconfirmed beyond the monitoring window.
	RelayUnconfirmed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_relay_unconfirmed",
		Help: "Outbound envelopes delivered but unconfirmed beyond the monitoring window",
	})

	// RelayExhausted is the number of undelivered outbound envelopes whose
	// attempt budget is spent. They wait for a restart to be redriven.
	RelayExhausted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_relay_exhausted",
		Help: "Undelivered outbound envelopes that exhausted their delivery attempts",
	})
)
