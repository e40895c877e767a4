// Package metrics exposes Prometheus collectors for the supervisor,
// the workers and the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LeadsCaptured counts leads accepted into the ledger per slot.
	LeadsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhive_leads_captured_total",
		Help: "Leads captured and written to the ledger",
	}, []string{"slot"})

	// LeadsClicked counts click attempts that succeeded.
	LeadsClicked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhive_leads_clicked_total",
		Help: "Leads clicked (purchase attempted)",
	}, []string{"slot"})

	// LeadsVerified counts leads confirmed on the purchased page.
	LeadsVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhive_leads_verified_total",
		Help: "Leads verified against the purchased-leads page",
	}, []string{"slot"})

	// LeadsRejected counts filtered-out leads by reason.
	LeadsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhive_leads_rejected_total",
		Help: "Leads rejected by the filter chain",
	}, []string{"slot", "reason"})

	// PagesFetched counts portal page/endpoint fetches.
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhive_pages_fetched_total",
		Help: "Portal pages and endpoints fetched",
	}, []string{"slot", "source"})

	// WorkerErrors counts worker cycle errors.
	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhive_worker_errors_total",
		Help: "Worker pipeline errors",
	}, []string{"slot"})

	// SlotUp reports 1 for slots whose worker is RUNNING or PAUSED.
	SlotUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leadhive_slot_up",
		Help: "Whether the slot has a live worker",
	}, []string{"slot"})

	// HeartbeatAge reports seconds since the slot's last heartbeat.
	HeartbeatAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leadhive_slot_heartbeat_age_seconds",
		Help: "Seconds since the slot worker's last heartbeat",
	}, []string{"slot"})

	// ReconcileDuration tracks supervisor sweep latency.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leadhive_supervisor_reconcile_seconds",
		Help:    "Duration of one supervisor reconcile sweep",
		Buckets: prometheus.DefBuckets,
	})

	// WorkersKilled counts supervisor-initiated terminations by reason.
	WorkersKilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhive_workers_killed_total",
		Help: "Workers terminated by the supervisor",
	}, []string{"reason"})

	// RequestDuration tracks control-plane HTTP latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leadhive_http_request_seconds",
		Help:    "Control plane request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	// ForwardErrors counts failed federation forwards.
	ForwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhive_federation_forward_errors_total",
		Help: "Federation forwards that failed at transport level",
	}, []string{"node"})
)
