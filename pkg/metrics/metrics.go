// Package metrics defines the Prometheus collectors exported by the CRM and
// LRM daemons: loop timing, lock health, fence outcomes, and recoveries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CRMLoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ha_crm_loop_duration_seconds",
			Help:    "Duration of one CRM manager loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	CRMIterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ha_crm_iterations_total",
			Help: "Total number of CRM manager loop iterations",
		},
	)

	LRMLoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ha_lrm_loop_duration_seconds",
			Help:    "Duration of one LRM worker loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockRefreshFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ha_lock_refresh_failures_total",
			Help: "Total number of failed lock refresh attempts by lock name",
		},
		[]string{"lock"},
	)

	FenceAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ha_fence_attempts_total",
			Help: "Total number of fence attempts by result",
		},
		[]string{"result"},
	)

	ServiceRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ha_service_recoveries_total",
			Help: "Total number of services moved through the recovery state",
		},
	)

	NodeStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ha_node_status",
			Help: "Node status as tracked by the CRM, one gauge per (node, state) pinned to 1",
		},
		[]string{"node", "state"},
	)

	ServicesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ha_services_by_state",
			Help: "Number of services currently in each CRM state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		CRMLoopDuration,
		CRMIterationsTotal,
		LRMLoopDuration,
		LockRefreshFailuresTotal,
		FenceAttemptsTotal,
		ServiceRecoveriesTotal,
		NodeStatus,
		ServicesByState,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
