// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ObligationsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pongrelay_obligations_enqueued_total", Help: "Obligations inserted into the queue"},
	)
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pongrelay_submissions_total", Help: "Submission cycles by result"},
		[]string{"result"},
	)
	FeeBumps = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pongrelay_fee_bumps_total", Help: "Replacement transactions sent with a bumped fee"},
	)
	CheckpointBlock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pongrelay_checkpoint_block", Help: "Last fully scanned block per stream"},
		[]string{"usage"},
	)
	SupervisorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pongrelay_supervisor_failures_total", Help: "Pipeline runs that ended in an error"},
	)
	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pongrelay_alerts_total", Help: "Alerts sent per sink and status"},
		[]string{"sink", "status"},
	)
	ConfirmDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pongrelay_confirm_duration_seconds",
			Help:    "Time from broadcast to receipt",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(
		ObligationsEnqueued,
		Submissions,
		FeeBumps,
		CheckpointBlock,
		SupervisorFailures,
		Alerts,
		ConfirmDuration,
	)
}
