// Package metrics exposes the sync engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommHealth = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_comm_health_total",
			Help: "Finished commands per account, by whether the connection to the server was at fault.",
		},
		[]string{
			"account",
			"result", // ok, failure
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapsync_command_duration_seconds",
			Help:    "Sync command duration in seconds, by command and resulting event.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{
			"cmd",   // discover, resync, sync.fastsync, sync.sync, delete, move, markread, search
			"event", // success, tempfail, hardfail, authfail, wait, redodiscovery, resyncfolder, cancelled
		},
	)
	metricPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imapsync_account_phase",
			Help: "Current protocol phase per account; the active phase is 1.",
		},
		[]string{
			"account",
			"phase",
		},
	)
	metricPendings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_pending_dispatched_total",
			Help: "Pending operations taken over by a command, by kind.",
		},
		[]string{
			"kind",
		},
	)
)

// CommHealth reports the per-command health signal of every account to
// Prometheus.
type CommHealth struct{}

// Report counts one finished command.
func (CommHealth) Report(accountID string, generalFailure bool) {
	result := "ok"
	if generalFailure {
		result = "failure"
	}
	metricCommHealth.WithLabelValues(accountID, result).Inc()
}

// CommandObserve records how long a command took and how it ended.
func CommandObserve(cmd, event string, d time.Duration) {
	metricCommands.WithLabelValues(cmd, event).Observe(d.Seconds())
}

// PhaseSet marks phase as the active one of account among phases.
func PhaseSet(account, phase string, phases []string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		metricPhase.WithLabelValues(account, p).Set(v)
	}
}

// PendingDispatchedInc counts one pending operation taken over by a command.
func PendingDispatchedInc(kind string) {
	metricPendings.WithLabelValues(kind).Inc()
}
