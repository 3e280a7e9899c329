package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCommHealthReport(t *testing.T) {
	var h CommHealth
	h.Report("health-test", false)
	h.Report("health-test", true)
	h.Report("health-test", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(metricCommHealth.WithLabelValues("health-test", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metricCommHealth.WithLabelValues("health-test", "failure")))
}

func TestPhaseSet(t *testing.T) {
	phases := []string{"discover", "ready", "failed"}
	PhaseSet("phase-test", "discover", phases)
	PhaseSet("phase-test", "ready", phases)

	assert.Equal(t, 0.0, testutil.ToFloat64(metricPhase.WithLabelValues("phase-test", "discover")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metricPhase.WithLabelValues("phase-test", "ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metricPhase.WithLabelValues("phase-test", "failed")))
}

func TestCommandObserve(t *testing.T) {
	CommandObserve("observe-test", "success", 20*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(metricCommands, "imapsync_command_duration_seconds"), 1)
}

func TestPendingDispatchedInc(t *testing.T) {
	PendingDispatchedInc("pending-test")
	PendingDispatchedInc("pending-test")
	assert.Equal(t, 2.0, testutil.ToFloat64(metricPendings.WithLabelValues("pending-test")))
}
