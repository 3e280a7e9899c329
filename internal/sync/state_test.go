package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/imapsync/internal/engine"
)

func TestTransition(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		from state
		ev   engine.Event
		want state
	}{
		{
			name: "discovery done",
			from: state{Phase: PhaseDiscover, Failures: 2, Reason: "timeout"},
			ev:   engine.Success{},
			want: state{Phase: PhaseReady, NotBefore: now},
		},
		{
			name: "pass done",
			from: state{Phase: PhaseReady},
			ev:   engine.Success{Delay: time.Minute},
			want: state{Phase: PhaseReady, NotBefore: now.Add(time.Minute)},
		},
		{
			name: "transient failure backs off",
			from: state{Phase: PhaseReady, Failures: 2},
			ev:   engine.TempFail{Reason: "socket"},
			want: state{Phase: PhaseReady, Failures: 3, Reason: "socket", NotBefore: now.Add(20 * time.Second)},
		},
		{
			name: "transient failure with delay",
			from: state{Phase: PhaseReady},
			ev:   engine.TempFail{Delay: time.Second, Reason: "busy"},
			want: state{Phase: PhaseReady, Failures: 1, Reason: "busy", NotBefore: now.Add(time.Second)},
		},
		{
			name: "wait",
			from: state{Phase: PhaseReady, Failures: 1},
			ev:   engine.Wait{Delay: time.Hour},
			want: state{Phase: PhaseReady, Failures: 1, NotBefore: now.Add(time.Hour)},
		},
		{
			name: "redo discovery",
			from: state{Phase: PhaseReady, NotBefore: now.Add(time.Hour)},
			ev:   engine.RedoDiscovery{},
			want: state{Phase: PhaseDiscover, NotBefore: now},
		},
		{
			name: "resync folder once",
			from: state{Phase: PhaseReady, Resync: []string{"Work"}},
			ev:   engine.ResyncFolder{Folder: "Work"},
			want: state{Phase: PhaseReady, Resync: []string{"Work"}, NotBefore: now},
		},
		{
			name: "resync another folder",
			from: state{Phase: PhaseReady, Resync: []string{"Work"}},
			ev:   engine.ResyncFolder{Folder: "INBOX"},
			want: state{Phase: PhaseReady, Resync: []string{"Work", "INBOX"}, NotBefore: now},
		},
		{
			name: "auth failure parks",
			from: state{Phase: PhaseReady},
			ev:   engine.AuthFail{Reason: "invalid credentials"},
			want: state{Phase: PhaseAuthFailed, Reason: "invalid credentials"},
		},
		{
			name: "hard failure parks",
			from: state{Phase: PhaseDiscover},
			ev:   engine.HardFail{Reason: "disk full"},
			want: state{Phase: PhaseFailed, Reason: "disk full"},
		},
		{
			name: "cancelled changes nothing",
			from: state{Phase: PhaseReady, Failures: 1, Reason: "x"},
			ev:   nil,
			want: state{Phase: PhaseReady, Failures: 1, Reason: "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transition(tt.from, tt.ev, now))
		})
	}
}

func TestTransitionDoesNotShareResync(t *testing.T) {
	from := state{Resync: make([]string, 1, 4)}
	from.Resync[0] = "A"
	next := transition(from, engine.ResyncFolder{Folder: "B"}, time.Now())
	next.Resync[0] = "changed"
	assert.Equal(t, "A", from.Resync[0])
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoff(1))
	assert.Equal(t, 10*time.Second, backoff(2))
	assert.Equal(t, 40*time.Second, backoff(4))
	assert.Equal(t, backoffMax, backoff(20))
}

func TestPhase(t *testing.T) {
	assert.Equal(t, "authfailed", PhaseAuthFailed.String())
	assert.True(t, PhaseFailed.Parked())
	assert.False(t, PhaseDiscover.Parked())
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "cancelled", eventName(nil))
	assert.Equal(t, "resyncfolder", eventName(engine.ResyncFolder{Folder: "x"}))
	assert.Equal(t, "wait", eventName(engine.Wait{}))
}
