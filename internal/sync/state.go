package sync

import (
	"slices"
	"time"

	"github.com/nhle/imapsync/internal/engine"
)

// Phase is where an account's protocol state machine stands.
type Phase int

const (
	// PhaseDiscover needs the mailbox list before anything else runs.
	PhaseDiscover Phase = iota
	// PhaseReady runs pending operations and folder passes.
	PhaseReady
	// PhaseAuthFailed is parked until the credential changes.
	PhaseAuthFailed
	// PhaseFailed is parked until an explicit refresh.
	PhaseFailed
)

var phaseNames = []string{"discover", "ready", "authfailed", "failed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Parked reports whether the phase waits for outside intervention.
func (p Phase) Parked() bool {
	return p == PhaseAuthFailed || p == PhaseFailed
}

const (
	backoffBase = 5 * time.Second
	backoffMax  = 5 * time.Minute
)

// state is the protocol state of one account.
type state struct {
	Phase Phase
	// NotBefore holds the next command back.
	NotBefore time.Time
	// Resync lists folders whose metadata must be rebuilt first.
	Resync []string
	// Failures counts consecutive transient failures.
	Failures int
	Reason   string
}

// transition applies the event of one finished command. A nil event comes
// from a cancelled command and changes nothing.
func transition(s state, ev engine.Event, now time.Time) state {
	switch ev := ev.(type) {
	case nil:
	case engine.Success:
		if s.Phase == PhaseDiscover {
			s.Phase = PhaseReady
		}
		s.Failures = 0
		s.Reason = ""
		s.NotBefore = now.Add(ev.Delay)
	case engine.TempFail:
		s.Failures++
		s.Reason = ev.Reason
		delay := ev.Delay
		if delay <= 0 {
			delay = backoff(s.Failures)
		}
		s.NotBefore = now.Add(delay)
	case engine.Wait:
		s.NotBefore = now.Add(ev.Delay)
	case engine.RedoDiscovery:
		s.Phase = PhaseDiscover
		s.NotBefore = now
	case engine.ResyncFolder:
		if !slices.Contains(s.Resync, ev.Folder) {
			s.Resync = append(slices.Clone(s.Resync), ev.Folder)
		}
		s.NotBefore = now
	case engine.AuthFail:
		s.Phase = PhaseAuthFailed
		s.Reason = ev.Reason
	case engine.HardFail:
		s.Phase = PhaseFailed
		s.Reason = ev.Reason
	}
	return s
}

// backoff doubles from backoffBase per consecutive failure up to backoffMax.
func backoff(failures int) time.Duration {
	d := backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

// eventName is the metrics label of an event.
func eventName(ev engine.Event) string {
	switch ev.(type) {
	case nil:
		return "cancelled"
	case engine.Success:
		return "success"
	case engine.TempFail:
		return "tempfail"
	case engine.HardFail:
		return "hardfail"
	case engine.AuthFail:
		return "authfail"
	case engine.Wait:
		return "wait"
	case engine.RedoDiscovery:
		return "redodiscovery"
	case engine.ResyncFolder:
		return "resyncfolder"
	default:
		return "unknown"
	}
}
