package engine

import (
	"fmt"
	"time"
)

// Event is the single outcome a command posts to the account's protocol
// state machine. The set of events is closed.
type Event interface {
	event()
	fmt.Stringer
}

// Success reports a completed command. Delay, when set, is how long the
// state machine should idle before the next pass.
type Success struct {
	Delay time.Duration
}

// TempFail reports a transient failure; the command may be retried later.
type TempFail struct {
	Delay  time.Duration
	Reason string
}

// HardFail reports a permanent failure that needs user attention.
type HardFail struct {
	Reason string
}

// AuthFail reports that the server rejected the account's credentials.
type AuthFail struct {
	Reason string
}

// Wait asks the state machine to back off for Delay.
type Wait struct {
	Delay time.Duration
}

// RedoDiscovery asks for the mailbox list to be fetched again.
type RedoDiscovery struct{}

// ResyncFolder asks for the folder's metadata to be rebuilt before it is
// synced again.
type ResyncFolder struct {
	Folder string
}

func (Success) event()       {}
func (TempFail) event()      {}
func (HardFail) event()      {}
func (AuthFail) event()      {}
func (Wait) event()          {}
func (RedoDiscovery) event() {}
func (ResyncFolder) event()  {}

func (e Success) String() string       { return "success" }
func (e TempFail) String() string      { return "tempfail: " + e.Reason }
func (e HardFail) String() string      { return "hardfail: " + e.Reason }
func (e AuthFail) String() string      { return "authfail: " + e.Reason }
func (e Wait) String() string          { return "wait " + e.Delay.String() }
func (e RedoDiscovery) String() string { return "redo discovery" }
func (e ResyncFolder) String() string  { return "resync " + e.Folder }
