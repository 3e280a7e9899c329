package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/transport"
)

var (
	// ErrNoCredential is returned when the account has no credential material.
	ErrNoCredential = errors.New("no credential material for account")

	// ErrLockTimeout is returned when the connection lock could not be taken
	// within the configured timeout.
	ErrLockTimeout = errors.New("timed out waiting for connection lock")
)

// InvariantError reports a local precondition the engine refuses to work
// around. It is never retried.
type InvariantError struct {
	What string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.What
}

func invariantf(format string, args ...any) error {
	return &InvariantError{What: fmt.Sprintf(format, args...)}
}

// Resolution is what happens to a command's unresolved pending operations
// when it exits.
type Resolution int

const (
	// ResolveNone leaves nothing to do; leftovers are deferred.
	ResolveNone Resolution = iota
	// DeferDispatched hands the operations back after a cancellation.
	DeferDispatched
	// DeferAll hands the operations back for a later attempt.
	DeferAll
	// FailAll resolves the operations as failed.
	FailAll
)

// Outcome is the classification of one attempt's fault.
type Outcome struct {
	Resolution Resolution
	Reason     model.FailureReason
	// Event is nil when the command was cancelled.
	Event Event
	// GeneralFailure is the comm-health signal for the attempt.
	GeneralFailure bool
	// MarkBroken forces a reconnect before the next attempt.
	MarkBroken bool
	// Retry allows another attempt within the retry budget.
	Retry bool
}

// classify maps a fault to its resolution and event. cancelled is set when
// the caller's context is done; credRace when the credential changed while
// the failed authentication was in flight.
func classify(err error, cancelled, credRace bool, waitDelay time.Duration) Outcome {
	if cancelled {
		return Outcome{Resolution: DeferDispatched, Reason: model.ReasonCancelled}
	}

	var (
		authErr  *transport.AuthError
		notFound *transport.MailboxNotFoundError
		invErr   *InvariantError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Outcome{
			Resolution:     DeferAll,
			Reason:         model.ReasonTransient,
			Event:          TempFail{Reason: "command timed out"},
			GeneralFailure: true,
			MarkBroken:     true,
			Retry:          true,
		}
	case errors.Is(err, ErrNoCredential):
		return Outcome{
			Resolution: DeferAll,
			Reason:     model.ReasonTransient,
			Event:      TempFail{Reason: "no credential"},
		}
	case errors.Is(err, ErrLockTimeout):
		return Outcome{
			Resolution: DeferAll,
			Reason:     model.ReasonTransient,
			Event:      TempFail{Reason: "connection busy"},
			MarkBroken: true,
		}
	case errors.Is(err, transport.ErrNotConnected):
		return Outcome{
			Resolution:     DeferAll,
			Reason:         model.ReasonTransient,
			Event:          RedoDiscovery{},
			GeneralFailure: true,
			MarkBroken:     true,
		}
	case errors.As(err, &authErr):
		if credRace {
			return Outcome{
				Resolution: DeferAll,
				Reason:     model.ReasonTransient,
				Event:      TempFail{Reason: "credential changed during login"},
			}
		}
		return Outcome{
			Resolution: FailAll,
			Reason:     model.ReasonAccessDenied,
			Event:      AuthFail{Reason: authErr.Message},
		}
	case errors.As(err, &notFound):
		return Outcome{
			Resolution: DeferAll,
			Reason:     model.ReasonConflict,
			Event:      ResyncFolder{Folder: notFound.Path},
		}
	case transport.IsIOError(err):
		return Outcome{
			Resolution:     DeferAll,
			Reason:         model.ReasonTransient,
			Event:          TempFail{Reason: err.Error()},
			GeneralFailure: true,
			Retry:          true,
		}
	case transport.IsStreamError(err), transport.IsSocketError(err):
		return Outcome{
			Resolution:     DeferAll,
			Reason:         model.ReasonTransient,
			Event:          TempFail{Reason: err.Error()},
			GeneralFailure: true,
			MarkBroken:     true,
			Retry:          true,
		}
	case transport.IsCommandError(err), transport.IsParseError(err):
		return Outcome{
			Resolution: DeferAll,
			Reason:     model.ReasonProtocolError,
			Event:      Wait{Delay: waitDelay},
		}
	case errors.As(err, &invErr):
		return Outcome{
			Resolution: FailAll,
			Reason:     model.ReasonProtocolError,
			Event:      HardFail{Reason: invErr.Error()},
		}
	default:
		return Outcome{
			Resolution:     FailAll,
			Reason:         model.ReasonUnknown,
			Event:          HardFail{Reason: err.Error()},
			GeneralFailure: true,
		}
	}
}
