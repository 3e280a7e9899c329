package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rs/xid"

	"github.com/nhle/imapsync/internal/credential"
	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/transport"
)

// Command is one unit of work run by the harness. Run is called once per
// attempt with the connection locked and authenticated.
type Command interface {
	Name() string
	// Pendings returns the dispatched operations the command owns.
	Pendings() []*model.PendingOperation
	Run(ctx context.Context, x *Exec) (Event, error)
}

// Exec is the per-execution context handed to a command.
type Exec struct {
	*Engine

	ID      xid.ID
	Attempt int

	log      *slog.Logger
	resolver *resolver
	// epoch is the credential epoch used by the last login of this attempt.
	epoch    uint64
	hasEpoch bool
}

// sess returns the live session.
func (x *Exec) sess() transport.Session {
	return x.conn.Session()
}

// Execute runs cmd to completion and returns its single event. Transient
// faults are retried up to MaxRetries attempts. A nil event means ctx was
// cancelled; the command's pendings are then handed back.
func (e *Engine) Execute(ctx context.Context, cmd Command) Event {
	id := xid.New()
	log := e.log.With("command", cmd.Name(), "exec", id.String())
	res := newResolver(e, log, cmd.Pendings())

	var out Outcome
	for attempt := 1; ; attempt++ {
		x := &Exec{
			Engine:   e,
			ID:       id,
			Attempt:  attempt,
			log:      log.With("attempt", attempt),
			resolver: res,
		}
		ev, err := e.attempt(ctx, cmd, x)
		if err == nil {
			if ev == nil {
				ev = Success{}
			}
			out = Outcome{Event: ev}
			break
		}

		cancelled := ctx.Err() != nil
		out = classify(err, cancelled, e.credentialRace(x, err), e.cfg.WaitDelay)
		if cancelled {
			x.log.Info("command cancelled", "error", err)
			break
		}
		x.log.Warn("command attempt failed", "error", err, "event", out.Event.String(), "retry", out.Retry)
		if out.MarkBroken {
			e.conn.MarkBroken()
		}
		if !out.Retry || attempt >= e.cfg.MaxRetries {
			break
		}
	}

	if out.Event != nil {
		e.health.Report(e.account.ID, out.GeneralFailure)
	}
	// Store writes for the resolution must land even when ctx is cancelled.
	res.apply(context.WithoutCancel(ctx), out)

	if out.Event != nil {
		log.Debug("command finished", "event", out.Event.String())
	}
	return out.Event
}

func (e *Engine) attempt(ctx context.Context, cmd Command, x *Exec) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	if err := e.conn.Acquire(actx, e.cfg.LockTimeout); err != nil {
		return nil, err
	}
	defer e.conn.Release()

	if err := e.ensureReady(actx, x); err != nil {
		return nil, err
	}
	return cmd.Run(actx, x)
}

// credentialRace reports whether an auth failure raced with a credential
// update: the epoch the attempt logged in with is no longer current.
func (e *Engine) credentialRace(x *Exec, err error) bool {
	if !transport.IsAuthError(err) || !x.hasEpoch {
		return false
	}
	current, cerr := e.creds.Epoch(e.account.CredentialName())
	if cerr != nil {
		return errors.Is(cerr, credential.ErrNotFound)
	}
	return current != x.epoch
}
