package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
)

// Dispatch takes ownership of eligible operations. Operations another
// caller already took are left out of the result.
func (e *Engine) Dispatch(ctx context.Context, ops []model.PendingOperation) ([]*model.PendingOperation, error) {
	out := make([]*model.PendingOperation, 0, len(ops))
	for i := range ops {
		p := &ops[i]
		err := e.store.DispatchPending(ctx, p.ID)
		if errors.Is(err, store.ErrNotEligible) {
			e.log.Debug("pending operation no longer eligible", "pending", p.ID)
			continue
		}
		if err != nil {
			return out, err
		}
		p.State = model.PendingDispatched
		out = append(out, p)
	}
	return out, nil
}

// resolver tracks the operations one execution owns and moves each to a
// terminal state, or back to Eligible, exactly once.
type resolver struct {
	e   *Engine
	log *slog.Logger

	mu   sync.Mutex
	open map[string]*model.PendingOperation
}

func newResolver(e *Engine, log *slog.Logger, ops []*model.PendingOperation) *resolver {
	r := &resolver{e: e, log: log, open: make(map[string]*model.PendingOperation, len(ops))}
	for _, p := range ops {
		if p != nil {
			r.open[p.ID] = p
		}
	}
	return r
}

// Succeed resolves p as succeeded with an optional JSON result.
func (r *resolver) Succeed(ctx context.Context, p *model.PendingOperation, result string) {
	r.finish(ctx, p, model.PendingSucceeded, model.ReasonNone, result)
}

// Fail resolves p as failed.
func (r *resolver) Fail(ctx context.Context, p *model.PendingOperation, reason model.FailureReason) {
	r.finish(ctx, p, model.PendingFailed, reason, "")
}

// Defer hands p back to the queue.
func (r *resolver) Defer(ctx context.Context, p *model.PendingOperation, reason model.FailureReason) {
	if !r.take(p) {
		return
	}
	err := r.e.store.DeferPending(ctx, p.ID, reason)
	if errors.Is(err, store.ErrAlreadyResolved) {
		r.log.Warn("pending operation already resolved, not deferring", "pending", p.ID)
		return
	}
	if err != nil {
		r.log.Error("deferring pending operation", "pending", p.ID, "error", err)
		return
	}
	p.State = model.PendingEligible
	p.FailureReason = reason
	p.DeferralCount++
}

// Block hands p back to the queue, held until the folder's metadata is
// refreshed.
func (r *resolver) Block(ctx context.Context, p *model.PendingOperation, folder string) {
	if !r.take(p) {
		return
	}
	err := r.e.store.BlockPending(ctx, p.ID, folder)
	if errors.Is(err, store.ErrAlreadyResolved) {
		r.log.Warn("pending operation already resolved, not blocking", "pending", p.ID)
		return
	}
	if err != nil {
		r.log.Error("blocking pending operation", "pending", p.ID, "error", err)
		return
	}
	p.State = model.PendingEligible
	p.BlockedOnFolder = folder
}

func (r *resolver) finish(
	ctx context.Context,
	p *model.PendingOperation,
	state model.PendingState,
	reason model.FailureReason,
	result string,
) {
	if !r.take(p) {
		return
	}
	err := r.e.store.ResolvePending(ctx, p.ID, state, reason, result)
	if errors.Is(err, store.ErrAlreadyResolved) {
		r.log.Warn("pending operation already resolved", "pending", p.ID, "state", state)
		return
	}
	if err != nil {
		r.log.Error("resolving pending operation", "pending", p.ID, "error", err)
		return
	}
	p.State = state
	p.FailureReason = reason
	p.Result = result
	r.log.Debug("pending operation resolved", "pending", p.ID, "kind", p.Kind, "state", state, "reason", reason)
	r.e.strategy.PendingResolved(ctx, p)
}

// take removes p from the open set and reports whether it was there.
func (r *resolver) take(p *model.PendingOperation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[p.ID]; !ok {
		r.log.Warn("pending operation resolved twice in one execution", "pending", p.ID)
		return false
	}
	delete(r.open, p.ID)
	return true
}

func (r *resolver) remaining() []*model.PendingOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.PendingOperation, 0, len(r.open))
	for _, p := range r.open {
		out = append(out, p)
	}
	return out
}

// apply settles whatever the command left open according to out.
func (r *resolver) apply(ctx context.Context, out Outcome) {
	for _, p := range r.remaining() {
		switch out.Resolution {
		case FailAll:
			r.Fail(ctx, p, out.Reason)
		default:
			r.Defer(ctx, p, out.Reason)
		}
	}
}
