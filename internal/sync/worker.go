// Package sync drives the engines of all configured accounts: one worker
// per account runs commands and feeds their events to the account's
// protocol state machine.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nhle/imapsync/internal/engine"
	"github.com/nhle/imapsync/internal/metrics"
	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
)

// defaultInterval is the pause between folder passes when the account
// does not set one.
const defaultInterval = 120 * time.Second

// Status is a snapshot of a worker for display.
type Status struct {
	AccountID string
	Phase     Phase
	Running   bool
	LastSync  time.Time
	NextRun   time.Time
	Error     string
}

// WorkerOptions carries the optional collaborators of a Worker.
type WorkerOptions struct {
	// Notifier receives the worker's own indications. It should be the
	// notifier the engine was built with.
	Notifier engine.Notifier
	// Limiter paces commands. Defaults to one per 200ms with a burst of 5.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Worker runs the command loop of one account.
type Worker struct {
	eng        *engine.Engine
	store      store.Store
	notifier   engine.Notifier
	limiter    *rate.Limiter
	interval   time.Duration
	cancelWait time.Duration
	log        *slog.Logger

	trigger chan struct{}

	mu       gosync.Mutex
	state    state
	running  bool
	lastSync time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWorker creates a worker around eng. cancelWait bounds how long Stop
// waits for the running command to let go of the connection.
func NewWorker(eng *engine.Engine, cancelWait time.Duration, opts WorkerOptions) *Worker {
	acct := eng.Account()
	w := &Worker{
		eng:        eng,
		store:      eng.Store(),
		notifier:   opts.Notifier,
		limiter:    opts.Limiter,
		interval:   time.Duration(acct.PollIntervalSec) * time.Second,
		cancelWait: cancelWait,
		log:        opts.Logger,
		trigger:    make(chan struct{}, 1),
	}
	if w.interval <= 0 {
		w.interval = defaultInterval
	}
	if w.limiter == nil {
		w.limiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 5)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	w.log = w.log.With("account", acct.ID)
	return w
}

// AccountID returns the id of the worker's account.
func (w *Worker) AccountID() string {
	return w.eng.Account().ID
}

// Trigger asks for the next command to run now. A parked account goes back
// to discovery.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		AccountID: w.AccountID(),
		Phase:     w.state.Phase,
		Running:   w.running,
		LastSync:  w.lastSync,
		NextRun:   w.state.NotBefore,
		Error:     w.state.Reason,
	}
}

// Run executes commands until ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		cancel()
		return fmt.Errorf("worker for %s is already running", w.AccountID())
	}
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.running = false
		w.cancel = nil
		w.mu.Unlock()
		close(done)
	}()

	w.log.Info("worker started")
	if n, err := w.store.ReleaseDispatched(ctx, w.AccountID()); err != nil {
		w.log.Error("releasing dispatched operations", "error", err)
	} else if n > 0 {
		w.log.Info("released operations left dispatched", "count", n)
	}
	w.setPhase(w.snapshot().Phase)
	for {
		if !w.waitTurn(ctx) {
			break
		}
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		ev := w.step(ctx)
		if ev == nil && ctx.Err() != nil {
			break
		}
		w.apply(ctx, ev)
	}
	w.log.Info("worker stopped")
	return nil
}

// Stop cancels the running command and waits up to the cancel wait for
// the connection to be released. A connection still held after that is
// marked broken.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	if !w.eng.Conn().WaitRelease(w.cancelWait) {
		w.log.Warn("connection still busy after cancel, marked broken", "wait", w.cancelWait)
	}
	select {
	case <-done:
	case <-time.After(w.cancelWait):
		w.log.Warn("worker did not stop in time", "wait", w.cancelWait)
	}
}

func (w *Worker) snapshot() state {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// waitTurn blocks until the next command may run. It returns false when
// ctx is done.
func (w *Worker) waitTurn(ctx context.Context) bool {
	st := w.snapshot()
	if st.Phase.Parked() {
		w.log.Info("account parked, waiting for refresh", "phase", st.Phase, "reason", st.Reason)
		select {
		case <-ctx.Done():
			return false
		case <-w.trigger:
		}
		w.mu.Lock()
		w.state.Phase = PhaseDiscover
		w.state.Reason = ""
		w.state.Failures = 0
		w.mu.Unlock()
		w.setPhase(PhaseDiscover)
		return true
	}

	d := time.Until(st.NotBefore)
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-w.trigger:
	}
	return true
}

// step picks and runs the next command for the current phase.
func (w *Worker) step(ctx context.Context) engine.Event {
	st := w.snapshot()
	if st.Phase == PhaseDiscover {
		return w.exec(ctx, &engine.DiscoverCommand{})
	}
	if len(st.Resync) > 0 {
		folder := st.Resync[0]
		w.mu.Lock()
		w.state.Resync = w.state.Resync[1:]
		w.mu.Unlock()
		return w.exec(ctx, &engine.ResyncCommand{Folder: folder})
	}

	ev, ran, err := w.runPendings(ctx)
	if err != nil {
		return w.localFailure(ctx, "running pending operations", err)
	}
	if ran {
		return ev
	}
	return w.pass(ctx)
}

// runPendings takes over the eligible operations batch by batch. It stops
// at the first batch that does not succeed so later batches stay Eligible.
func (w *Worker) runPendings(ctx context.Context) (engine.Event, bool, error) {
	ops, err := w.store.ListEligiblePendings(ctx, w.AccountID())
	if err != nil {
		return nil, false, err
	}
	if len(ops) == 0 {
		return nil, false, nil
	}

	ran := false
	for _, b := range batchPendings(ops) {
		owned, err := w.eng.Dispatch(ctx, b.ops)
		if err != nil {
			w.release(ctx, owned)
			return nil, ran, err
		}
		if len(owned) == 0 {
			continue
		}
		for _, p := range owned {
			metrics.PendingDispatchedInc(string(p.Kind))
		}
		ran = true
		ev := w.exec(ctx, b.command(owned))
		if _, ok := ev.(engine.Success); !ok {
			return ev, true, nil
		}
	}
	return engine.Success{}, ran, nil
}

// release hands operations a failed dispatch already took back to the queue.
func (w *Worker) release(ctx context.Context, ops []*model.PendingOperation) {
	for _, p := range ops {
		if err := w.store.DeferPending(ctx, p.ID, model.ReasonTransient); err != nil {
			w.log.Error("releasing pending operation", "pending", p.ID, "error", err)
		}
	}
}

// pass syncs every selectable folder, Inbox first. A folder flagged for a
// full sync gets one; the rest get a fast sync.
func (w *Worker) pass(ctx context.Context) engine.Event {
	folders, err := w.store.ListFolders(ctx, w.AccountID())
	if err != nil {
		return w.localFailure(ctx, "listing folders", err)
	}
	sort.SliceStable(folders, func(i, j int) bool {
		return folders[i].Type == model.FolderTypeInbox && folders[j].Type != model.FolderTypeInbox
	})

	var wait *engine.Wait
	for _, f := range folders {
		if f.NoSelect || f.IsClientOwned {
			continue
		}
		method := model.SyncMethodFastSync
		if f.NeedFullSync {
			method = model.SyncMethodSync
		}
		ev := w.exec(ctx, &engine.SyncCommand{Folder: f.ServerID, Method: method})
		switch ev := ev.(type) {
		case engine.Success:
		case engine.Wait:
			if wait == nil || ev.Delay > wait.Delay {
				wait = &ev
			}
		default:
			return ev
		}
	}

	w.mu.Lock()
	w.lastSync = time.Now()
	w.mu.Unlock()
	if wait != nil && wait.Delay > w.interval {
		return *wait
	}
	return engine.Success{Delay: w.interval}
}

// exec runs one command and records its duration.
func (w *Worker) exec(ctx context.Context, cmd engine.Command) engine.Event {
	start := time.Now()
	ev := w.eng.Execute(ctx, cmd)
	metrics.CommandObserve(cmd.Name(), eventName(ev), time.Since(start))
	return ev
}

// localFailure turns a cache error outside any command into a transient
// failure of the account.
func (w *Worker) localFailure(ctx context.Context, what string, err error) engine.Event {
	if ctx.Err() != nil {
		return nil
	}
	w.log.Error(what, "error", err)
	return engine.TempFail{Reason: fmt.Sprintf("%s: %v", what, err)}
}

// apply feeds ev to the state machine and raises a sync error indication
// when the account gets parked.
func (w *Worker) apply(ctx context.Context, ev engine.Event) {
	w.mu.Lock()
	prev := w.state
	w.state = transition(prev, ev, time.Now())
	next := w.state
	w.mu.Unlock()

	if ev != nil {
		w.log.Debug("command event", "event", ev.String(), "phase", next.Phase)
	}
	if next.Phase == prev.Phase {
		return
	}
	w.log.Info("phase changed", "from", prev.Phase, "to", next.Phase)
	w.setPhase(next.Phase)
	if next.Phase.Parked() {
		w.raise(ctx, next.Reason)
	}
}

func (w *Worker) setPhase(p Phase) {
	metrics.PhaseSet(w.AccountID(), p.String(), phaseNames)
}

// raise persists a sync error indication and hands it to the notifier.
func (w *Worker) raise(ctx context.Context, reason string) {
	n := model.Notification{
		ID:        uuid.NewString(),
		AccountID: w.AccountID(),
		Kind:      model.NotifySyncError,
		Message:   reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.CreateNotification(context.WithoutCancel(ctx), n); err != nil {
		w.log.Error("persisting sync error", "error", err)
		return
	}
	if w.notifier != nil {
		w.notifier.Notify(n)
	}
}
