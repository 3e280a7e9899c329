package sync

import (
	"context"
	"log/slog"
	"sort"
	gosync "sync"

	"golang.org/x/sync/errgroup"
)

// Manager supervises the workers of all accounts.
type Manager struct {
	mu      gosync.Mutex
	workers []*Worker
	byID    map[string]*Worker
	log     *slog.Logger
}

// NewManager creates a manager with no workers.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{byID: make(map[string]*Worker), log: logger}
}

// Add registers a worker. Workers added after Run started are not run.
func (m *Manager) Add(w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
	m.byID[w.AccountID()] = w
}

// Run runs every worker until ctx is done or one of them fails.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	workers := append([]*Worker(nil), m.workers...)
	m.mu.Unlock()

	grp, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		grp.Go(func() error {
			return w.Run(ctx)
		})
	}
	m.log.Info("sync manager running", "accounts", len(workers))
	return grp.Wait()
}

// Stop stops all workers concurrently and returns once each is done or
// gave up waiting.
func (m *Manager) Stop() {
	m.mu.Lock()
	workers := append([]*Worker(nil), m.workers...)
	m.mu.Unlock()

	var wg gosync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop()
		}()
	}
	wg.Wait()
}

// RefreshAll triggers an immediate pass on every account.
func (m *Manager) RefreshAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.Trigger()
	}
}

// Refresh triggers an immediate pass on one account. It reports whether
// the account is known.
func (m *Manager) Refresh(accountID string) bool {
	m.mu.Lock()
	w := m.byID[accountID]
	m.mu.Unlock()
	if w == nil {
		return false
	}
	w.Trigger()
	return true
}

// SetQuickSync marks an app-wide quick sync on every account and triggers
// a pass.
func (m *Manager) SetQuickSync(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.eng.SetQuickSync(on)
		if on {
			w.Trigger()
		}
	}
}

// Statuses returns the status of every worker, ordered by account id.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	workers := append([]*Worker(nil), m.workers...)
	m.mu.Unlock()

	out := make([]Status, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
