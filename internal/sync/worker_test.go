package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/nhle/imapsync/internal/credential"
	"github.com/nhle/imapsync/internal/engine"
	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/testutil"
	"github.com/nhle/imapsync/internal/transport"
	"github.com/nhle/imapsync/internal/transport/transporttest"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type workerFixture struct {
	t      *testing.T
	srv    *transporttest.Server
	store  *store.SQLiteStore
	creds  *credential.Store
	fanout *Fanout
	acct   model.Account
	cfg    model.EngineConfig
	logger *slog.Logger
	worker *Worker
}

func newWorkerFixture(t *testing.T, id string) *workerFixture {
	t.Helper()
	fx := &workerFixture{
		t:      t,
		srv:    transporttest.NewServer(),
		store:  testutil.NewTestStore(t),
		creds:  credential.NewStore(keyring.NewArrayKeyring(nil)),
		fanout: NewFanout(),
		acct: model.Account{
			ID:              id,
			Email:           "user@example.com",
			Host:            "imap.example.com",
			TLS:             true,
			AuthType:        model.AuthPassword,
			PollIntervalSec: 3600,
		},
		cfg:    model.DefaultEngineConfig(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	require.NoError(t, fx.creds.Set(fx.acct.CredentialName(), credential.KindPassword, "secret"))

	fx.cfg.LockTimeout = time.Second
	fx.cfg.CommandTimeout = 10 * time.Second
	fx.cfg.CancelWait = time.Second
	fx.worker = fx.newWorker(fx.store)
	return fx
}

// newWorker builds a worker for the fixture's account on top of st.
func (fx *workerFixture) newWorker(st store.Store) *Worker {
	eng := engine.New(fx.acct, st, fx.srv, fx.creds, fx.cfg, engine.Options{
		Notifier: fx.fanout,
		Logger:   fx.logger,
	})
	return NewWorker(eng, fx.cfg.CancelWait, WorkerOptions{
		Notifier: fx.fanout,
		Limiter:  rate.NewLimiter(rate.Inf, 1),
		Logger:   fx.logger,
	})
}

func (fx *workerFixture) deliver(path, subject string) {
	raw := fmt.Sprintf("From: alice@example.com\r\nSubject: %s\r\n\r\nbody\r\n", subject)
	fx.srv.AddMessage(path, &transporttest.Message{
		Envelope: &transport.Envelope{
			Date:      time.Now().Add(-time.Hour),
			Subject:   subject,
			From:      []transport.Address{{Addr: "alice@example.com"}},
			MessageID: subject + "@example.com",
		},
		Body: &transport.BodyPart{Path: "1", Type: "text", Subtype: "plain"},
		Raw:  []byte(raw),
	})
}

// start runs the worker until the test ends and returns a channel closed
// when Run returns.
func (fx *workerFixture) start() <-chan struct{} {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(fx.t, fx.worker.Run(ctx))
	}()
	fx.t.Cleanup(func() {
		cancel()
		<-done
	})
	return done
}

func (fx *workerFixture) count(path string) int {
	f, err := fx.store.GetFolderByServerID(context.Background(), fx.acct.ID, path)
	if err != nil {
		return -1
	}
	n, err := fx.store.CountMessages(context.Background(), f.ID)
	if err != nil {
		return -1
	}
	return n
}

func TestWorkerDiscoversAndSyncs(t *testing.T) {
	fx := newWorkerFixture(t, "w1")
	fx.srv.AddMailbox("Archive", 3, transport.AttrArchive)
	fx.deliver("INBOX", "one")
	fx.deliver("INBOX", "two")
	fx.deliver("Archive", "old")
	fx.start()

	require.Eventually(t, func() bool {
		st := fx.worker.Status()
		return st.Phase == PhaseReady && !st.LastSync.IsZero()
	}, waitFor, tick)
	assert.Equal(t, 2, fx.count("INBOX"))
	assert.Equal(t, 1, fx.count("Archive"))

	st := fx.worker.Status()
	assert.True(t, st.Running)
	assert.Empty(t, st.Error)
	assert.True(t, st.NextRun.After(time.Now().Add(time.Minute)))
}

func TestWorkerRunsPendingOperationsOnTrigger(t *testing.T) {
	fx := newWorkerFixture(t, "w2")
	fx.deliver("INBOX", "one")
	fx.deliver("INBOX", "two")
	fx.start()

	require.Eventually(t, func() bool { return fx.count("INBOX") == 2 }, waitFor, tick)

	p := testutil.SeedPending(t, fx.store, &model.PendingOperation{
		AccountID: fx.acct.ID,
		Kind:      model.PendingDelete,
		ParentID:  "INBOX",
		ServerID:  "1",
	}, false)
	fx.worker.Trigger()

	require.Eventually(t, func() bool {
		got, err := fx.store.GetPending(context.Background(), p.ID)
		return err == nil && got.State == model.PendingSucceeded
	}, waitFor, tick)
	assert.Equal(t, 1, fx.count("INBOX"))
}

// lockedDispatchStore fails the failOn-th DispatchPending call.
type lockedDispatchStore struct {
	store.Store

	mu     gosync.Mutex
	calls  int
	failOn int
}

func (s *lockedDispatchStore) DispatchPending(ctx context.Context, id string) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n == s.failOn {
		return errors.New("database is locked")
	}
	return s.Store.DispatchPending(ctx, id)
}

func TestWorkerReleasesOperationsOfFailedDispatch(t *testing.T) {
	fx := newWorkerFixture(t, "w6")
	fx.deliver("INBOX", "one")
	fx.deliver("INBOX", "two")
	w := fx.newWorker(&lockedDispatchStore{Store: fx.store, failOn: 2})
	ctx := context.Background()

	w.apply(ctx, w.step(ctx))
	w.apply(ctx, w.step(ctx))
	require.Equal(t, 2, fx.count("INBOX"))

	var ops []*model.PendingOperation
	for _, uid := range []string{"1", "2"} {
		ops = append(ops, testutil.SeedPending(t, fx.store, &model.PendingOperation{
			AccountID: fx.acct.ID,
			Kind:      model.PendingDelete,
			ParentID:  "INBOX",
			ServerID:  uid,
		}, false))
	}

	_, _, err := w.runPendings(ctx)
	require.Error(t, err)
	for _, p := range ops {
		got, err := fx.store.GetPending(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PendingEligible, got.State)
	}

	ev, ran, err := w.runPendings(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, engine.Success{}, ev)
	for _, p := range ops {
		got, err := fx.store.GetPending(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PendingSucceeded, got.State)
	}
	assert.Equal(t, 0, fx.count("INBOX"))
}

func TestWorkerReleasesDispatchedOperationsOnStart(t *testing.T) {
	fx := newWorkerFixture(t, "w7")
	fx.deliver("INBOX", "one")
	// Left Dispatched by a run that never finished.
	p := testutil.SeedPending(t, fx.store, &model.PendingOperation{
		AccountID: fx.acct.ID,
		Kind:      model.PendingDelete,
		ParentID:  "INBOX",
		ServerID:  "1",
	}, true)
	fx.start()

	require.Eventually(t, func() bool {
		got, err := fx.store.GetPending(context.Background(), p.ID)
		return err == nil && got.State == model.PendingSucceeded
	}, waitFor, tick)
	assert.Empty(t, fx.srv.Mailbox("INBOX").Messages)
}

func TestWorkerParksOnAuthFailure(t *testing.T) {
	fx := newWorkerFixture(t, "w3")
	require.NoError(t, fx.creds.Set(fx.acct.CredentialName(), credential.KindPassword, "wrong"))
	notes, cancel := fx.fanout.Subscribe(8)
	defer cancel()
	fx.start()

	require.Eventually(t, func() bool { return fx.worker.Status().Phase == PhaseAuthFailed }, waitFor, tick)
	assert.Equal(t, "invalid credentials", fx.worker.Status().Error)

	select {
	case n := <-notes:
		assert.Equal(t, model.NotifySyncError, n.Kind)
	case <-time.After(waitFor):
		t.Fatal("no sync error indication")
	}
	stored, err := fx.store.GetUnreadNotifications(context.Background(), fx.acct.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.NotifySyncError, stored[0].Kind)

	require.NoError(t, fx.creds.Set(fx.acct.CredentialName(), credential.KindPassword, "secret"))
	fx.worker.Trigger()
	require.Eventually(t, func() bool { return fx.worker.Status().Phase == PhaseReady }, waitFor, tick)
}

func TestWorkerRedoesDiscoveryWhenFolderVanishes(t *testing.T) {
	fx := newWorkerFixture(t, "w4")
	fx.srv.AddMailbox("Work", 4)
	fx.deliver("Work", "report")
	fx.start()

	require.Eventually(t, func() bool { return fx.count("Work") == 1 }, waitFor, tick)

	removed := time.Now()
	fx.srv.RemoveMailbox("Work")
	fx.worker.Trigger()
	require.Eventually(t, func() bool {
		_, err := fx.store.GetFolderByServerID(context.Background(), fx.acct.ID, "Work")
		return store.IsNotFound(err)
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		st := fx.worker.Status()
		return st.Phase == PhaseReady && st.LastSync.After(removed)
	}, waitFor, tick)
}

func TestWorkerStop(t *testing.T) {
	fx := newWorkerFixture(t, "w5")
	done := fx.start()
	require.Eventually(t, func() bool { return fx.worker.Status().Phase == PhaseReady }, waitFor, tick)

	fx.worker.Stop()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("worker did not stop")
	}
	assert.False(t, fx.worker.Status().Running)
	fx.worker.Stop()
}

func TestManager(t *testing.T) {
	a := newWorkerFixture(t, "acct-b")
	b := newWorkerFixture(t, "acct-a")
	a.deliver("INBOX", "for a")

	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.Add(a.worker)
	m.Add(b.worker)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, st := range m.Statuses() {
			if st.Phase != PhaseReady || st.LastSync.IsZero() {
				return false
			}
		}
		return true
	}, waitFor, tick)

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "acct-a", statuses[0].AccountID)
	assert.Equal(t, "acct-b", statuses[1].AccountID)
	assert.Equal(t, 1, a.count("INBOX"))
	assert.True(t, m.Refresh("acct-a"))
	assert.False(t, m.Refresh("nope"))

	m.Stop()
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("manager did not stop")
	}
}
