package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/imapsync/internal/credential"
	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/testutil"
	"github.com/nhle/imapsync/internal/transport"
	"github.com/nhle/imapsync/internal/transport/transporttest"
)

const testAccount = "acct"

type noteRecorder struct {
	mu  sync.Mutex
	got []model.Notification
}

func (r *noteRecorder) Notify(n model.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *noteRecorder) count(kind model.NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.got {
		if got.Kind == kind {
			n++
		}
	}
	return n
}

type healthRecorder struct {
	mu      sync.Mutex
	reports []bool
}

func (h *healthRecorder) Report(_ string, generalFailure bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, generalFailure)
}

func (h *healthRecorder) all() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.reports...)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	srv    *transporttest.Server
	store  *store.SQLiteStore
	creds  *credential.Store
	notes  *noteRecorder
	health *healthRecorder
	cfg    model.EngineConfig
	acct   model.Account
	eng    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fx := &fixture{
		t:      t,
		ctx:    context.Background(),
		srv:    transporttest.NewServer(),
		store:  testutil.NewTestStore(t),
		creds:  credential.NewStore(keyring.NewArrayKeyring(nil)),
		notes:  &noteRecorder{},
		health: &healthRecorder{},
		cfg:    model.DefaultEngineConfig(),
		acct: model.Account{
			ID:       testAccount,
			Email:    "user@example.com",
			Host:     "imap.example.com",
			TLS:      true,
			AuthType: model.AuthPassword,
		},
	}
	fx.cfg.LockTimeout = 200 * time.Millisecond
	fx.cfg.CommandTimeout = 10 * time.Second
	require.NoError(t, fx.creds.Set(fx.acct.CredentialName(), credential.KindPassword, "secret"))
	fx.rebuild()
	return fx
}

// rebuild recreates the engine after the fixture's config or account changed.
func (fx *fixture) rebuild() {
	fx.eng = New(fx.acct, fx.store, fx.srv, fx.creds, fx.cfg, Options{
		Notifier: fx.notes,
		Health:   fx.health,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (fx *fixture) exec(cmd Command) Event {
	fx.t.Helper()
	return fx.eng.Execute(fx.ctx, cmd)
}

// deliver puts a plain text message into path on the server.
func (fx *fixture) deliver(path string, uid uint32, subject string, flags ...string) uint32 {
	fx.t.Helper()
	return fx.deliverReply(path, uid, subject, "", flags...)
}

func (fx *fixture) deliverReply(path string, uid uint32, subject, inReplyTo string, flags ...string) uint32 {
	fx.t.Helper()

	msgID := fmt.Sprintf("%s.%d@example.com", path, uid)
	if uid == 0 {
		msgID = fmt.Sprintf("%s.%d@example.com", subject, time.Now().UnixNano())
	}
	date := time.Now().Add(-time.Hour).UTC()
	raw := fmt.Sprintf("From: Alice <alice@example.com>\r\n"+
		"To: user@example.com\r\n"+
		"Subject: %s\r\n"+
		"Message-Id: <%s>\r\n"+
		"Date: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Hello from %s\r\n", subject, msgID, date.Format(time.RFC1123Z), subject)

	env := &transport.Envelope{
		Date:      date,
		Subject:   subject,
		From:      []transport.Address{{Name: "Alice", Addr: "alice@example.com"}},
		To:        []transport.Address{{Addr: "user@example.com"}},
		MessageID: msgID,
	}
	if inReplyTo != "" {
		env.InReplyTo = []string{inReplyTo}
	}
	return fx.srv.AddMessage(path, &transporttest.Message{
		UID:      uid,
		Flags:    flags,
		Envelope: env,
		Body: &transport.BodyPart{
			Path: "1", Type: "text", Subtype: "plain",
			Params: map[string]string{"charset": "utf-8"},
		},
		Raw: []byte(raw),
	})
}

func (fx *fixture) folder(path string) *model.Folder {
	fx.t.Helper()
	f, err := fx.store.GetFolderByServerID(fx.ctx, testAccount, path)
	require.NoError(fx.t, err)
	return f
}

func (fx *fixture) uids(path string) []uint32 {
	fx.t.Helper()
	uids, err := fx.store.ListMessageUids(fx.ctx, fx.folder(path).ID)
	require.NoError(fx.t, err)
	return uids
}

func (fx *fixture) message(path string, uid uint32) *model.EmailMessage {
	fx.t.Helper()
	m, err := fx.store.GetMessageByServerID(fx.ctx, fx.folder(path).ID, model.FormatUid(uid))
	require.NoError(fx.t, err)
	return m
}

func (fx *fixture) pending(p *model.PendingOperation) *model.PendingOperation {
	fx.t.Helper()
	got, err := fx.store.GetPending(fx.ctx, p.ID)
	require.NoError(fx.t, err)
	return got
}

func (fx *fixture) fastSync(path string) Event {
	fx.t.Helper()
	return fx.exec(&SyncCommand{Folder: path, Method: model.SyncMethodFastSync})
}

func (fx *fixture) discover() {
	fx.t.Helper()
	require.Equal(fx.t, Success{}, fx.exec(&DiscoverCommand{}))
}

func newPending(kind model.PendingKind, folder, serverID string) *model.PendingOperation {
	return &model.PendingOperation{
		AccountID: testAccount,
		Kind:      kind,
		ParentID:  folder,
		ServerID:  serverID,
	}
}

func TestAuthStreamFaultIsRetried(t *testing.T) {
	fx := newFixture(t)
	fx.deliver("INBOX", 1, "one")
	fx.discover()

	fault := &transport.StreamError{Command: "AUTHENTICATE", Err: io.ErrUnexpectedEOF}
	require.NoError(t, fx.eng.Close())
	fx.srv.Fail("authenticate", fault, fault)

	p := testutil.SeedPending(t, fx.store, newPending(model.PendingDelete, "INBOX", "1"), true)
	ev := fx.exec(&DeleteCommand{Folder: "INBOX", Ops: []*model.PendingOperation{p}})

	assert.Equal(t, Success{}, ev)
	got := fx.pending(p)
	assert.Equal(t, model.PendingSucceeded, got.State)
	assert.Zero(t, got.DeferralCount)
	assert.Equal(t, 4, fx.srv.Calls("authenticate"))
	assert.Equal(t, []bool{false, false}, fx.health.all())
}

func TestAuthRejectedFailsPendings(t *testing.T) {
	fx := newFixture(t)
	fx.srv.Secret = "other"

	p := testutil.SeedPending(t, fx.store, newPending(model.PendingDelete, "INBOX", "1"), true)
	ev := fx.exec(&DeleteCommand{Folder: "INBOX", Ops: []*model.PendingOperation{p}})

	assert.IsType(t, AuthFail{}, ev)
	got := fx.pending(p)
	assert.Equal(t, model.PendingFailed, got.State)
	assert.Equal(t, model.ReasonAccessDenied, got.FailureReason)
	assert.Equal(t, 1, fx.srv.Calls("authenticate"))
}

// racingSource reports a newer epoch than the one it hands out, as if the
// credential was replaced while the login was in flight.
type racingSource struct{}

func (racingSource) Get(string) (*credential.Credential, error) {
	return &credential.Credential{Kind: credential.KindPassword, Secret: "stale", Epoch: 1}, nil
}

func (racingSource) Epoch(string) (uint64, error) { return 2, nil }

func TestAuthFailureDuringCredentialChangeIsTransient(t *testing.T) {
	fx := newFixture(t)
	fx.eng = New(fx.acct, fx.store, fx.srv, racingSource{}, fx.cfg, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	p := testutil.SeedPending(t, fx.store, newPending(model.PendingDelete, "INBOX", "1"), true)
	ev := fx.exec(&DeleteCommand{Folder: "INBOX", Ops: []*model.PendingOperation{p}})

	assert.IsType(t, TempFail{}, ev)
	got := fx.pending(p)
	assert.Equal(t, model.PendingEligible, got.State)
	assert.Equal(t, 1, got.DeferralCount)
}

func TestHardAuthHostTreatsRejectionAsAuthFailure(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.HardAuthHosts = []string{"IMAP.example.com"}
	fx.rebuild()
	fx.srv.Fail("authenticate", &transport.CommandError{Command: "AUTHENTICATE", Status: "NO", Text: "web login required"})

	ev := fx.exec(&DiscoverCommand{})
	assert.IsType(t, AuthFail{}, ev)
}

func TestMissingCredentialDefers(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.creds.Delete(fx.acct.CredentialName()))

	p := testutil.SeedPending(t, fx.store, newPending(model.PendingDelete, "INBOX", "1"), true)
	ev := fx.exec(&DeleteCommand{Folder: "INBOX", Ops: []*model.PendingOperation{p}})

	assert.IsType(t, TempFail{}, ev)
	assert.Equal(t, model.PendingEligible, fx.pending(p).State)
	assert.Zero(t, fx.srv.Calls("authenticate"))
}

func TestCancelledCommandPostsNoEvent(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := testutil.SeedPending(t, fx.store, newPending(model.PendingDelete, "INBOX", "1"), true)
	ev := fx.eng.Execute(ctx, &DeleteCommand{Folder: "INBOX", Ops: []*model.PendingOperation{p}})

	assert.Nil(t, ev)
	got := fx.pending(p)
	assert.Equal(t, model.PendingEligible, got.State)
	assert.Equal(t, model.ReasonCancelled, got.FailureReason)
	assert.Empty(t, fx.health.all())
}

func TestLockTimeout(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.eng.Conn().Acquire(fx.ctx, time.Second))
	defer fx.eng.Conn().Release()

	ev := fx.exec(&DiscoverCommand{})
	assert.IsType(t, TempFail{}, ev)
	assert.Zero(t, fx.srv.Calls("connect"))
}

func TestWaitReleaseMarksBrokenOnTimeout(t *testing.T) {
	fx := newFixture(t)
	fx.discover()
	require.Equal(t, StateAuthenticated, fx.eng.Conn().State())

	require.NoError(t, fx.eng.Conn().Acquire(fx.ctx, time.Second))
	assert.False(t, fx.eng.Conn().WaitRelease(10*time.Millisecond))
	assert.Equal(t, StateBroken, fx.eng.Conn().State())
	fx.eng.Conn().Release()

	assert.True(t, fx.eng.Conn().WaitRelease(10*time.Millisecond))
}

func TestProtocolRejectionWaits(t *testing.T) {
	fx := newFixture(t)
	fx.discover()
	fx.srv.Fail("open", &transport.CommandError{Command: "SELECT", Status: "NO", Text: "try later"})

	ev := fx.fastSync("INBOX")
	assert.Equal(t, Wait{Delay: fx.cfg.WaitDelay}, ev)
}

func TestMissingMailboxAsksForResync(t *testing.T) {
	fx := newFixture(t)

	ev := fx.fastSync("Nope")
	assert.Equal(t, ResyncFolder{Folder: "Nope"}, ev)
}

func TestNotConnectedRedoesDiscovery(t *testing.T) {
	fx := newFixture(t)
	fx.srv.Fail("list", transport.ErrNotConnected)

	ev := fx.exec(&DiscoverCommand{})
	assert.Equal(t, RedoDiscovery{}, ev)
	assert.Equal(t, []bool{true}, fx.health.all())
	assert.Equal(t, StateBroken, fx.eng.Conn().State())
}

func TestSocketFaultsExhaustRetries(t *testing.T) {
	fx := newFixture(t)
	fault := &transport.StreamError{Command: "LIST", Err: io.EOF}
	fx.srv.Fail("list", fault, fault, fault)

	ev := fx.exec(&DiscoverCommand{})
	assert.IsType(t, TempFail{}, ev)
	assert.Equal(t, 3, fx.srv.Calls("list"))
	assert.Equal(t, 3, fx.srv.Calls("connect"))
	assert.Equal(t, []bool{true}, fx.health.all())
}

func TestConnectPersistsServerState(t *testing.T) {
	fx := newFixture(t)
	fx.srv.IDNeedsNil = true
	fx.discover()

	st, err := fx.store.GetAccountState(fx.ctx, testAccount)
	require.NoError(t, err)
	assert.Contains(t, st.UnauthCapabilities, "AUTH=PLAIN")
	assert.Contains(t, st.AuthCapabilities, "MOVE")
	assert.JSONEq(t, `{"name":"fake-imapd"}`, st.ServerIdentity)
	assert.Equal(t, 2, fx.srv.Calls("id"))
	assert.Equal(t, []string{"PLAIN,LOGIN"}, fx.srv.Mechanisms())
}

func TestOAuthAccountOffersOAuthMechanisms(t *testing.T) {
	fx := newFixture(t)
	fx.acct.AuthType = model.AuthOAuth2
	fx.rebuild()

	fx.exec(&DiscoverCommand{})
	assert.Equal(t, []string{"XOAUTH2,OAUTHBEARER"}, fx.srv.Mechanisms())
}

func TestDiscoverDropsFoldersGoneFromServer(t *testing.T) {
	fx := newFixture(t)
	fx.srv.AddMailbox("Archive", 7, transport.AttrArchive)
	fx.srv.AddMailbox("Old", 3)
	fx.srv.AddMailbox("Parent", 0, transport.AttrNoSelect)
	fx.discover()

	archive := fx.folder("Archive")
	assert.Equal(t, model.FolderTypeArchive, archive.Type)
	assert.Equal(t, uint32(7), archive.UidValidity)
	assert.True(t, fx.folder("Parent").NoSelect)
	assert.Equal(t, model.FolderTypeInbox, fx.folder("INBOX").Type)

	fx.srv.RemoveMailbox("Old")
	fx.discover()
	_, err := fx.store.GetFolderByServerID(fx.ctx, testAccount, "Old")
	assert.True(t, store.IsNotFound(err))
}
