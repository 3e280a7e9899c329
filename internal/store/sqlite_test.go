package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/testutil"
)

func TestAccountStateRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.GetAccountState(ctx, "acct")
	require.True(t, store.IsNotFound(err))

	err = s.UpsertAccountState(ctx, model.AccountState{
		AccountID:          "acct",
		UnauthCapabilities: model.StringList{"IMAP4rev1", "STARTTLS"},
		HasSyncedInbox:     true,
	})
	require.NoError(t, err)

	// HasSyncedInbox is one-way.
	err = s.UpsertAccountState(ctx, model.AccountState{
		AccountID:        "acct",
		AuthCapabilities: model.StringList{"IMAP4rev1", "MOVE"},
	})
	require.NoError(t, err)

	st, err := s.GetAccountState(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, st.HasSyncedInbox)
	assert.Equal(t, model.StringList{"IMAP4rev1", "MOVE"}, st.AuthCapabilities)
	assert.Empty(t, st.UnauthCapabilities)
}

func TestFolderLookups(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	inbox := testutil.SeedFolder(t, s, &model.Folder{
		AccountID: "acct", ServerID: "INBOX", DisplayName: "INBOX",
		Type: model.FolderTypeInbox, UidValidity: 5,
	})
	testutil.SeedFolder(t, s, &model.Folder{
		AccountID: "acct", ServerID: "Work/Reports", DisplayName: "Reports",
		ParentID: "Work",
	})

	got, err := s.GetFolderByServerID(ctx, "acct", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, inbox.ID, got.ID)
	assert.Equal(t, uint32(5), got.UidValidity)

	got, err = s.GetFolderByType(ctx, "acct", model.FolderTypeInbox)
	require.NoError(t, err)
	assert.Equal(t, inbox.ID, got.ID)

	_, err = s.GetFolderByType(ctx, "acct", model.FolderTypeUser)
	assert.True(t, store.IsNotFound(err))

	got, err = s.GetFolderByParentAndName(ctx, "acct", "Work", "Reports")
	require.NoError(t, err)
	assert.Equal(t, "Work/Reports", got.ServerID)

	_, err = s.GetFolderByServerID(ctx, "other", "INBOX")
	assert.True(t, store.IsNotFound(err))

	folders, err := s.ListFolders(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, folders, 2)
}

func TestDeleteFolderCascadesToMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	f := testutil.SeedFolder(t, s, &model.Folder{AccountID: "acct", ServerID: "INBOX"})
	msgs := testutil.SeedMessages(t, s, f, 1, 2, 3)

	require.NoError(t, s.DeleteFolder(ctx, f.ID))

	for _, m := range msgs {
		_, err := s.GetMessageByID(ctx, m.ID)
		assert.True(t, store.IsNotFound(err), "message %s should be gone", m.ID)
	}
}

func TestMessageAttachmentsAndUids(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	f := testutil.SeedFolder(t, s, &model.Folder{AccountID: "acct", ServerID: "INBOX"})
	m := &model.EmailMessage{
		AccountID: "acct", FolderID: f.ID, ServerID: "7", Uid: 7,
		MessageID: "a@x", ConversationID: "conv-1",
		Date: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Attachments: []model.Attachment{
			{PartPath: "2", FileName: "report.pdf", ContentType: "application/pdf", Size: 1024},
		},
	}
	require.NoError(t, s.CreateMessage(ctx, m))
	testutil.SeedMessages(t, s, f, 3, 9)

	got, err := s.GetMessageByServerID(ctx, f.ID, "7")
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "report.pdf", got.Attachments[0].FileName)
	assert.True(t, got.Date.Equal(m.Date))

	uids, err := s.ListMessageUids(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 7, 9}, uids)

	conv, err := s.FindConversationID(ctx, "acct", []string{"missing@x", "a@x"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv)

	n, err := s.DeleteMessagesByUids(ctx, f.ID, []uint32{7, 9, 100})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.CountMessages(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDuplicateServerIDRejected(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	f := testutil.SeedFolder(t, s, &model.Folder{AccountID: "acct", ServerID: "INBOX"})
	testutil.SeedMessages(t, s, f, 4)

	err := s.CreateMessage(ctx, &model.EmailMessage{
		AccountID: "acct", FolderID: f.ID, ServerID: "4", Uid: 4,
	})
	assert.Error(t, err)

	// Local messages without a server id may coexist.
	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateMessage(ctx, &model.EmailMessage{
			AccountID: "acct", FolderID: f.ID, IsAwaitingUpload: true,
		}))
	}
	pending, err := s.ListAwaitingUpload(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestPendingResolvesExactlyOnce(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	p := testutil.SeedPending(t, s, &model.PendingOperation{
		AccountID: "acct", Kind: model.PendingDelete, ServerID: "1", ParentID: "INBOX",
	}, false)

	err := s.ResolvePending(ctx, p.ID, model.PendingSucceeded, model.ReasonNone, "")
	assert.True(t, errors.Is(err, store.ErrAlreadyResolved), "eligible operations cannot be resolved")

	require.NoError(t, s.DispatchPending(ctx, p.ID))
	assert.True(t, errors.Is(s.DispatchPending(ctx, p.ID), store.ErrNotEligible))

	require.NoError(t, s.ResolvePending(ctx, p.ID, model.PendingFailed, model.ReasonAccessDenied, ""))
	err = s.ResolvePending(ctx, p.ID, model.PendingSucceeded, model.ReasonNone, "")
	assert.True(t, errors.Is(err, store.ErrAlreadyResolved))

	got, err := s.GetPending(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingFailed, got.State)
	assert.Equal(t, model.ReasonAccessDenied, got.FailureReason)
}

func TestPendingDeferAndBlock(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	p := testutil.SeedPending(t, s, &model.PendingOperation{
		AccountID: "acct", Kind: model.PendingMove, ServerID: "1",
		ParentID: "INBOX", DestParentID: "Archive",
	}, true)

	require.NoError(t, s.DeferPending(ctx, p.ID, model.ReasonConflict))
	assert.True(t, errors.Is(s.DeferPending(ctx, p.ID, model.ReasonConflict), store.ErrAlreadyResolved))

	got, err := s.GetPending(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingEligible, got.State)
	assert.Equal(t, 1, got.DeferralCount)

	assert.True(t, errors.Is(s.BlockPending(ctx, p.ID, "INBOX"), store.ErrAlreadyResolved))
	require.NoError(t, s.DispatchPending(ctx, p.ID))
	require.NoError(t, s.BlockPending(ctx, p.ID, "INBOX"))
	eligible, err := s.ListEligiblePendings(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, eligible)

	n, err := s.UnblockPendings(ctx, "acct", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	eligible, err = s.ListEligiblePendings(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, p.ID, eligible[0].ID)
}

func TestActiveReadPending(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.ActiveReadPending(ctx, "acct", "INBOX", "5")
	assert.True(t, store.IsNotFound(err))

	testutil.SeedPending(t, s, &model.PendingOperation{
		AccountID: "acct", Kind: model.PendingMarkRead, ServerID: "5", ParentID: "INBOX",
	}, true)

	got, err := s.ActiveReadPending(ctx, "acct", "INBOX", "5")
	require.NoError(t, err)
	assert.Equal(t, model.PendingMarkRead, got.Kind)
}

func TestInTxRollsBack(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	f := testutil.SeedFolder(t, s, &model.Folder{AccountID: "acct", ServerID: "INBOX"})
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateMessage(ctx, &model.EmailMessage{
			AccountID: "acct", FolderID: f.ID, ServerID: "1", Uid: 1,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := s.CountMessages(ctx, f.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotifications(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNotification(ctx, model.Notification{
		AccountID: "acct", Kind: model.NotifyNewUnread, MessageID: "m1", Message: "new mail",
	}))

	unread, err := s.GetUnreadNotifications(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, model.NotifyNewUnread, unread[0].Kind)

	require.NoError(t, s.MarkNotificationRead(ctx, unread[0].ID))
	unread, err = s.GetUnreadNotifications(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestReleaseDispatched(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	taken := testutil.SeedPending(t, s, &model.PendingOperation{
		AccountID: "acct", Kind: model.PendingDelete, ServerID: "1", ParentID: "INBOX",
	}, true)
	done := testutil.SeedPending(t, s, &model.PendingOperation{
		AccountID: "acct", Kind: model.PendingDelete, ServerID: "2", ParentID: "INBOX",
	}, true)
	require.NoError(t, s.ResolvePending(ctx, done.ID, model.PendingSucceeded, model.ReasonNone, ""))
	other := testutil.SeedPending(t, s, &model.PendingOperation{
		AccountID: "other", Kind: model.PendingDelete, ServerID: "1", ParentID: "INBOX",
	}, true)

	n, err := s.ReleaseDispatched(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetPending(ctx, taken.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingEligible, got.State)
	got, err = s.GetPending(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingSucceeded, got.State)
	got, err = s.GetPending(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingDispatched, got.State)
}
