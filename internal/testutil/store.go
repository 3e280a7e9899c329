package testutil

import (
	"context"
	"testing"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedFolder creates a folder row and fails the test on error.
func SeedFolder(t *testing.T, s store.Store, f *model.Folder) *model.Folder {
	t.Helper()

	if err := s.CreateFolder(context.Background(), f); err != nil {
		t.Fatalf("seeding folder %s: %v", f.ServerID, err)
	}
	return f
}

// SeedMessages creates one cached message per uid in folder f.
func SeedMessages(t *testing.T, s store.Store, f *model.Folder, uids ...uint32) []*model.EmailMessage {
	t.Helper()

	msgs := make([]*model.EmailMessage, 0, len(uids))
	for _, uid := range uids {
		m := &model.EmailMessage{
			AccountID: f.AccountID,
			FolderID:  f.ID,
			ServerID:  model.FormatUid(uid),
			Uid:       uid,
			MessageID: model.FormatUid(uid) + "@seed.test",
			Subject:   "seed " + model.FormatUid(uid),
		}
		if err := s.CreateMessage(context.Background(), m); err != nil {
			t.Fatalf("seeding message %d: %v", uid, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// SeedPending creates a pending operation and dispatches it when dispatch is set.
func SeedPending(t *testing.T, s store.Store, p *model.PendingOperation, dispatch bool) *model.PendingOperation {
	t.Helper()

	ctx := context.Background()
	if err := s.CreatePending(ctx, p); err != nil {
		t.Fatalf("seeding pending operation: %v", err)
	}
	if dispatch {
		if err := s.DispatchPending(ctx, p.ID); err != nil {
			t.Fatalf("dispatching pending operation: %v", err)
		}
		p.State = model.PendingDispatched
	}
	return p
}
