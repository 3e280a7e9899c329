package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/testutil"
)

func seededFolder(t *testing.T) (store.Store, *model.Folder) {
	t.Helper()
	st := testutil.NewTestStore(t)
	f := testutil.SeedFolder(t, st, &model.Folder{
		AccountID:   testAccount,
		ServerID:    "INBOX",
		DisplayName: "INBOX",
		UidValidity: 7,
		UidSet:      model.FormatUidSet([]uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}),
	})
	testutil.SeedMessages(t, st, f, 1, 2, 3, 12)
	return st, f
}

func TestFastSyncKitCapsNewUIDs(t *testing.T) {
	st, f := seededFolder(t)
	s := &DefaultStrategy{SyncSpan: 4, FlagWindow: 2}

	kit, err := s.FastSyncKit(context.Background(), st, f)
	require.NoError(t, err)
	require.NotNil(t, kit)

	assert.False(t, kit.FullSync)
	want := []model.SyncInstruction{
		{Uids: []uint32{7, 8, 9, 10}, Envelope: true, Flags: true, GetPreviews: true},
		{Uids: []uint32{2, 3, 12}, Flags: true},
	}
	if diff := cmp.Diff(want, kit.Instructions); diff != "" {
		t.Errorf("instructions mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncKitCoversEverything(t *testing.T) {
	st, f := seededFolder(t)
	s := &DefaultStrategy{SyncSpan: 4, FlagWindow: 2}

	kit, err := s.SyncKit(context.Background(), st, f)
	require.NoError(t, err)

	assert.True(t, kit.FullSync)
	want := []model.SyncInstruction{
		{Uids: []uint32{7, 8, 9, 10}, Envelope: true, Flags: true, GetPreviews: true},
		{Uids: []uint32{4, 5, 6}, Envelope: true, Flags: true, GetPreviews: true},
		{Uids: []uint32{1, 2, 3, 12}, Flags: true},
	}
	if diff := cmp.Diff(want, kit.Instructions); diff != "" {
		t.Errorf("instructions mismatch (-want +got):\n%s", diff)
	}
}

func TestFastSyncKitDeclinesIdleFolder(t *testing.T) {
	st := testutil.NewTestStore(t)
	f := testutil.SeedFolder(t, st, &model.Folder{AccountID: testAccount, ServerID: "Empty", DisplayName: "Empty", UidValidity: 1})
	s := &DefaultStrategy{SyncSpan: 4, FlagWindow: 2}

	kit, err := s.FastSyncKit(context.Background(), st, f)
	require.NoError(t, err)
	assert.Nil(t, kit)
}

func TestNewestFirst(t *testing.T) {
	in := []uint32{3, 9, 1}
	assert.Equal(t, []uint32{9, 3, 1}, newestFirst(in))
	assert.Equal(t, []uint32{3, 9, 1}, in)
}
