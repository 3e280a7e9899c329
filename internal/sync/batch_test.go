package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/imapsync/internal/engine"
	"github.com/nhle/imapsync/internal/model"
)

func op(id string, kind model.PendingKind, folder, dest string) model.PendingOperation {
	return model.PendingOperation{ID: id, Kind: kind, ParentID: folder, DestParentID: dest, ServerID: "1"}
}

func TestBatchPendings(t *testing.T) {
	ops := []model.PendingOperation{
		op("d1", model.PendingDelete, "INBOX", ""),
		op("m1", model.PendingMove, "INBOX", "Archive"),
		op("r1", model.PendingMarkRead, "INBOX", ""),
		op("d2", model.PendingDelete, "Work", ""),
		op("m2", model.PendingMove, "INBOX", "Trash"),
		op("u1", model.PendingMarkUnread, "INBOX", ""),
		op("s1", model.PendingSearch, "", ""),
		op("d3", model.PendingDelete, "INBOX", ""),
		op("m3", model.PendingMove, "INBOX", "Archive"),
		op("x1", model.PendingKind("archive_all"), "INBOX", ""),
	}

	batches := batchPendings(ops)

	var got [][]string
	for _, b := range batches {
		var ids []string
		for _, p := range b.ops {
			ids = append(ids, p.ID)
		}
		got = append(got, ids)
	}
	assert.Equal(t, [][]string{
		{"d1", "d3"},
		{"m1", "m3"},
		{"r1", "u1"},
		{"d2"},
		{"m2"},
		{"s1"},
	}, got)
	assert.Equal(t, "Archive", batches[1].dest)
	assert.Equal(t, "Trash", batches[4].dest)
}

func TestBatchCommand(t *testing.T) {
	owned := []*model.PendingOperation{{ID: "a", Kind: model.PendingMove, ParentID: "INBOX", DestParentID: "Archive"}}

	cmd := (&batch{kind: model.PendingMove, folder: "INBOX", dest: "Archive"}).command(owned)
	mv, ok := cmd.(*engine.MoveCommand)
	require.True(t, ok)
	assert.Equal(t, "INBOX", mv.Folder)
	assert.Equal(t, "Archive", mv.Dest)
	assert.Equal(t, owned, mv.Ops)

	cmd = (&batch{kind: model.PendingSync, folder: "Work"}).command(owned)
	sc, ok := cmd.(*engine.SyncCommand)
	require.True(t, ok)
	assert.Equal(t, model.SyncMethodSync, sc.Method)
	assert.Same(t, owned[0], sc.Pending)

	cmd = (&batch{kind: model.PendingSearch}).command(owned)
	assert.IsType(t, &engine.SearchCommand{}, cmd)
}
