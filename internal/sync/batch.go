package sync

import (
	"github.com/nhle/imapsync/internal/engine"
	"github.com/nhle/imapsync/internal/model"
)

// batch is a group of eligible pending operations one command can carry.
type batch struct {
	kind   model.PendingKind
	folder string
	dest   string
	ops    []model.PendingOperation
}

// batchPendings groups operations by kind and folder, keeping the order in
// which each group first appears. Searches and sync requests run alone.
// Unknown kinds stay Eligible.
func batchPendings(ops []model.PendingOperation) []*batch {
	var out []*batch
	index := map[[3]string]*batch{}
	for _, p := range ops {
		kind := p.Kind
		if kind == model.PendingMarkUnread {
			kind = model.PendingMarkRead
		}
		switch kind {
		case model.PendingSearch, model.PendingSync:
			out = append(out, &batch{kind: kind, folder: p.ParentID, ops: []model.PendingOperation{p}})
			continue
		case model.PendingDelete, model.PendingMove, model.PendingMarkRead:
		default:
			continue
		}

		key := [3]string{string(kind), p.ParentID, ""}
		if kind == model.PendingMove {
			key[2] = p.DestParentID
		}
		b := index[key]
		if b == nil {
			b = &batch{kind: kind, folder: p.ParentID, dest: key[2]}
			index[key] = b
			out = append(out, b)
		}
		b.ops = append(b.ops, p)
	}
	return out
}

// command builds the command for the operations of b this worker owns.
func (b *batch) command(owned []*model.PendingOperation) engine.Command {
	switch b.kind {
	case model.PendingDelete:
		return &engine.DeleteCommand{Folder: b.folder, Ops: owned}
	case model.PendingMove:
		return &engine.MoveCommand{Folder: b.folder, Dest: b.dest, Ops: owned}
	case model.PendingMarkRead:
		return &engine.MarkReadCommand{Folder: b.folder, Ops: owned}
	case model.PendingSearch:
		return &engine.SearchCommand{Op: owned[0]}
	case model.PendingSync:
		return &engine.SyncCommand{Folder: b.folder, Method: model.SyncMethodSync, Pending: owned[0]}
	default:
		return nil
	}
}
