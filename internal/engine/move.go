package engine

import (
	"context"
	"fmt"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/transport"
)

// MoveCommand moves messages from one folder to another in a single server
// call. All pendings must name the same source and destination.
type MoveCommand struct {
	Folder string
	Dest   string
	Ops    []*model.PendingOperation
}

func (c *MoveCommand) Name() string                        { return "move" }
func (c *MoveCommand) Pendings() []*model.PendingOperation { return c.Ops }

type moveTarget struct {
	op  *model.PendingOperation
	msg *model.EmailMessage
}

func (c *MoveCommand) Run(ctx context.Context, x *Exec) (Event, error) {
	src, err := x.store.GetFolderByServerID(ctx, x.account.ID, c.Folder)
	if store.IsNotFound(err) {
		for _, p := range c.Ops {
			x.resolver.Fail(ctx, p, model.ReasonNotFound)
		}
		return Success{}, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		targets []moveTarget
		uids    []uint32
	)
	for _, p := range c.Ops {
		m, err := x.store.GetMessageByServerID(ctx, src.ID, p.ServerID)
		if store.IsNotFound(err) || (err == nil && m.Uid == 0) {
			if !src.HasMetadata() {
				x.log.Debug("move target waits for folder metadata", "pending", p.ID, "folder", c.Folder)
				x.resolver.Block(ctx, p, c.Folder)
				continue
			}
			x.log.Warn("move target not in cache", "pending", p.ID, "uid", p.ServerID)
			x.resolver.Fail(ctx, p, model.ReasonNotFound)
			continue
		}
		if err != nil {
			return nil, err
		}
		targets = append(targets, moveTarget{op: p, msg: m})
		uids = append(uids, m.Uid)
	}
	if len(targets) == 0 {
		return Success{}, nil
	}

	if err := x.ensureOpen(ctx, c.Folder, true); err != nil {
		return nil, err
	}
	res, err := x.sess().Move(ctx, model.SortedUids(uids), c.Dest)
	if transport.IsCommandError(err) || transport.IsParseError(err) {
		x.log.Warn("server refused move", "from", c.Folder, "to", c.Dest, "error", err)
		for _, t := range targets {
			x.resolver.Fail(ctx, t.op, model.ReasonUnsupported)
		}
		return Success{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moving %s to %s: %w", c.Folder, c.Dest, err)
	}

	dest, err := x.store.GetFolderByServerID(ctx, x.account.ID, c.Dest)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	err = x.store.InTx(ctx, func(tx store.Store) error {
		for _, t := range targets {
			newUID, ok := res.UIDMap[t.msg.Uid]
			if !res.Mapped || !ok || dest == nil {
				// Either gone before the move, or its new UID is unknown;
				// the destination's next pass fetches it.
				if err := tx.DeleteMessage(ctx, t.msg.ID); err != nil && !store.IsNotFound(err) {
					return err
				}
				continue
			}
			t.msg.FolderID = dest.ID
			t.msg.Uid = newUID
			t.msg.ServerID = model.FormatUid(newUID)
			if err := tx.UpdateMessage(ctx, t.msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	x.notify(ctx, model.Notification{
		Kind:     model.NotifyMessageSetChanged,
		FolderID: src.ID,
		Message:  fmt.Sprintf("%d messages moved out of %s", len(targets), c.Folder),
	})
	if dest != nil {
		x.notify(ctx, model.Notification{
			Kind:     model.NotifyMessageSetChanged,
			FolderID: dest.ID,
			Message:  fmt.Sprintf("%d messages moved into %s", len(targets), c.Dest),
		})
	}

	for _, t := range targets {
		x.resolver.Succeed(ctx, t.op, "")
	}
	return Success{}, nil
}
