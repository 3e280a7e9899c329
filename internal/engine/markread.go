package engine

import (
	"context"
	"fmt"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/transport"
)

// MarkReadCommand sets or clears \Seen on messages of one folder.
type MarkReadCommand struct {
	Folder string
	Ops    []*model.PendingOperation
}

func (c *MarkReadCommand) Name() string                        { return "markread" }
func (c *MarkReadCommand) Pendings() []*model.PendingOperation { return c.Ops }

func (c *MarkReadCommand) Run(ctx context.Context, x *Exec) (Event, error) {
	targets, _ := parseTargets(ctx, x, c.Ops)
	if len(targets) == 0 {
		return Success{}, nil
	}

	want := make(map[uint32]bool, len(targets))
	var read, unread []uint32
	for _, p := range targets {
		uid, _ := model.ParseUid(p.ServerID)
		isRead := p.Kind == model.PendingMarkRead
		want[uid] = isRead
		if isRead {
			read = append(read, uid)
		} else {
			unread = append(unread, uid)
		}
	}

	if err := x.ensureOpen(ctx, c.Folder, true); err != nil {
		return nil, err
	}
	if len(read) > 0 {
		if err := x.sess().StoreFlags(ctx, read, true, []string{transport.FlagSeen}); err != nil {
			return nil, fmt.Errorf("marking read in %s: %w", c.Folder, err)
		}
	}
	if len(unread) > 0 {
		if err := x.sess().StoreFlags(ctx, unread, false, []string{transport.FlagSeen}); err != nil {
			return nil, fmt.Errorf("marking unread in %s: %w", c.Folder, err)
		}
	}

	f, err := x.store.GetFolderByServerID(ctx, x.account.ID, c.Folder)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}
	if f != nil {
		msgs, err := x.store.GetMessagesByUids(ctx, f.ID, model.UnionUids(read, unread))
		if err != nil {
			return nil, err
		}
		changed := false
		for i := range msgs {
			m := &msgs[i]
			if m.IsRead == want[m.Uid] {
				continue
			}
			m.IsRead = want[m.Uid]
			if err := x.store.UpdateMessage(ctx, m); err != nil {
				return nil, err
			}
			changed = true
		}
		if changed {
			x.notify(ctx, model.Notification{
				Kind:     model.NotifyMessageSetChanged,
				FolderID: f.ID,
				Message:  fmt.Sprintf("read state changed in %s", f.ServerID),
			})
		}
	}

	for _, p := range targets {
		x.resolver.Succeed(ctx, p, "")
	}
	return Success{}, nil
}
