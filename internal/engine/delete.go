package engine

import (
	"context"
	"fmt"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/transport"
)

// DeleteCommand removes messages of one folder on the server. All pendings
// must name the same source folder.
type DeleteCommand struct {
	Folder string
	Ops    []*model.PendingOperation
}

func (c *DeleteCommand) Name() string                        { return "delete" }
func (c *DeleteCommand) Pendings() []*model.PendingOperation { return c.Ops }

func (c *DeleteCommand) Run(ctx context.Context, x *Exec) (Event, error) {
	targets, uids := parseTargets(ctx, x, c.Ops)
	if len(uids) == 0 {
		return Success{}, nil
	}

	if _, err := x.open(ctx, c.Folder, true); err != nil {
		return nil, err
	}
	if err := x.sess().StoreFlags(ctx, uids, true, []string{transport.FlagDeleted}); err != nil {
		return nil, fmt.Errorf("flagging deleted in %s: %w", c.Folder, err)
	}
	// A plain EXPUNGE would also remove messages other clients flagged.
	caps := x.conn.Capabilities()
	if caps.Has(transport.CapUIDPlus) || caps.Has(transport.CapIMAP4rev2) {
		if err := x.sess().Expunge(ctx, uids); err != nil {
			return nil, fmt.Errorf("expunging %s: %w", c.Folder, err)
		}
	}

	status, err := x.open(ctx, c.Folder, false)
	if err != nil {
		return nil, err
	}
	f, err := x.reconcileFolder(ctx, status, true)
	if err != nil {
		return nil, err
	}
	n, err := x.store.DeleteMessagesByUids(ctx, f.ID, uids)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		x.notify(ctx, model.Notification{
			Kind:     model.NotifyMessageSetChanged,
			FolderID: f.ID,
			Message:  fmt.Sprintf("%d messages deleted from %s", n, f.ServerID),
		})
	}

	for _, p := range targets {
		x.resolver.Succeed(ctx, p, "")
	}
	return Success{}, nil
}

// parseTargets reads the UID of each pending. Unparsable pendings are
// failed on the spot and left out.
func parseTargets(ctx context.Context, x *Exec, ops []*model.PendingOperation) ([]*model.PendingOperation, []uint32) {
	var (
		targets []*model.PendingOperation
		uids    []uint32
	)
	for _, p := range ops {
		uid, err := model.ParseUid(p.ServerID)
		if err != nil {
			x.log.Warn("pending operation has no usable uid", "pending", p.ID, "error", err)
			x.resolver.Fail(ctx, p, model.ReasonNotFound)
			continue
		}
		targets = append(targets, p)
		uids = append(uids, uid)
	}
	return targets, model.SortedUids(uids)
}
