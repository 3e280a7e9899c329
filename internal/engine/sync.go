package engine

import (
	"context"
	"fmt"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
)

// SyncCommand runs one pass over a folder. With SyncMethodSync it executes
// Kit, or the strategy's full kit when Kit is nil. With SyncMethodFastSync
// it refreshes the folder metadata and asks the strategy what to fetch.
type SyncCommand struct {
	Folder  string
	Method  model.SyncMethod
	Kit     *model.SyncKit
	Pending *model.PendingOperation
}

func (c *SyncCommand) Name() string { return "sync." + c.Method.String() }

func (c *SyncCommand) Pendings() []*model.PendingOperation {
	var ps []*model.PendingOperation
	if c.Pending != nil {
		ps = append(ps, c.Pending)
	}
	if c.Kit != nil && c.Kit.Pending != nil && c.Kit.Pending != c.Pending {
		ps = append(ps, c.Kit.Pending)
	}
	return ps
}

func (c *SyncCommand) Run(ctx context.Context, x *Exec) (Event, error) {
	status, err := x.open(ctx, c.Folder, false)
	if err != nil {
		return nil, err
	}

	local, err := x.store.GetFolderByServerID(ctx, x.account.ID, c.Folder)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}
	if local != nil && !status.NoSelect && local.UidValidity != 0 && local.UidValidity != status.UIDValidity {
		x.log.Info("uidvalidity changed", "folder", c.Folder, "old", local.UidValidity, "new", status.UIDValidity)
		return ResyncFolder{Folder: c.Folder}, nil
	}

	if status.NoSelect {
		if _, err := x.reconcileFolder(ctx, status, false); err != nil {
			return nil, err
		}
		c.resolve(ctx, x)
		return Success{}, nil
	}

	var kit *model.SyncKit
	switch c.Method {
	case model.SyncMethodFastSync:
		f, err := x.reconcileFolder(ctx, status, true)
		if err != nil {
			return nil, err
		}
		kit, err = x.strategy.FastSyncKit(ctx, x.store, f)
		if err != nil {
			return nil, fmt.Errorf("planning fast sync of %s: %w", f.ServerID, err)
		}
		if kit.IsEmpty() {
			c.resolve(ctx, x)
			if x.quick.Load() {
				return Wait{Delay: x.cfg.QuickSyncWait}, nil
			}
			return Success{}, nil
		}
		kit.Folder = f

	default:
		f, err := x.reconcileFolder(ctx, status, c.Kit == nil)
		if err != nil {
			return nil, err
		}
		kit = c.Kit
		if kit == nil {
			kit, err = x.strategy.SyncKit(ctx, x.store, f)
			if err != nil {
				return nil, fmt.Errorf("planning sync of %s: %w", f.ServerID, err)
			}
		}
		if kit == nil {
			kit = &model.SyncKit{}
		}
		kit.Folder = f
	}

	if err := x.runKit(ctx, kit); err != nil {
		return nil, err
	}
	c.resolve(ctx, x)
	return Success{}, nil
}

// resolve marks the originating operations as done.
func (c *SyncCommand) resolve(ctx context.Context, x *Exec) {
	for _, p := range c.Pendings() {
		x.resolver.Succeed(ctx, p, "")
	}
}
