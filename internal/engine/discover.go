package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/transport"
)

// DiscoverCommand lists the account's mailboxes, reconciles each one and
// drops local folders the server no longer has.
type DiscoverCommand struct{}

func (c *DiscoverCommand) Name() string                        { return "discover" }
func (c *DiscoverCommand) Pendings() []*model.PendingOperation { return nil }

func (c *DiscoverCommand) Run(ctx context.Context, x *Exec) (Event, error) {
	mailboxes, err := x.sess().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	seen := make(map[string]bool, len(mailboxes))
	for _, mb := range mailboxes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if mb.HasAttr(transport.AttrNonExistent) || !x.wantsFolder(mb.Path) {
			continue
		}

		status := &transport.MailboxStatus{Mailbox: mb, NoSelect: true}
		if !mb.HasAttr(transport.AttrNoSelect) {
			status, err = x.open(ctx, mb.Path, false)
			if transport.IsMailboxNotFound(err) {
				x.log.Info("mailbox vanished during discovery", "folder", mb.Path)
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		f, err := x.reconcileFolder(ctx, status, false)
		if err != nil {
			return nil, err
		}
		seen[f.ServerID] = true
	}

	folders, err := x.store.ListFolders(ctx, x.account.ID)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if seen[f.ServerID] || f.IsClientOwned {
			continue
		}
		x.log.Info("dropping folder missing on server", "folder", f.ServerID)
		if err := x.store.DeleteFolder(ctx, f.ID); err != nil {
			return nil, err
		}
	}

	x.log.Info("discovery finished", "folders", len(seen))
	return Success{}, nil
}

// wantsFolder reports whether the account syncs path. INBOX is always synced.
func (x *Exec) wantsFolder(path string) bool {
	if len(x.account.Folders) == 0 || strings.EqualFold(path, "INBOX") {
		return true
	}
	return slices.Contains(x.account.Folders, path)
}
