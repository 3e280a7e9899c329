package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/transport"
)

// open selects path and records the selection on the connection.
func (x *Exec) open(ctx context.Context, path string, writable bool) (*transport.MailboxStatus, error) {
	status, err := x.sess().Open(ctx, path, !writable)
	if err != nil {
		x.conn.setSelected("", false)
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if status.NoSelect {
		x.conn.setSelected("", false)
	} else {
		x.conn.setSelected(path, writable)
	}
	return status, nil
}

// ensureOpen selects path unless it is already open with enough access.
func (x *Exec) ensureOpen(ctx context.Context, path string, writable bool) error {
	if x.conn.isSelected(path, writable) {
		return nil
	}
	_, err := x.open(ctx, path, writable)
	return err
}

// folderType derives the distinguished role of a mailbox.
func folderType(mb transport.Mailbox) model.FolderType {
	if strings.EqualFold(mb.Path, "INBOX") {
		return model.FolderTypeInbox
	}
	for _, a := range mb.Attrs {
		switch strings.ToLower(a) {
		case strings.ToLower(transport.AttrSent):
			return model.FolderTypeSent
		case strings.ToLower(transport.AttrDrafts):
			return model.FolderTypeDrafts
		case strings.ToLower(transport.AttrTrash):
			return model.FolderTypeTrash
		case strings.ToLower(transport.AttrJunk):
			return model.FolderTypeJunk
		case strings.ToLower(transport.AttrArchive):
			return model.FolderTypeArchive
		case strings.ToLower(transport.AttrAll):
			return model.FolderTypeAll
		}
	}
	return model.FolderTypeUser
}

// findFolder resolves the local folder for mb: by exact path, then by
// distinguished role, then by parent and name.
func (e *Engine) findFolder(ctx context.Context, st store.Store, mb transport.Mailbox) (*model.Folder, error) {
	f, err := st.GetFolderByServerID(ctx, e.account.ID, mb.Path)
	if err == nil || !store.IsNotFound(err) {
		return f, err
	}
	if t := folderType(mb); t.IsDistinguished() {
		f, err = st.GetFolderByType(ctx, e.account.ID, t)
		if err == nil || !store.IsNotFound(err) {
			return f, err
		}
	}
	f, err = st.GetFolderByParentAndName(ctx, e.account.ID, mb.Parent(), mb.Name())
	if store.IsNotFound(err) {
		return nil, nil
	}
	return f, err
}

// reconcileFolder brings the local folder in line with an opened mailbox.
// A changed UIDVALIDITY drops the folder with every cached message before
// it is recreated. With refresh set, the authoritative UID set and counters
// are reloaded from the server.
func (x *Exec) reconcileFolder(ctx context.Context, status *transport.MailboxStatus, refresh bool) (*model.Folder, error) {
	mb := status.Mailbox
	var f *model.Folder

	err := x.store.InTx(ctx, func(tx store.Store) error {
		var err error
		f, err = x.findFolder(ctx, tx, mb)
		if err != nil {
			return fmt.Errorf("looking up folder %s: %w", mb.Path, err)
		}

		if f != nil && !status.NoSelect && f.UidValidity != 0 && f.UidValidity != status.UIDValidity {
			x.log.Warn("uidvalidity changed, dropping cached folder",
				"folder", mb.Path, "old", f.UidValidity, "new", status.UIDValidity)
			if err := tx.DeleteFolder(ctx, f.ID); err != nil {
				return err
			}
			f = nil
		}

		if f == nil {
			f = &model.Folder{AccountID: x.account.ID}
			applyMailbox(f, status)
			return tx.CreateFolder(ctx, f)
		}
		applyMailbox(f, status)
		return tx.UpdateFolder(ctx, f)
	})
	if err != nil {
		return nil, err
	}

	if refresh && !status.NoSelect {
		if err := x.refreshFolder(ctx, f, status); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func applyMailbox(f *model.Folder, status *transport.MailboxStatus) {
	mb := status.Mailbox
	f.ServerID = mb.Path
	f.DisplayName = mb.Name()
	f.ParentID = mb.Parent()
	if t := folderType(mb); t.IsDistinguished() || f.Type == "" {
		f.Type = t
	}
	f.NoSelect = status.NoSelect
	if !status.NoSelect {
		f.UidValidity = status.UIDValidity
	}
}

// refreshFolder reloads the folder's UID set and counters. Moved counters
// set NeedFullSync, which only a completed full sync clears.
func (x *Exec) refreshFolder(ctx context.Context, f *model.Folder, status *transport.MailboxStatus) error {
	criteria := transport.SearchCriteria{NotDeleted: true}
	if days := x.cfg.MetadataLookbackDays; days > 0 {
		criteria.Since = time.Now().AddDate(0, 0, -days)
	}
	uids, err := x.sess().Search(ctx, criteria)
	if err != nil {
		return fmt.Errorf("searching %s: %w", f.ServerID, err)
	}

	if status.Exists != f.UidExists || status.UIDNext != f.UidNext {
		f.NeedFullSync = true
	}
	f.UidSet = model.FormatUidSet(uids)
	f.UidExists = status.Exists
	f.UidNext = status.UIDNext
	f.NoSelect = status.NoSelect
	if err := x.store.UpdateFolder(ctx, f); err != nil {
		return err
	}

	n, err := x.store.UnblockPendings(ctx, x.account.ID, f.ServerID)
	if err != nil {
		return err
	}
	if n > 0 {
		x.log.Debug("unblocked pending operations", "folder", f.ServerID, "count", n)
	}
	return nil
}

// ResyncCommand rebuilds one folder's metadata after an epoch change or a
// missing mailbox.
type ResyncCommand struct {
	Folder string
}

func (c *ResyncCommand) Name() string                        { return "resync" }
func (c *ResyncCommand) Pendings() []*model.PendingOperation { return nil }

func (c *ResyncCommand) Run(ctx context.Context, x *Exec) (Event, error) {
	status, err := x.open(ctx, c.Folder, false)
	if transport.IsMailboxNotFound(err) {
		return x.dropFolder(ctx, c.Folder)
	}
	if err != nil {
		return nil, err
	}
	if _, err := x.reconcileFolder(ctx, status, true); err != nil {
		return nil, err
	}
	return Success{}, nil
}

// dropFolder removes the local copy of a mailbox the server no longer has.
func (x *Exec) dropFolder(ctx context.Context, path string) (Event, error) {
	f, err := x.store.GetFolderByServerID(ctx, x.account.ID, path)
	if store.IsNotFound(err) {
		return RedoDiscovery{}, nil
	}
	if err != nil {
		return nil, err
	}
	if f.IsClientOwned {
		return Success{}, nil
	}
	x.log.Info("mailbox gone from server, dropping folder", "folder", path)
	if err := x.store.DeleteFolder(ctx, f.ID); err != nil {
		return nil, err
	}
	x.notify(ctx, model.Notification{
		Kind:     model.NotifyMessageSetChanged,
		FolderID: f.ID,
		Message:  fmt.Sprintf("folder %s removed", path),
	})
	return RedoDiscovery{}, nil
}
