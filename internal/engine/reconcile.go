package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/transport"
)

// envelopeHeaders are fetched with every full summary.
var envelopeHeaders = []string{"References", "Importance", "X-Priority", "Chat-Version"}

// pass accumulates what one folder pass did.
type pass struct {
	changed bool
	synced  []uint32
}

// runKit executes a kit against its folder: uploads, then each
// instruction, then local pruning, then notifications and watermarks.
func (x *Exec) runKit(ctx context.Context, kit *model.SyncKit) error {
	f := kit.Folder
	if f == nil {
		return invariantf("sync kit without folder")
	}
	var p pass
	f.LastUidSynced = 0

	instructions := kit.Instructions
	if len(kit.UploadMessages) > 0 {
		uids, changed, err := x.uploadMessages(ctx, f, kit.UploadMessages)
		p.changed = p.changed || changed
		if err != nil {
			return err
		}
		if len(uids) > 0 {
			instructions = append(instructions, model.SyncInstruction{
				Uids:        uids,
				Envelope:    true,
				Flags:       true,
				GetPreviews: true,
			})
		}
	}

	for _, inst := range instructions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(inst.Uids) == 0 {
			continue
		}
		if err := x.runInstruction(ctx, f, inst, &p); err != nil {
			return err
		}
	}

	pruned, err := x.prune(ctx, f, kit.DeleteEmailIDs)
	if err != nil {
		return err
	}
	p.changed = p.changed || pruned

	if p.changed {
		x.notify(ctx, model.Notification{
			Kind:     model.NotifyMessageSetChanged,
			FolderID: f.ID,
			Message:  fmt.Sprintf("messages in %s changed", f.ServerID),
		})
	}

	for _, uid := range p.synced {
		f.RecordSynced(uid)
	}
	f.SyncAttemptCount++
	f.LastSyncAttempt = time.Now().UTC()
	if kit.FullSync {
		f.NeedFullSync = false
	}
	if err := x.store.UpdateFolder(ctx, f); err != nil {
		return err
	}

	if f.IsInbox() {
		return x.updateAccountState(ctx, func(st *model.AccountState) bool {
			if st.HasSyncedInbox {
				return false
			}
			st.HasSyncedInbox = true
			return true
		})
	}
	return nil
}

// runInstruction fetches one UID set and folds the result into the cache.
func (x *Exec) runInstruction(ctx context.Context, f *model.Folder, inst model.SyncInstruction, p *pass) error {
	uids := model.SortedUids(inst.Uids)
	log := x.log.With("folder", f.ServerID)

	if err := x.ensureOpen(ctx, f.ServerID, false); err != nil {
		return err
	}
	deleted, err := x.sess().Search(ctx, transport.SearchCriteria{UIDs: uids, Deleted: true})
	if err != nil {
		return fmt.Errorf("searching deleted in %s: %w", f.ServerID, err)
	}
	isDeleted := make(map[uint32]bool, len(deleted))
	for _, uid := range deleted {
		isDeleted[uid] = true
	}

	items := transport.FetchItems{
		Flags:         inst.Flags || inst.Envelope,
		Envelope:      inst.Envelope,
		BodyStructure: inst.Envelope || inst.GetPreviews,
	}
	if inst.Envelope {
		items.HeaderFields = append(append([]string(nil), envelopeHeaders...), inst.HeaderFields...)
	} else {
		items.HeaderFields = inst.HeaderFields
	}

	sums, skipped, err := x.fetchSummaries(ctx, f, uids, items)
	if err != nil {
		return err
	}

	returned := make([]uint32, 0, len(sums))
	for i := range sums {
		sum := &sums[i]
		returned = append(returned, sum.UID)
		if isDeleted[sum.UID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		m, err := x.store.GetMessageByServerID(ctx, f.ID, model.FormatUid(sum.UID))
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		switch {
		case m != nil:
			changed, err := x.mergeFlags(ctx, f, m, sum)
			if err != nil {
				return err
			}
			p.changed = p.changed || changed
		case sum.Envelope != nil:
			m, err = x.createMessage(ctx, f, sum)
			if err != nil {
				return err
			}
			p.changed = true
		default:
			log.Debug("flag update for unknown message ignored", "uid", sum.UID)
			continue
		}
		p.synced = append(p.synced, sum.UID)

		changed, err := x.fillDetails(ctx, m, sum, inst)
		if err != nil {
			return err
		}
		p.changed = p.changed || changed
	}

	vanished := model.SubtractUids(model.SubtractUids(uids, returned), skipped)
	gone := model.UnionUids(deleted, vanished)
	if len(gone) > 0 {
		n, err := x.store.DeleteMessagesByUids(ctx, f.ID, gone)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("removed messages gone from server", "count", n, "vanished", len(vanished))
			p.changed = true
		}
	}
	return nil
}

// fetchSummaries fetches uids in one batch. When the batch fails at the
// protocol level each UID is fetched alone, reconnecting as needed; UIDs
// that still fail are logged and returned as skipped.
func (x *Exec) fetchSummaries(
	ctx context.Context,
	f *model.Folder,
	uids []uint32,
	items transport.FetchItems,
) ([]transport.Summary, []uint32, error) {
	sums, err := x.sess().Fetch(ctx, uids, items)
	if err == nil {
		return sums, nil, nil
	}
	if !isProtocolFault(err) || ctx.Err() != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", f.ServerID, err)
	}
	x.log.Warn("batch fetch failed, fetching one by one", "folder", f.ServerID, "count", len(uids), "error", err)
	if transport.IsStreamError(err) {
		x.conn.MarkBroken()
	}

	var skipped []uint32
	sums = sums[:0]
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if err := x.reopen(ctx, f.ServerID); err != nil {
			return nil, nil, err
		}
		one, err := x.sess().Fetch(ctx, []uint32{uid}, items)
		if err != nil {
			if !isProtocolFault(err) {
				return nil, nil, fmt.Errorf("fetching %d in %s: %w", uid, f.ServerID, err)
			}
			x.log.Warn("skipping message that cannot be fetched", "folder", f.ServerID, "uid", uid, "error", err)
			if transport.IsStreamError(err) {
				x.conn.MarkBroken()
			}
			skipped = append(skipped, uid)
			continue
		}
		sums = append(sums, one...)
	}
	return sums, skipped, nil
}

// reopen reconnects a broken session and selects path again.
func (x *Exec) reopen(ctx context.Context, path string) error {
	if x.conn.State() == StateBroken {
		if err := x.ensureReady(ctx, x); err != nil {
			return err
		}
	}
	return x.ensureOpen(ctx, path, false)
}

func isProtocolFault(err error) bool {
	return transport.IsCommandError(err) || transport.IsParseError(err) || transport.IsStreamError(err)
}

// createMessage inserts a new message with its attachments, and the
// new-unread indication for the Inbox, in one transaction.
func (x *Exec) createMessage(ctx context.Context, f *model.Folder, sum *transport.Summary) (*model.EmailMessage, error) {
	m := messageFromSummary(x.account.ID, f.ID, sum)
	parts := enumerateParts(sum.Body, partContext{})
	m.Attachments = parts.Attachments

	var unread *model.Notification
	err := x.store.InTx(ctx, func(tx store.Store) error {
		conv, err := x.conversationID(ctx, tx, m, sum.ThreadID)
		if err != nil {
			return err
		}
		m.ConversationID = conv
		if err := tx.CreateMessage(ctx, m); err != nil {
			return err
		}
		if f.IsInbox() && !m.IsRead {
			n := model.Notification{
				ID:        uuid.NewString(),
				AccountID: x.account.ID,
				Kind:      model.NotifyNewUnread,
				FolderID:  f.ID,
				MessageID: m.ID,
				Message:   m.Subject,
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.CreateNotification(ctx, n); err != nil {
				return err
			}
			unread = &n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing message %d of %s: %w", sum.UID, f.ServerID, err)
	}
	if unread != nil {
		x.notifier.Notify(*unread)
	}
	return m, nil
}

// mergeFlags applies fetched flags to a cached message. An unresolved local
// mark-read or mark-unread wins over the server's \Seen.
func (x *Exec) mergeFlags(ctx context.Context, f *model.Folder, m *model.EmailMessage, sum *transport.Summary) (bool, error) {
	if !sum.HasFlags {
		return false, nil
	}
	next := *m
	next.IsRead = sum.HasFlag(transport.FlagSeen)
	next.IsFlagged = sum.HasFlag(transport.FlagFlagged)
	next.IsAnswered = sum.HasFlag(transport.FlagAnswered)
	next.IsDraft = sum.HasFlag(transport.FlagDraft)

	if next.IsRead != m.IsRead {
		p, err := x.store.ActiveReadPending(ctx, x.account.ID, f.ServerID, m.ServerID)
		switch {
		case err == nil:
			next.IsRead = p.Kind == model.PendingMarkRead
		case !store.IsNotFound(err):
			return false, err
		}
	}

	if next.IsRead == m.IsRead && next.IsFlagged == m.IsFlagged &&
		next.IsAnswered == m.IsAnswered && next.IsDraft == m.IsDraft {
		return false, nil
	}
	m.IsRead, m.IsFlagged, m.IsAnswered, m.IsDraft = next.IsRead, next.IsFlagged, next.IsAnswered, next.IsDraft
	if err := x.store.UpdateMessage(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

// fillDetails fetches a preview and the raw header block when the
// instruction asks for them and the message lacks them.
func (x *Exec) fillDetails(ctx context.Context, m *model.EmailMessage, sum *transport.Summary, inst model.SyncInstruction) (bool, error) {
	dirty := false
	if inst.GetPreviews && m.BodyPreview == "" {
		if part := enumerateParts(sum.Body, partContext{}).textBody(); part != nil {
			preview, err := x.fetchPreview(ctx, sum.UID, part)
			switch {
			case transport.IsCommandError(err) || transport.IsParseError(err):
				x.log.Warn("skipping preview", "uid", sum.UID, "error", err)
			case err != nil:
				return false, err
			case preview != "":
				m.BodyPreview = preview
				dirty = true
			}
		}
	}
	if inst.GetHeaders && m.Headers == "" {
		raw, err := x.sess().FetchSection(ctx, sum.UID, transport.Section{HeaderOnly: true})
		if err != nil {
			return false, fmt.Errorf("fetching headers of %d: %w", sum.UID, err)
		}
		if len(raw) > 0 {
			m.Headers = string(raw)
			dirty = true
		}
	}
	if !dirty {
		return false, nil
	}
	return true, x.store.UpdateMessage(ctx, m)
}

// messageFromSummary builds the cache row of a fetched message.
func messageFromSummary(accountID, folderID string, sum *transport.Summary) *model.EmailMessage {
	env := sum.Envelope
	m := &model.EmailMessage{
		AccountID:     accountID,
		FolderID:      folderID,
		ServerID:      model.FormatUid(sum.UID),
		Uid:           sum.UID,
		MessageID:     strings.Trim(env.MessageID, "<> "),
		InReplyTo:     strings.Join(env.InReplyTo, " "),
		From:          formatAddresses(env.From),
		To:            formatAddresses(env.To),
		Cc:            formatAddresses(env.Cc),
		ReplyTo:       formatAddresses(env.ReplyTo),
		Subject:       env.Subject,
		Date:          env.Date,
		IsRead:        sum.HasFlag(transport.FlagSeen),
		IsFlagged:     sum.HasFlag(transport.FlagFlagged),
		IsAnswered:    sum.HasFlag(transport.FlagAnswered),
		IsDraft:       sum.HasFlag(transport.FlagDraft),
		GmailThreadID: int64(sum.ThreadID),
	}

	if len(sum.Headers) > 0 {
		h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(sum.Headers)))
		if err == nil {
			m.References = strings.Join(strings.Fields(h.Get("References")), " ")
			m.Importance = importanceOf(h.Get("Importance"), h.Get("X-Priority"))
			m.IsChat = h.Has("Chat-Version")
		}
	}
	return m
}

func importanceOf(importance, priority string) model.Importance {
	switch strings.ToLower(strings.TrimSpace(importance)) {
	case "high":
		return model.ImportanceHigh
	case "low":
		return model.ImportanceLow
	}
	// X-Priority: 1 (Highest) ... 5 (Lowest), often followed by a label.
	if f := strings.Fields(priority); len(f) > 0 {
		if n, err := strconv.Atoi(f[0]); err == nil {
			switch {
			case n <= 2:
				return model.ImportanceHigh
			case n >= 4:
				return model.ImportanceLow
			}
		}
	}
	return model.ImportanceNormal
}

func formatAddresses(addrs []transport.Address) string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Addr == "" {
			continue
		}
		out = append(out, (&mail.Address{Name: a.Name, Address: a.Addr}).String())
	}
	return strings.Join(out, ", ")
}

// prune drops locally prunable messages and the kit's explicit deletions.
func (x *Exec) prune(ctx context.Context, f *model.Folder, ids []string) (bool, error) {
	prunable, err := x.store.ListPrunable(ctx, f.ID)
	if err != nil {
		return false, err
	}
	todo := make(map[string]bool, len(ids)+len(prunable))
	for _, id := range ids {
		todo[id] = true
	}
	for _, m := range prunable {
		todo[m.ID] = true
	}

	changed := false
	for id := range todo {
		err := x.store.DeleteMessage(ctx, id)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}
