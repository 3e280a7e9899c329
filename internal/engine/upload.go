package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jhillyerd/enmime/v2"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/transport"
)

// uploadMessages appends local messages to the folder and returns the UIDs
// the server assigned. Messages whose UID is not reported are dropped
// locally; the next pass fetches them as new.
func (x *Exec) uploadMessages(ctx context.Context, f *model.Folder, msgs []*model.EmailMessage) ([]uint32, bool, error) {
	var (
		uids    []uint32
		changed bool
	)
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return uids, changed, err
		}
		if !m.IsAwaitingUpload {
			continue
		}

		if len(m.Attachments) == 0 {
			atts, err := x.store.GetAttachments(ctx, m.ID)
			if err != nil {
				return uids, changed, err
			}
			m.Attachments = atts
		}
		raw, err := composeMessage(m, x.account.Email)
		if err != nil {
			x.log.Error("cannot compose local message, giving up upload", "message", m.ID, "error", err)
			if err := x.abandonUpload(ctx, f, m, err); err != nil {
				return uids, changed, err
			}
			continue
		}

		date := m.Date
		if date.IsZero() {
			date = time.Now()
		}
		res, err := x.sess().Append(ctx, f.ServerID, raw, messageFlags(m), date)
		if err != nil {
			return uids, changed, fmt.Errorf("appending to %s: %w", f.ServerID, err)
		}
		x.log.Info("uploaded message", "folder", f.ServerID, "uid", res.UID, "size", humanize.Bytes(uint64(len(raw))))
		changed = true

		if res.UID == 0 {
			if err := x.store.DeleteMessage(ctx, m.ID); err != nil {
				return uids, changed, err
			}
			continue
		}
		m.ServerID = model.FormatUid(res.UID)
		m.Uid = res.UID
		m.IsAwaitingUpload = false
		m.Body = nil
		if err := x.store.UpdateMessage(ctx, m); err != nil {
			return uids, changed, err
		}
		f.RecordSynced(res.UID)
		uids = append(uids, res.UID)
	}
	return uids, changed, nil
}

// abandonUpload stops retrying a local message that cannot be encoded and
// tells the user about it.
func (x *Exec) abandonUpload(ctx context.Context, f *model.Folder, m *model.EmailMessage, cause error) error {
	m.IsAwaitingUpload = false
	m.IsPrunable = true
	if err := x.store.UpdateMessage(ctx, m); err != nil {
		return err
	}
	x.notify(ctx, model.Notification{
		Kind:      model.NotifySyncError,
		FolderID:  f.ID,
		MessageID: m.ID,
		Message:   fmt.Sprintf("message %q could not be uploaded to %s: %v", m.Subject, f.ServerID, cause),
	})
	return nil
}

func messageFlags(m *model.EmailMessage) []string {
	var flags []string
	if m.IsRead {
		flags = append(flags, transport.FlagSeen)
	}
	if m.IsFlagged {
		flags = append(flags, transport.FlagFlagged)
	}
	if m.IsAnswered {
		flags = append(flags, transport.FlagAnswered)
	}
	if m.IsDraft {
		flags = append(flags, transport.FlagDraft)
	}
	return flags
}

// looksLikeMIME reports whether body already carries its own header block.
func looksLikeMIME(body []byte) bool {
	head, _, ok := bytes.Cut(body, []byte("\n\n"))
	if !ok {
		head, _, ok = bytes.Cut(body, []byte("\r\n\r\n"))
	}
	if !ok {
		return false
	}
	h := strings.ToLower(string(head))
	return strings.Contains(h, "content-type:") || strings.HasPrefix(h, "from:") || strings.Contains(h, "\nfrom:")
}

// composeMessage renders a local message as RFC 5322 bytes. Bodies that are
// complete messages already are sent as is.
func composeMessage(m *model.EmailMessage, fallbackFrom string) ([]byte, error) {
	if looksLikeMIME(m.Body) && len(m.Attachments) == 0 {
		return m.Body, nil
	}

	from := m.From
	if from == "" {
		from = fallbackFrom
	}
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parsing sender %q: %w", from, err)
	}

	subject := m.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	b := enmime.Builder().
		From(sender.Name, sender.Address).
		Subject(subject)
	if !m.Date.IsZero() {
		b = b.Date(m.Date)
	}

	to, err := parseAddressList(m.To)
	if err != nil {
		return nil, err
	}
	cc, err := parseAddressList(m.Cc)
	if err != nil {
		return nil, err
	}
	if len(to) > 0 {
		b = b.ToAddrs(to)
	}
	if len(cc) > 0 {
		b = b.CCAddrs(cc)
	}
	if len(to)+len(cc) == 0 {
		// Drafts may have no recipients yet; BCC satisfies the builder
		// without being written to the header.
		b = b.BCC(sender.Name, sender.Address)
	}
	if m.ReplyTo != "" {
		if rt, err := mail.ParseAddress(m.ReplyTo); err == nil {
			b = b.ReplyTo(rt.Name, rt.Address)
		}
	}
	if m.MessageID != "" {
		b = b.Header("Message-ID", "<"+m.MessageID+">")
	}
	if m.InReplyTo != "" {
		b = b.Header("In-Reply-To", angleIDs(m.InReplyTo))
	}
	if m.References != "" {
		b = b.Header("References", angleIDs(m.References))
	}

	if bytes.Contains(bytes.ToLower(m.Body), []byte("<html")) {
		b = b.HTML(m.Body)
	} else {
		b = b.Text(m.Body)
	}
	for _, a := range m.Attachments {
		if a.IsInline && a.ContentID != "" {
			b = b.AddInline(a.Content, a.ContentType, a.FileName, a.ContentID)
			continue
		}
		b = b.AddAttachment(a.Content, a.ContentType, a.FileName)
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("building message: %w", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return buf.Bytes(), nil
}

func parseAddressList(s string) ([]mail.Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, fmt.Errorf("parsing addresses %q: %w", s, err)
	}
	out := make([]mail.Address, len(list))
	for i, a := range list {
		out[i] = *a
	}
	return out, nil
}

func angleIDs(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		fields[i] = "<" + strings.Trim(f, "<>") + ">"
	}
	return strings.Join(fields, " ")
}
