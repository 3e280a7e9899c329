package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/imapsync/internal/model"
)

// CreateMessage inserts a message and its attachments. Generates UUIDs for
// any empty ids. Callers wanting atomicity with other writes run it in InTx.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *model.EmailMessage) error {
	if m.FolderID == "" {
		return fmt.Errorf("message folder id must not be empty")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Date = m.Date.UTC()

	_, err := s.q.NamedExecContext(ctx, `
		INSERT INTO messages (
			id, account_id, folder_id, server_id, uid,
			message_id, in_reply_to, references_ids,
			from_addr, to_addrs, cc_addrs, reply_to, subject, date,
			importance, is_read, is_flagged, is_answered, is_draft, is_chat,
			conversation_id, gmail_thread_id, headers, body_preview, body,
			is_awaiting_upload, is_prunable, created_at, updated_at
		) VALUES (
			:id, :account_id, :folder_id, :server_id, :uid,
			:message_id, :in_reply_to, :references_ids,
			:from_addr, :to_addrs, :cc_addrs, :reply_to, :subject, :date,
			:importance, :is_read, :is_flagged, :is_answered, :is_draft, :is_chat,
			:conversation_id, :gmail_thread_id, :headers, :body_preview, :body,
			:is_awaiting_upload, :is_prunable, :created_at, :updated_at
		)`,
		m,
	)
	if err != nil {
		return fmt.Errorf("creating message %s: %w", m.ID, err)
	}

	for i := range m.Attachments {
		a := &m.Attachments[i]
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.MessageID = m.ID
		_, err := s.q.NamedExecContext(ctx, `
			INSERT INTO attachments (
				id, message_id, part_path, file_name, content_type,
				content_id, size, is_inline, content
			) VALUES (
				:id, :message_id, :part_path, :file_name, :content_type,
				:content_id, :size, :is_inline, :content
			)`,
			a,
		)
		if err != nil {
			return fmt.Errorf("creating attachment %s of message %s: %w", a.PartPath, m.ID, err)
		}
	}

	return nil
}

// UpdateMessage writes every mutable column of an existing message.
// Attachments are left untouched.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, m *model.EmailMessage) error {
	m.UpdatedAt = time.Now().UTC()
	m.Date = m.Date.UTC()

	result, err := s.q.NamedExecContext(ctx, `
		UPDATE messages SET
			folder_id = :folder_id, server_id = :server_id, uid = :uid,
			message_id = :message_id, in_reply_to = :in_reply_to,
			references_ids = :references_ids,
			from_addr = :from_addr, to_addrs = :to_addrs, cc_addrs = :cc_addrs,
			reply_to = :reply_to, subject = :subject, date = :date,
			importance = :importance, is_read = :is_read,
			is_flagged = :is_flagged, is_answered = :is_answered,
			is_draft = :is_draft, is_chat = :is_chat,
			conversation_id = :conversation_id,
			gmail_thread_id = :gmail_thread_id, headers = :headers,
			body_preview = :body_preview, body = :body,
			is_awaiting_upload = :is_awaiting_upload,
			is_prunable = :is_prunable, updated_at = :updated_at
		WHERE id = :id`,
		m,
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", m.ID, err)
	}
	return checkAffected(result, "updating message "+m.ID)
}

// DeleteMessage removes a message and its attachments.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	return checkAffected(result, "deleting message "+id)
}

// DeleteMessagesByUids removes the messages with the given UIDs from a folder.
func (s *SQLiteStore) DeleteMessagesByUids(
	ctx context.Context,
	folderID string,
	uids []uint32,
) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		"DELETE FROM messages WHERE folder_id = ? AND uid IN (?)", folderID, uids)
	if err != nil {
		return 0, fmt.Errorf("building delete query: %w", err)
	}
	result, err := s.q.ExecContext(ctx, s.q.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting messages from folder %s: %w", folderID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// GetMessageByID returns a message with its attachments.
func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*model.EmailMessage, error) {
	return s.getMessage(ctx, "SELECT * FROM messages WHERE id = ?", id)
}

// GetMessageByServerID returns the message with the given server id in a folder.
func (s *SQLiteStore) GetMessageByServerID(
	ctx context.Context,
	folderID, serverID string,
) (*model.EmailMessage, error) {
	return s.getMessage(ctx,
		"SELECT * FROM messages WHERE folder_id = ? AND server_id = ?",
		folderID, serverID)
}

// GetMessagesByUids returns the folder's messages with the given UIDs,
// without attachments.
func (s *SQLiteStore) GetMessagesByUids(
	ctx context.Context,
	folderID string,
	uids []uint32,
) ([]model.EmailMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		"SELECT * FROM messages WHERE folder_id = ? AND uid IN (?) ORDER BY uid", folderID, uids)
	if err != nil {
		return nil, fmt.Errorf("building message query: %w", err)
	}
	var msgs []model.EmailMessage
	if err := s.q.SelectContext(ctx, &msgs, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying messages by uid: %w", err)
	}
	return msgs, nil
}

// FindConversationID returns the conversation id of the first known message
// whose Message-ID is among messageIDs.
func (s *SQLiteStore) FindConversationID(
	ctx context.Context,
	accountID string,
	messageIDs []string,
) (string, error) {
	if len(messageIDs) == 0 {
		return "", nil
	}
	query, args, err := sqlx.In(`
		SELECT conversation_id FROM messages
		WHERE account_id = ? AND message_id IN (?) AND conversation_id != ''
		ORDER BY created_at LIMIT 1`,
		accountID, messageIDs)
	if err != nil {
		return "", fmt.Errorf("building conversation query: %w", err)
	}
	var id string
	err = s.q.GetContext(ctx, &id, s.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("finding conversation id: %w", err)
	}
	return id, nil
}

// ListMessageUids returns the UIDs of a folder's server-known messages, ascending.
func (s *SQLiteStore) ListMessageUids(ctx context.Context, folderID string) ([]uint32, error) {
	var uids []uint32
	err := s.q.SelectContext(ctx, &uids,
		"SELECT uid FROM messages WHERE folder_id = ? AND uid > 0 ORDER BY uid", folderID)
	if err != nil {
		return nil, fmt.Errorf("listing uids of folder %s: %w", folderID, err)
	}
	return uids, nil
}

// ListAwaitingUpload returns the folder's local messages not yet appended,
// with their attachments.
func (s *SQLiteStore) ListAwaitingUpload(
	ctx context.Context,
	folderID string,
) ([]model.EmailMessage, error) {
	var msgs []model.EmailMessage
	err := s.q.SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		WHERE folder_id = ? AND is_awaiting_upload = 1
		ORDER BY created_at`,
		folderID)
	if err != nil {
		return nil, fmt.Errorf("listing messages awaiting upload: %w", err)
	}
	for i := range msgs {
		atts, err := s.GetAttachments(ctx, msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].Attachments = atts
	}
	return msgs, nil
}

// ListPrunable returns the folder's messages marked prunable.
func (s *SQLiteStore) ListPrunable(ctx context.Context, folderID string) ([]model.EmailMessage, error) {
	var msgs []model.EmailMessage
	err := s.q.SelectContext(ctx, &msgs,
		"SELECT * FROM messages WHERE folder_id = ? AND is_prunable = 1", folderID)
	if err != nil {
		return nil, fmt.Errorf("listing prunable messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of cached messages in a folder.
func (s *SQLiteStore) CountMessages(ctx context.Context, folderID string) (int, error) {
	var n int
	err := s.q.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages WHERE folder_id = ?", folderID)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// GetAttachments returns the attachments of a message ordered by part path.
func (s *SQLiteStore) GetAttachments(ctx context.Context, messageID string) ([]model.Attachment, error) {
	var atts []model.Attachment
	err := s.q.SelectContext(ctx, &atts,
		"SELECT * FROM attachments WHERE message_id = ? ORDER BY part_path", messageID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments of %s: %w", messageID, err)
	}
	return atts, nil
}

func (s *SQLiteStore) getMessage(
	ctx context.Context,
	query string,
	args ...interface{},
) (*model.EmailMessage, error) {
	var m model.EmailMessage
	err := s.q.GetContext(ctx, &m, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	atts, err := s.GetAttachments(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Attachments = atts
	return &m, nil
}
