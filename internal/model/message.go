package model

import "time"

// Importance mirrors the Importance / X-Priority headers.
type Importance int

const (
	ImportanceNormal Importance = 0
	ImportanceLow    Importance = 1
	ImportanceHigh   Importance = 2
)

// EmailMessage is a message cached in one folder of an account.
type EmailMessage struct {
	// ID is the internal unique identifier for this message.
	ID string `db:"id" json:"id"`

	// AccountID links the message to its owning account.
	AccountID string `db:"account_id" json:"account_id"`

	// FolderID links the message to the folder it was fetched from.
	FolderID string `db:"folder_id" json:"folder_id"`

	// ServerID is the UID in decimal. It is unique per account and folder.
	// It is empty for local messages not yet uploaded.
	ServerID string `db:"server_id" json:"server_id"`

	// Uid is the numeric form of ServerID.
	Uid uint32 `db:"uid" json:"uid"`

	// MessageID is the Message-ID header without angle brackets.
	MessageID string `db:"message_id" json:"message_id"`

	// InReplyTo holds the In-Reply-To message ids, space separated.
	InReplyTo string `db:"in_reply_to" json:"in_reply_to"`

	// References holds the References message ids, space separated.
	References string `db:"references_ids" json:"references"`

	From    string `db:"from_addr" json:"from"`
	To      string `db:"to_addrs" json:"to"`
	Cc      string `db:"cc_addrs" json:"cc"`
	ReplyTo string `db:"reply_to" json:"reply_to"`
	Subject string `db:"subject" json:"subject"`

	// Date is the envelope date of the message.
	Date time.Time `db:"date" json:"date"`

	Importance Importance `db:"importance" json:"importance"`

	IsRead     bool `db:"is_read" json:"is_read"`
	IsFlagged  bool `db:"is_flagged" json:"is_flagged"`
	IsAnswered bool `db:"is_answered" json:"is_answered"`
	IsDraft    bool `db:"is_draft" json:"is_draft"`

	// IsChat marks messages produced by a chat-over-email client.
	IsChat bool `db:"is_chat" json:"is_chat"`

	// ConversationID groups messages of one thread. Once assigned it is
	// never recomputed.
	ConversationID string `db:"conversation_id" json:"conversation_id"`

	// GmailThreadID is the server-native thread id, when the server has one.
	GmailThreadID int64 `db:"gmail_thread_id" json:"gmail_thread_id"`

	// Headers is the raw header block, fetched on demand.
	Headers string `db:"headers" json:"headers"`

	// BodyPreview is a short plain-text excerpt of the body.
	BodyPreview string `db:"body_preview" json:"body_preview"`

	// Body is the local MIME or plain-text body of a message that has not
	// been uploaded yet.
	Body []byte `db:"body" json:"-"`

	// IsAwaitingUpload marks local messages the next pass must append.
	IsAwaitingUpload bool `db:"is_awaiting_upload" json:"is_awaiting_upload"`

	// IsPrunable marks messages to drop from the cache regardless of server state.
	IsPrunable bool `db:"is_prunable" json:"is_prunable"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	// Attachments are loaded and stored alongside the message.
	Attachments []Attachment `db:"-" json:"attachments,omitempty"`
}

// Attachment describes one attached or inline body part.
type Attachment struct {
	ID        string `db:"id" json:"id"`
	MessageID string `db:"message_id" json:"message_id"`

	// PartPath is the IMAP section path of the part, e.g. "2" or "1.3".
	PartPath string `db:"part_path" json:"part_path"`

	FileName    string `db:"file_name" json:"file_name"`
	ContentType string `db:"content_type" json:"content_type"`
	ContentID   string `db:"content_id" json:"content_id"`
	Size        int64  `db:"size" json:"size"`

	// IsInline marks parts referenced from an HTML body by Content-ID.
	IsInline bool `db:"is_inline" json:"is_inline"`

	// Content is only populated for local attachments awaiting upload.
	Content []byte `db:"content" json:"-"`
}
