package model

import "time"

// NotificationKind is the kind of status indication.
type NotificationKind string

const (
	// NotifyMessageSetChanged reports created, updated or deleted messages
	// in a folder.
	NotifyMessageSetChanged NotificationKind = "message_set_changed"

	// NotifyNewUnread reports a newly created unread message in the Inbox.
	NotifyNewUnread NotificationKind = "new_unread"

	// NotifySyncError reports a permanent failure surfaced to the user.
	NotifySyncError NotificationKind = "sync_error"
)

// Notification is a status indication raised by the sync engine.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `db:"id" json:"id"`

	// AccountID is the account the indication belongs to.
	AccountID string `db:"account_id" json:"account_id"`

	// Kind identifies what happened.
	Kind NotificationKind `db:"kind" json:"kind"`

	// FolderID is set for folder-scoped indications.
	FolderID string `db:"folder_id" json:"folder_id"`

	// MessageID is set for message-scoped indications.
	MessageID string `db:"message_id" json:"message_id"`

	// Message is the human-readable text.
	Message string `db:"message" json:"message"`

	// Read indicates whether a consumer acknowledged it.
	Read bool `db:"read" json:"read"`

	// CreatedAt is when this notification was generated.
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
