package model

import "time"

// FolderType identifies a distinguished mailbox role.
type FolderType string

const (
	FolderTypeInbox   FolderType = "inbox"
	FolderTypeDrafts  FolderType = "drafts"
	FolderTypeSent    FolderType = "sent"
	FolderTypeTrash   FolderType = "trash"
	FolderTypeJunk    FolderType = "junk"
	FolderTypeArchive FolderType = "archive"
	FolderTypeAll     FolderType = "all"
	FolderTypeUser    FolderType = "user"
)

// IsDistinguished reports whether t is a role other than a plain user folder.
func (t FolderType) IsDistinguished() bool {
	return t != "" && t != FolderTypeUser
}

// Folder is the local record of a server mailbox.
type Folder struct {
	// ID is the internal unique identifier for this folder.
	ID string `db:"id" json:"id"`

	// AccountID links the folder to its owning account.
	AccountID string `db:"account_id" json:"account_id"`

	// ServerID is the full server path of the mailbox. It is the identity
	// key of a folder within an account.
	ServerID string `db:"server_id" json:"server_id"`

	// DisplayName is the last path component.
	DisplayName string `db:"display_name" json:"display_name"`

	// ParentID is the server path of the parent mailbox, empty at the root.
	ParentID string `db:"parent_id" json:"parent_id"`

	// Type is the distinguished role of the folder, if any.
	Type FolderType `db:"type" json:"type"`

	// UidValidity is the IMAP epoch the cached UIDs belong to.
	UidValidity uint32 `db:"uid_validity" json:"uid_validity"`

	// UidNext is the server's predicted next UID at the last refresh.
	UidNext uint32 `db:"uid_next" json:"uid_next"`

	// UidExists is the number of messages the server reported at the last refresh.
	UidExists uint32 `db:"uid_exists" json:"uid_exists"`

	// UidHighestSynced is the highest UID ever fetched into the cache.
	// It never decreases.
	UidHighestSynced uint32 `db:"uid_highest_synced" json:"uid_highest_synced"`

	// UidLowestSynced is the lowest UID ever fetched into the cache.
	// Once set, it never increases.
	UidLowestSynced uint32 `db:"uid_lowest_synced" json:"uid_lowest_synced"`

	// LastUidSynced is the highest UID processed by the most recent pass.
	LastUidSynced uint32 `db:"last_uid_synced" json:"last_uid_synced"`

	// UidSet is the authoritative set of non-deleted UIDs from the last
	// metadata refresh, in IMAP sequence-set notation.
	UidSet string `db:"uid_set" json:"uid_set"`

	// NoSelect is set for mailboxes that cannot be opened.
	NoSelect bool `db:"no_select" json:"no_select"`

	// NeedFullSync is sticky: it is set whenever the server's counts move
	// and only a completed full sync clears it.
	NeedFullSync bool `db:"need_full_sync" json:"need_full_sync"`

	// IsClientOwned marks folders that exist only locally.
	IsClientOwned bool `db:"is_client_owned" json:"is_client_owned"`

	// SyncAttemptCount counts sync passes over this folder.
	SyncAttemptCount int `db:"sync_attempt_count" json:"sync_attempt_count"`

	// LastSyncAttempt is when the most recent pass finished.
	LastSyncAttempt time.Time `db:"last_sync_attempt" json:"last_sync_attempt"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsInbox reports whether the folder is the distinguished Inbox.
func (f *Folder) IsInbox() bool {
	return f.Type == FolderTypeInbox
}

// HasMetadata reports whether the folder's UID set and counters were ever
// loaded from the server.
func (f *Folder) HasMetadata() bool {
	return f.UidNext != 0
}

// Uids returns the folder's authoritative UID set as a sorted slice.
func (f *Folder) Uids() []uint32 {
	set, err := ParseUidSet(f.UidSet)
	if err != nil {
		return nil
	}
	return set
}

// RecordSynced folds uid into the folder's watermarks.
func (f *Folder) RecordSynced(uid uint32) {
	if uid == 0 {
		return
	}
	if uid > f.UidHighestSynced {
		f.UidHighestSynced = uid
	}
	if f.UidLowestSynced == 0 || uid < f.UidLowestSynced {
		f.UidLowestSynced = uid
	}
	if uid > f.LastUidSynced {
		f.LastUidSynced = uid
	}
}
