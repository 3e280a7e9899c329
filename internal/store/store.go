package store

import (
	"context"
	"errors"

	"github.com/nhle/imapsync/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved is returned when a pending operation is resolved or
	// deferred after it already left the Dispatched state.
	ErrAlreadyResolved = errors.New("pending operation already resolved")

	// ErrNotEligible is returned when dispatching an operation that is not
	// Eligible.
	ErrNotEligible = errors.New("pending operation not eligible")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store defines the persistence interface for the mailbox cache: account
// state, folders, messages with their attachments, pending operations and
// notifications.
type Store interface {
	// === Account state ===

	GetAccountState(ctx context.Context, accountID string) (*model.AccountState, error)
	UpsertAccountState(ctx context.Context, st model.AccountState) error

	// === Folders ===

	CreateFolder(ctx context.Context, f *model.Folder) error
	UpdateFolder(ctx context.Context, f *model.Folder) error
	// DeleteFolder removes the folder and, by cascade, every cached message
	// linked to it.
	DeleteFolder(ctx context.Context, id string) error
	GetFolderByID(ctx context.Context, id string) (*model.Folder, error)
	GetFolderByServerID(ctx context.Context, accountID, serverID string) (*model.Folder, error)
	GetFolderByType(ctx context.Context, accountID string, t model.FolderType) (*model.Folder, error)
	GetFolderByParentAndName(ctx context.Context, accountID, parentID, name string) (*model.Folder, error)
	ListFolders(ctx context.Context, accountID string) ([]model.Folder, error)

	// === Messages ===

	// CreateMessage inserts the message and its attachments.
	CreateMessage(ctx context.Context, m *model.EmailMessage) error
	UpdateMessage(ctx context.Context, m *model.EmailMessage) error
	DeleteMessage(ctx context.Context, id string) error
	// DeleteMessagesByUids removes the cached messages with the given UIDs
	// from a folder and returns how many rows went away.
	DeleteMessagesByUids(ctx context.Context, folderID string, uids []uint32) (int, error)
	GetMessageByID(ctx context.Context, id string) (*model.EmailMessage, error)
	GetMessageByServerID(ctx context.Context, folderID, serverID string) (*model.EmailMessage, error)
	GetMessagesByUids(ctx context.Context, folderID string, uids []uint32) ([]model.EmailMessage, error)
	// FindConversationID returns the conversation id of any known message
	// of the account whose Message-ID is in messageIDs, or "".
	FindConversationID(ctx context.Context, accountID string, messageIDs []string) (string, error)
	ListMessageUids(ctx context.Context, folderID string) ([]uint32, error)
	ListAwaitingUpload(ctx context.Context, folderID string) ([]model.EmailMessage, error)
	ListPrunable(ctx context.Context, folderID string) ([]model.EmailMessage, error)
	CountMessages(ctx context.Context, folderID string) (int, error)
	GetAttachments(ctx context.Context, messageID string) ([]model.Attachment, error)

	// === Pending operations ===

	CreatePending(ctx context.Context, p *model.PendingOperation) error
	GetPending(ctx context.Context, id string) (*model.PendingOperation, error)
	// ListEligiblePendings returns the account's Eligible operations that are
	// not blocked on folder metadata, oldest first.
	ListEligiblePendings(ctx context.Context, accountID string) ([]model.PendingOperation, error)
	// DispatchPending moves an operation from Eligible to Dispatched. It
	// returns ErrNotEligible if the operation was not Eligible.
	DispatchPending(ctx context.Context, id string) error
	// ResolvePending moves a Dispatched operation to a terminal state. It
	// returns ErrAlreadyResolved if the operation was not Dispatched.
	ResolvePending(ctx context.Context, id string, state model.PendingState, reason model.FailureReason, result string) error
	// DeferPending moves a Dispatched operation back to Eligible. It returns
	// ErrAlreadyResolved if the operation was not Dispatched.
	DeferPending(ctx context.Context, id string, reason model.FailureReason) error
	// BlockPending moves a Dispatched operation back to Eligible, hidden from
	// ListEligiblePendings until UnblockPendings runs for the folder.
	BlockPending(ctx context.Context, id, folderServerID string) error
	ReleaseDispatched(ctx context.Context, accountID string) (int, error)
	UnblockPendings(ctx context.Context, accountID, folderServerID string) (int, error)
	// ActiveReadPending returns the newest unresolved mark-read or
	// mark-unread operation on a message, or ErrNotFound.
	ActiveReadPending(ctx context.Context, accountID, folderServerID, serverID string) (*model.PendingOperation, error)

	// === Notifications ===

	CreateNotification(ctx context.Context, n model.Notification) error
	GetUnreadNotifications(ctx context.Context, accountID string) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error

	// InTx runs fn against a Store bound to a single transaction. The
	// transaction commits if fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Store) error) error
}
