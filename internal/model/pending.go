package model

import (
	"encoding/json"
	"time"
)

// PendingKind is the kind of local mutation a pending operation carries.
type PendingKind string

const (
	PendingDelete     PendingKind = "delete"
	PendingMove       PendingKind = "move"
	PendingMarkRead   PendingKind = "mark_read"
	PendingMarkUnread PendingKind = "mark_unread"
	PendingSearch     PendingKind = "search"
	PendingSync       PendingKind = "sync"
)

// PendingState is the lifecycle state of a pending operation.
//
// Eligible -> Dispatched -> {Succeeded, Failed}. A deferred operation goes
// back from Dispatched to Eligible.
type PendingState string

const (
	PendingEligible   PendingState = "eligible"
	PendingDispatched PendingState = "dispatched"
	PendingSucceeded  PendingState = "succeeded"
	PendingFailed     PendingState = "failed"
)

// IsTerminal reports whether s is a resolved state.
func (s PendingState) IsTerminal() bool {
	return s == PendingSucceeded || s == PendingFailed
}

// FailureReason records why a pending operation was failed or deferred.
type FailureReason string

const (
	ReasonNone          FailureReason = ""
	ReasonAccessDenied  FailureReason = "access_denied"
	ReasonProtocolError FailureReason = "protocol_error"
	ReasonUnknown       FailureReason = "unknown"
	ReasonConflict      FailureReason = "conflict"
	ReasonUnsupported   FailureReason = "unsupported"
	ReasonNotFound      FailureReason = "not_found"
	ReasonTransient     FailureReason = "transient"
	ReasonCancelled     FailureReason = "cancelled"
)

// PendingOperation is a durable outbox entry for a local mutation that the
// server has not confirmed yet.
type PendingOperation struct {
	// ID is the unique identifier of the operation.
	ID string `db:"id" json:"id"`

	// AccountID links the operation to its account.
	AccountID string `db:"account_id" json:"account_id"`

	// Kind is the mutation to perform.
	Kind PendingKind `db:"kind" json:"kind"`

	// ServerID identifies the target message within ParentID (its UID).
	ServerID string `db:"server_id" json:"server_id"`

	// ParentID is the server path of the source folder.
	ParentID string `db:"parent_id" json:"parent_id"`

	// DestParentID is the server path of the destination folder for moves.
	DestParentID string `db:"dest_parent_id" json:"dest_parent_id"`

	// SearchQuery is the text to look for, for search operations.
	SearchQuery string `db:"search_query" json:"search_query"`

	// State is the lifecycle state.
	State PendingState `db:"state" json:"state"`

	// FailureReason is set when the operation was failed or last deferred.
	FailureReason FailureReason `db:"failure_reason" json:"failure_reason"`

	// DeferralCount counts how many times the operation went back to Eligible.
	DeferralCount int `db:"deferral_count" json:"deferral_count"`

	// BlockedOnFolder is the server path whose fresh metadata the operation
	// waits for. Blocked operations are not picked up until a refresh.
	BlockedOnFolder string `db:"blocked_on_folder" json:"blocked_on_folder"`

	// Result holds the JSON-encoded outcome, e.g. search hits.
	Result string `db:"result" json:"result"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SearchResult is the outcome stored on a resolved search operation.
type SearchResult struct {
	// MessageIDs are local message ids, most recent first.
	MessageIDs []string `json:"message_ids"`
}

// DecodeSearchResult parses the Result of a resolved search operation.
func (p *PendingOperation) DecodeSearchResult() (*SearchResult, error) {
	var res SearchResult
	if p.Result == "" {
		return &res, nil
	}
	if err := json.Unmarshal([]byte(p.Result), &res); err != nil {
		return nil, err
	}
	return &res, nil
}
