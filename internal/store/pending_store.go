package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/imapsync/internal/model"
)

// CreatePending inserts a new Eligible pending operation. Generates a UUID
// if ID is empty.
func (s *SQLiteStore) CreatePending(ctx context.Context, p *model.PendingOperation) error {
	if p.Kind == "" {
		return fmt.Errorf("pending operation kind must not be empty")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.State = model.PendingEligible

	_, err := s.q.NamedExecContext(ctx, `
		INSERT INTO pending_operations (
			id, account_id, kind, server_id, parent_id, dest_parent_id,
			search_query, state, failure_reason, deferral_count,
			blocked_on_folder, result, created_at, updated_at
		) VALUES (
			:id, :account_id, :kind, :server_id, :parent_id, :dest_parent_id,
			:search_query, :state, :failure_reason, :deferral_count,
			:blocked_on_folder, :result, :created_at, :updated_at
		)`,
		p,
	)
	if err != nil {
		return fmt.Errorf("creating pending operation: %w", err)
	}
	return nil
}

// GetPending returns a pending operation by id.
func (s *SQLiteStore) GetPending(ctx context.Context, id string) (*model.PendingOperation, error) {
	var p model.PendingOperation
	err := s.q.GetContext(ctx, &p, "SELECT * FROM pending_operations WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting pending operation %s: %w", id, err)
	}
	return &p, nil
}

// ListEligiblePendings returns unblocked Eligible operations, oldest first.
func (s *SQLiteStore) ListEligiblePendings(
	ctx context.Context,
	accountID string,
) ([]model.PendingOperation, error) {
	var ops []model.PendingOperation
	err := s.q.SelectContext(ctx, &ops, `
		SELECT * FROM pending_operations
		WHERE account_id = ? AND state = ? AND blocked_on_folder = ''
		ORDER BY created_at, id`,
		accountID, model.PendingEligible)
	if err != nil {
		return nil, fmt.Errorf("listing eligible pending operations: %w", err)
	}
	return ops, nil
}

// DispatchPending takes ownership of an Eligible operation.
func (s *SQLiteStore) DispatchPending(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE pending_operations SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.PendingDispatched, time.Now().UTC(), id, model.PendingEligible)
	if err != nil {
		return fmt.Errorf("dispatching pending operation %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("dispatching pending operation %s: %w", id, ErrNotEligible)
	}
	return nil
}

// ResolvePending moves a Dispatched operation into a terminal state. The
// update is conditional on the Dispatched state so a second resolution
// never applies.
func (s *SQLiteStore) ResolvePending(
	ctx context.Context,
	id string,
	state model.PendingState,
	reason model.FailureReason,
	result string,
) error {
	if !state.IsTerminal() {
		return fmt.Errorf("resolving pending operation %s: %s is not terminal", id, state)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE pending_operations
		SET state = ?, failure_reason = ?, result = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		state, reason, result, time.Now().UTC(), id, model.PendingDispatched)
	if err != nil {
		return fmt.Errorf("resolving pending operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolving pending operation %s: %w", id, ErrAlreadyResolved)
	}
	return nil
}

// DeferPending returns a Dispatched operation to Eligible and counts the deferral.
func (s *SQLiteStore) DeferPending(
	ctx context.Context,
	id string,
	reason model.FailureReason,
) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pending_operations
		SET state = ?, failure_reason = ?, deferral_count = deferral_count + 1,
			updated_at = ?
		WHERE id = ? AND state = ?`,
		model.PendingEligible, reason, time.Now().UTC(), id, model.PendingDispatched)
	if err != nil {
		return fmt.Errorf("deferring pending operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deferring pending operation %s: %w", id, ErrAlreadyResolved)
	}
	return nil
}

// BlockPending returns a Dispatched operation to Eligible, parked until the
// given folder's metadata is refreshed.
func (s *SQLiteStore) BlockPending(ctx context.Context, id, folderServerID string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pending_operations SET state = ?, blocked_on_folder = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.PendingEligible, folderServerID, time.Now().UTC(), id, model.PendingDispatched)
	if err != nil {
		return fmt.Errorf("blocking pending operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("blocking pending operation %s: %w", id, ErrAlreadyResolved)
	}
	return nil
}

// ReleaseDispatched returns every Dispatched operation of the account to
// Eligible. Only the account's single worker dispatches, so at its start
// any Dispatched row was orphaned by an earlier run.
func (s *SQLiteStore) ReleaseDispatched(ctx context.Context, accountID string) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pending_operations SET state = ?, updated_at = ?
		WHERE account_id = ? AND state = ?`,
		model.PendingEligible, time.Now().UTC(), accountID, model.PendingDispatched)
	if err != nil {
		return 0, fmt.Errorf("releasing dispatched operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// UnblockPendings releases every operation of the account waiting on the folder.
func (s *SQLiteStore) UnblockPendings(
	ctx context.Context,
	accountID, folderServerID string,
) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pending_operations SET blocked_on_folder = '', updated_at = ?
		WHERE account_id = ? AND blocked_on_folder = ?`,
		time.Now().UTC(), accountID, folderServerID)
	if err != nil {
		return 0, fmt.Errorf("unblocking pending operations on %s: %w", folderServerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// ActiveReadPending returns the newest non-terminal mark-read or
// mark-unread operation targeting a message.
func (s *SQLiteStore) ActiveReadPending(
	ctx context.Context,
	accountID, folderServerID, serverID string,
) (*model.PendingOperation, error) {
	var p model.PendingOperation
	err := s.q.GetContext(ctx, &p, `
		SELECT * FROM pending_operations
		WHERE account_id = ? AND parent_id = ? AND server_id = ?
			AND kind IN (?, ?) AND state IN (?, ?)
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		accountID, folderServerID, serverID,
		model.PendingMarkRead, model.PendingMarkUnread,
		model.PendingEligible, model.PendingDispatched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding read pending for %s/%s: %w", folderServerID, serverID, err)
	}
	return &p, nil
}
