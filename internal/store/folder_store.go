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

// CreateFolder inserts a new folder. Generates a UUID if ID is empty.
func (s *SQLiteStore) CreateFolder(ctx context.Context, f *model.Folder) error {
	if f.ServerID == "" {
		return fmt.Errorf("folder server id must not be empty")
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Type == "" {
		f.Type = model.FolderTypeUser
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	f.LastSyncAttempt = f.LastSyncAttempt.UTC()

	_, err := s.q.NamedExecContext(ctx, `
		INSERT INTO folders (
			id, account_id, server_id, display_name, parent_id, type,
			uid_validity, uid_next, uid_exists,
			uid_highest_synced, uid_lowest_synced, last_uid_synced, uid_set,
			no_select, need_full_sync, is_client_owned,
			sync_attempt_count, last_sync_attempt, created_at, updated_at
		) VALUES (
			:id, :account_id, :server_id, :display_name, :parent_id, :type,
			:uid_validity, :uid_next, :uid_exists,
			:uid_highest_synced, :uid_lowest_synced, :last_uid_synced, :uid_set,
			:no_select, :need_full_sync, :is_client_owned,
			:sync_attempt_count, :last_sync_attempt, :created_at, :updated_at
		)`,
		f,
	)
	if err != nil {
		return fmt.Errorf("creating folder %s: %w", f.ServerID, err)
	}
	return nil
}

// UpdateFolder writes every mutable column of an existing folder.
func (s *SQLiteStore) UpdateFolder(ctx context.Context, f *model.Folder) error {
	f.UpdatedAt = time.Now().UTC()
	f.LastSyncAttempt = f.LastSyncAttempt.UTC()

	result, err := s.q.NamedExecContext(ctx, `
		UPDATE folders SET
			server_id = :server_id, display_name = :display_name,
			parent_id = :parent_id, type = :type,
			uid_validity = :uid_validity, uid_next = :uid_next,
			uid_exists = :uid_exists,
			uid_highest_synced = :uid_highest_synced,
			uid_lowest_synced = :uid_lowest_synced,
			last_uid_synced = :last_uid_synced, uid_set = :uid_set,
			no_select = :no_select, need_full_sync = :need_full_sync,
			is_client_owned = :is_client_owned,
			sync_attempt_count = :sync_attempt_count,
			last_sync_attempt = :last_sync_attempt,
			updated_at = :updated_at
		WHERE id = :id`,
		f,
	)
	if err != nil {
		return fmt.Errorf("updating folder %s: %w", f.ID, err)
	}
	return checkAffected(result, "updating folder "+f.ID)
}

// DeleteFolder removes a folder; its messages and their attachments go
// with it through ON DELETE CASCADE.
func (s *SQLiteStore) DeleteFolder(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting folder %s: %w", id, err)
	}
	return checkAffected(result, "deleting folder "+id)
}

// GetFolderByID returns a folder by its local id.
func (s *SQLiteStore) GetFolderByID(ctx context.Context, id string) (*model.Folder, error) {
	return s.getFolder(ctx, "SELECT * FROM folders WHERE id = ?", id)
}

// GetFolderByServerID returns the folder with the given server path.
func (s *SQLiteStore) GetFolderByServerID(
	ctx context.Context,
	accountID, serverID string,
) (*model.Folder, error) {
	return s.getFolder(ctx,
		"SELECT * FROM folders WHERE account_id = ? AND server_id = ?",
		accountID, serverID)
}

// GetFolderByType returns the account's folder with a distinguished role.
func (s *SQLiteStore) GetFolderByType(
	ctx context.Context,
	accountID string,
	t model.FolderType,
) (*model.Folder, error) {
	if !t.IsDistinguished() {
		return nil, ErrNotFound
	}
	return s.getFolder(ctx,
		"SELECT * FROM folders WHERE account_id = ? AND type = ? ORDER BY created_at LIMIT 1",
		accountID, t)
}

// GetFolderByParentAndName returns the folder with the given parent path
// and display name.
func (s *SQLiteStore) GetFolderByParentAndName(
	ctx context.Context,
	accountID, parentID, name string,
) (*model.Folder, error) {
	return s.getFolder(ctx, `
		SELECT * FROM folders
		WHERE account_id = ? AND parent_id = ? AND display_name = ?
		ORDER BY created_at LIMIT 1`,
		accountID, parentID, name)
}

// ListFolders returns every folder of an account ordered by server path.
func (s *SQLiteStore) ListFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.q.SelectContext(ctx, &folders,
		"SELECT * FROM folders WHERE account_id = ? ORDER BY server_id", accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return folders, nil
}

func (s *SQLiteStore) getFolder(
	ctx context.Context,
	query string,
	args ...interface{},
) (*model.Folder, error) {
	var f model.Folder
	err := s.q.GetContext(ctx, &f, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder: %w", err)
	}
	return &f, nil
}
