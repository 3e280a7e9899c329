package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/imapsync/internal/model"
)

// queryer is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
	q  queryer
	tx *sqlx.Tx
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One connection serializes writers and keeps pragmas and in-memory
	// databases bound to a single handle.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys so folder deletes cascade to messages.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, q: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// InTx runs fn in a single transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, q: tx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetAccountState returns the persisted state of an account.
func (s *SQLiteStore) GetAccountState(
	ctx context.Context,
	accountID string,
) (*model.AccountState, error) {
	var st model.AccountState
	err := s.q.GetContext(ctx, &st,
		"SELECT * FROM account_state WHERE account_id = ?", accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account state %s: %w", accountID, err)
	}
	return &st, nil
}

// UpsertAccountState inserts or replaces the state of an account.
func (s *SQLiteStore) UpsertAccountState(
	ctx context.Context,
	st model.AccountState,
) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.q.NamedExecContext(ctx, `
		INSERT INTO account_state (
			account_id, unauth_capabilities, auth_capabilities,
			server_identity, has_synced_inbox, updated_at
		) VALUES (
			:account_id, :unauth_capabilities, :auth_capabilities,
			:server_identity, :has_synced_inbox, :updated_at
		)
		ON CONFLICT(account_id) DO UPDATE SET
			unauth_capabilities = excluded.unauth_capabilities,
			auth_capabilities = excluded.auth_capabilities,
			server_identity = excluded.server_identity,
			has_synced_inbox = MAX(has_synced_inbox, excluded.has_synced_inbox),
			updated_at = excluded.updated_at`,
		st,
	)
	if err != nil {
		return fmt.Errorf("upserting account state %s: %w", st.AccountID, err)
	}
	return nil
}

// CreateNotification inserts a new notification record.
func (s *SQLiteStore) CreateNotification(
	ctx context.Context,
	n model.Notification,
) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = n.CreatedAt.UTC()

	_, err := s.q.NamedExecContext(ctx, `
		INSERT INTO notifications (
			id, account_id, kind, folder_id, message_id, message, read, created_at
		) VALUES (
			:id, :account_id, :kind, :folder_id, :message_id, :message, :read, :created_at
		)`,
		n,
	)
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}

	return nil
}

// GetUnreadNotifications retrieves the account's notifications that have
// not been read, ordered by creation time descending.
func (s *SQLiteStore) GetUnreadNotifications(
	ctx context.Context,
	accountID string,
) ([]model.Notification, error) {
	var notifications []model.Notification
	err := s.q.SelectContext(ctx, &notifications, `
		SELECT * FROM notifications
		WHERE account_id = ? AND read = 0
		ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying unread notifications: %w", err)
	}
	return notifications, nil
}

// MarkNotificationRead marks a single notification as read.
func (s *SQLiteStore) MarkNotificationRead(
	ctx context.Context,
	id string,
) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE id = ?", id,
	)
	if err != nil {
		return fmt.Errorf("marking notification %s as read: %w", id, err)
	}
	return nil
}

// checkAffected maps a zero-row update to ErrNotFound.
func checkAffected(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected for %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
