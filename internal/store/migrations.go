package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_state (
	account_id          TEXT PRIMARY KEY,
	unauth_capabilities TEXT NOT NULL DEFAULT '[]',
	auth_capabilities   TEXT NOT NULL DEFAULT '[]',
	server_identity     TEXT NOT NULL DEFAULT '',
	has_synced_inbox    INTEGER NOT NULL DEFAULT 0,
	updated_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	server_id          TEXT NOT NULL,
	display_name       TEXT NOT NULL DEFAULT '',
	parent_id          TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL DEFAULT 'user',
	uid_validity       INTEGER NOT NULL DEFAULT 0,
	uid_next           INTEGER NOT NULL DEFAULT 0,
	uid_exists         INTEGER NOT NULL DEFAULT 0,
	uid_highest_synced INTEGER NOT NULL DEFAULT 0,
	uid_lowest_synced  INTEGER NOT NULL DEFAULT 0,
	last_uid_synced    INTEGER NOT NULL DEFAULT 0,
	uid_set            TEXT NOT NULL DEFAULT '',
	no_select          INTEGER NOT NULL DEFAULT 0,
	need_full_sync     INTEGER NOT NULL DEFAULT 0,
	is_client_owned    INTEGER NOT NULL DEFAULT 0,
	sync_attempt_count INTEGER NOT NULL DEFAULT 0,
	last_sync_attempt  DATETIME NOT NULL,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	UNIQUE (account_id, server_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	folder_id          TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	server_id          TEXT NOT NULL DEFAULT '',
	uid                INTEGER NOT NULL DEFAULT 0,
	message_id         TEXT NOT NULL DEFAULT '',
	in_reply_to        TEXT NOT NULL DEFAULT '',
	references_ids     TEXT NOT NULL DEFAULT '',
	from_addr          TEXT NOT NULL DEFAULT '',
	to_addrs           TEXT NOT NULL DEFAULT '',
	cc_addrs           TEXT NOT NULL DEFAULT '',
	reply_to           TEXT NOT NULL DEFAULT '',
	subject            TEXT NOT NULL DEFAULT '',
	date               DATETIME NOT NULL,
	importance         INTEGER NOT NULL DEFAULT 0,
	is_read            INTEGER NOT NULL DEFAULT 0,
	is_flagged         INTEGER NOT NULL DEFAULT 0,
	is_answered        INTEGER NOT NULL DEFAULT 0,
	is_draft           INTEGER NOT NULL DEFAULT 0,
	is_chat            INTEGER NOT NULL DEFAULT 0,
	conversation_id    TEXT NOT NULL DEFAULT '',
	gmail_thread_id    INTEGER NOT NULL DEFAULT 0,
	headers            TEXT NOT NULL DEFAULT '',
	body_preview       TEXT NOT NULL DEFAULT '',
	body               BLOB,
	is_awaiting_upload INTEGER NOT NULL DEFAULT 0,
	is_prunable        INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	part_path    TEXT NOT NULL DEFAULT '',
	file_name    TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	content_id   TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	is_inline    INTEGER NOT NULL DEFAULT 0,
	content      BLOB
);

CREATE TABLE IF NOT EXISTS pending_operations (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL,
	kind              TEXT NOT NULL,
	server_id         TEXT NOT NULL DEFAULT '',
	parent_id         TEXT NOT NULL DEFAULT '',
	dest_parent_id    TEXT NOT NULL DEFAULT '',
	search_query      TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT 'eligible',
	failure_reason    TEXT NOT NULL DEFAULT '',
	deferral_count    INTEGER NOT NULL DEFAULT 0,
	blocked_on_folder TEXT NOT NULL DEFAULT '',
	result            TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	folder_id   TEXT NOT NULL DEFAULT '',
	message_id  TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	read        INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_folder_server_id
	ON messages(folder_id, server_id) WHERE server_id != '';
CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder_id, uid);
CREATE INDEX IF NOT EXISTS idx_messages_account_message_id ON messages(account_id, message_id);
CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_pending_account_state ON pending_operations(account_id, state);
CREATE INDEX IF NOT EXISTS idx_notifications_read ON notifications(read);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_folders_account_type
	ON folders(account_id, type);

CREATE INDEX IF NOT EXISTS idx_pending_blocked
	ON pending_operations(account_id, blocked_on_folder);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
