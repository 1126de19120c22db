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

CREATE TABLE IF NOT EXISTS state_meta (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	last_fetched DATETIME,
	filter       TEXT NOT NULL DEFAULT 'all',
	seq          INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO state_meta (id, filter, seq) VALUES (1, 'all', 0);

CREATE TABLE IF NOT EXISTS notifications (
	id              TEXT PRIMARY KEY,
	partition       TEXT NOT NULL CHECK (partition IN ('active', 'snoozed', 'archived')),
	title           TEXT NOT NULL,
	subject_type    TEXT NOT NULL,
	repo_id         INTEGER NOT NULL DEFAULT 0,
	repo_full_name  TEXT NOT NULL DEFAULT '',
	repo_owner      TEXT NOT NULL DEFAULT '',
	repo_avatar_url TEXT NOT NULL DEFAULT '',
	repo_html_url   TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL,
	unread          INTEGER NOT NULL DEFAULT 0,
	updated_at      DATETIME NOT NULL,
	last_read_at    DATETIME,
	api_url         TEXT NOT NULL DEFAULT '',
	html_url        TEXT NOT NULL DEFAULT '',
	snoozed_at      DATETIME,
	wake_time       DATETIME,
	alarm_name      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rules (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	repository     TEXT NOT NULL DEFAULT '',
	threshold_days INTEGER NOT NULL DEFAULT 0,
	reasons        TEXT NOT NULL DEFAULT '[]',
	enabled        INTEGER NOT NULL DEFAULT 1,
	archived_count INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS http_cache (
	url_key       TEXT PRIMARY KEY,
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	cached_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS alarms (
	name    TEXT PRIMARY KEY,
	fire_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_wakeups (
	notification_id TEXT PRIMARY KEY,
	enqueued_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS flags (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entitlement (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	is_pro     INTEGER NOT NULL DEFAULT 0,
	plan       TEXT NOT NULL DEFAULT 'free',
	status     TEXT NOT NULL DEFAULT 'canceled',
	cancel_at  DATETIME,
	fetched_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_partition ON notifications(partition);
CREATE INDEX IF NOT EXISTS idx_notifications_reason ON notifications(reason);
CREATE INDEX IF NOT EXISTS idx_notifications_updated_at ON notifications(updated_at);
CREATE INDEX IF NOT EXISTS idx_http_cache_cached_at ON http_cache(cached_at);
CREATE INDEX IF NOT EXISTS idx_alarms_fire_at ON alarms(fire_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_notifications_repo_full_name
	ON notifications(repo_full_name);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
