package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/nhle/gh-notifier/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	log logrus.FieldLogger

	mu        sync.Mutex
	listeners []func()
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string, log logrus.FieldLogger) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Serialize writers from the two execution contexts instead of
	// failing fast on a locked database.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
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

// Subscribe registers a change listener fired after committed state writes.
func (s *SQLiteStore) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// notifyChanged invokes all registered change listeners. Listeners run
// on their own goroutine: state writes can happen under a caller's
// lock, and a listener reacting to the write must not inherit it.
func (s *SQLiteStore) notifyChanged() {
	s.mu.Lock()
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	go func() {
		for _, fn := range listeners {
			fn()
		}
	}()
}

// LoadState reads the full persisted notification state. Rows that fail
// to scan or carry an unknown partition are logged and skipped rather
// than aborting the load.
func (s *SQLiteStore) LoadState(ctx context.Context) (*StateSnapshot, error) {
	snap := &StateSnapshot{Filter: model.FilterAll}

	row := s.db.QueryRowxContext(ctx,
		"SELECT last_fetched, filter, seq FROM state_meta WHERE id = 1",
	)

	var lastFetched sql.NullTime
	var filter string
	if err := row.Scan(&lastFetched, &filter, &snap.Seq); err != nil {
		return nil, fmt.Errorf("reading state metadata: %w", err)
	}
	if lastFetched.Valid {
		t := lastFetched.Time
		snap.LastFetched = &t
	}
	if model.ValidFilter(model.Filter(filter)) {
		snap.Filter = model.Filter(filter)
	}

	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM notifications ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		partition, n, snoozedAt, wakeTime, alarmName, err := scanNotification(rows)
		if err != nil {
			s.log.WithError(err).Warn("discarding corrupt notification row")
			continue
		}

		switch partition {
		case "active":
			snap.Active = append(snap.Active, n)
		case "snoozed":
			snap.Snoozed = append(snap.Snoozed, model.SnoozeRecord{
				Notification: n,
				SnoozedAt:    snoozedAt,
				WakeTime:     wakeTime,
				AlarmName:    alarmName,
			})
		case "archived":
			snap.Archived = append(snap.Archived, n)
		default:
			s.log.WithField("partition", partition).Warn("discarding row with unknown partition")
		}
	}

	return snap, rows.Err()
}

// SaveState replaces the persisted state unconditionally and returns the
// new sequence number.
func (s *SQLiteStore) SaveState(ctx context.Context, snap *StateSnapshot) (int64, error) {
	seq, _, err := s.writeState(ctx, nil, snap)
	return seq, err
}

// CompareAndSwapState replaces the persisted state only if the stored
// sequence number still equals expectedSeq.
func (s *SQLiteStore) CompareAndSwapState(
	ctx context.Context,
	expectedSeq int64,
	snap *StateSnapshot,
) (int64, bool, error) {
	return s.writeState(ctx, &expectedSeq, snap)
}

// writeState performs the snapshot replacement inside one transaction.
// When expectedSeq is non-nil the write is conditional on it.
func (s *SQLiteStore) writeState(
	ctx context.Context,
	expectedSeq *int64,
	snap *StateSnapshot,
) (int64, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var currentSeq int64
	if err := tx.GetContext(ctx, &currentSeq,
		"SELECT seq FROM state_meta WHERE id = 1",
	); err != nil {
		return 0, false, fmt.Errorf("reading state sequence: %w", err)
	}

	if expectedSeq != nil && currentSeq != *expectedSeq {
		return currentSeq, false, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications"); err != nil {
		return 0, false, fmt.Errorf("clearing notifications: %w", err)
	}

	const insert = `
		INSERT INTO notifications (
			id, partition, title, subject_type,
			repo_id, repo_full_name, repo_owner, repo_avatar_url, repo_html_url,
			reason, unread, updated_at, last_read_at,
			api_url, html_url,
			snoozed_at, wake_time, alarm_name
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?,
			?, ?, ?
		)`

	stmt, err := tx.PreparexContext(ctx, insert)
	if err != nil {
		return 0, false, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	insertOne := func(partition string, n model.Notification, snoozedAt, wakeTime *time.Time, alarmName string) error {
		var lastReadAt interface{}
		if n.LastReadAt != nil {
			lastReadAt = n.LastReadAt.UTC()
		}
		var snoozed, wake interface{}
		if snoozedAt != nil {
			snoozed = snoozedAt.UTC()
		}
		if wakeTime != nil {
			wake = wakeTime.UTC()
		}

		_, err := stmt.ExecContext(ctx,
			n.ID, partition, n.Title, string(n.Type),
			n.Repository.ID, n.Repository.FullName, n.Repository.Owner,
			n.Repository.AvatarURL, n.Repository.HTMLURL,
			string(n.Reason), boolToInt(n.Unread), n.UpdatedAt.UTC(), lastReadAt,
			n.APIURL, n.HTMLURL,
			snoozed, wake, alarmName,
		)
		if err != nil {
			return fmt.Errorf("inserting notification %s: %w", n.ID, err)
		}
		return nil
	}

	for _, n := range snap.Active {
		if err := insertOne("active", n, nil, nil, ""); err != nil {
			return 0, false, err
		}
	}
	for _, rec := range snap.Snoozed {
		snoozedAt := rec.SnoozedAt
		wakeTime := rec.WakeTime
		if err := insertOne("snoozed", rec.Notification, &snoozedAt, &wakeTime, rec.AlarmName); err != nil {
			return 0, false, err
		}
	}
	for _, n := range snap.Archived {
		if err := insertOne("archived", n, nil, nil, ""); err != nil {
			return 0, false, err
		}
	}

	var lastFetched interface{}
	if snap.LastFetched != nil {
		lastFetched = snap.LastFetched.UTC()
	}

	newSeq := currentSeq + 1
	if _, err := tx.ExecContext(ctx,
		"UPDATE state_meta SET last_fetched = ?, filter = ?, seq = ? WHERE id = 1",
		lastFetched, string(snap.Filter), newSeq,
	); err != nil {
		return 0, false, fmt.Errorf("updating state metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing state write: %w", err)
	}

	s.notifyChanged()
	return newSeq, true, nil
}

// GetRules retrieves all auto-archive rules ordered by creation time.
func (s *SQLiteStore) GetRules(ctx context.Context) ([]model.AutoArchiveRule, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM rules ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AutoArchiveRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			s.log.WithError(err).Warn("discarding corrupt rule row")
			continue
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// SaveRule inserts or replaces a rule. A rule without an ID is assigned
// one by the caller; the store does not generate identifiers.
func (s *SQLiteStore) SaveRule(ctx context.Context, rule model.AutoArchiveRule) error {
	reasons, err := json.Marshal(rule.Reasons)
	if err != nil {
		return fmt.Errorf("marshaling rule reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rules (
			id, kind, repository, threshold_days, reasons,
			enabled, archived_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, string(rule.Kind), rule.Repository, rule.ThresholdDays,
		string(reasons), boolToInt(rule.Enabled), rule.ArchivedCount,
		rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving rule %s: %w", rule.ID, err)
	}

	return nil
}

// DeleteRule removes a rule by ID.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting rule %s: %w", id, err)
	}
	return nil
}

// AddRuleArchived increments a rule's cumulative archived counter.
func (s *SQLiteStore) AddRuleArchived(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE rules SET archived_count = archived_count + ? WHERE id = ?", n, id,
	)
	if err != nil {
		return fmt.Errorf("incrementing archived count for rule %s: %w", id, err)
	}
	return nil
}

// GetCacheEntry retrieves a conditional-fetch cache entry, or nil if the
// key is unknown.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, urlKey string) (*CacheEntry, error) {
	var entry CacheEntry
	err := s.db.GetContext(ctx, &entry,
		"SELECT url_key, etag, last_modified, cached_at FROM http_cache WHERE url_key = ?",
		urlKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry %q: %w", urlKey, err)
	}
	return &entry, nil
}

// PutCacheEntry inserts or replaces a conditional-fetch cache entry.
func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO http_cache (url_key, etag, last_modified, cached_at)
		VALUES (?, ?, ?, ?)`,
		entry.URLKey, entry.ETag, entry.LastModified, entry.CachedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing cache entry %q: %w", entry.URLKey, err)
	}
	return nil
}

// DeleteCacheEntry removes a cache entry by key.
func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, urlKey string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM http_cache WHERE url_key = ?", urlKey)
	if err != nil {
		return fmt.Errorf("deleting cache entry %q: %w", urlKey, err)
	}
	return nil
}

// PurgeCacheBefore removes cache entries older than cutoff.
func (s *SQLiteStore) PurgeCacheBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM http_cache WHERE cached_at < ?", cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging cache entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return deleted, nil
}

// UpsertAlarm inserts or replaces a persisted alarm.
func (s *SQLiteStore) UpsertAlarm(ctx context.Context, name string, fireAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO alarms (name, fire_at) VALUES (?, ?)",
		name, fireAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting alarm %q: %w", name, err)
	}
	return nil
}

// DeleteAlarm removes a persisted alarm by name.
func (s *SQLiteStore) DeleteAlarm(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM alarms WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting alarm %q: %w", name, err)
	}
	return nil
}

// GetAlarm retrieves a persisted alarm by name, or nil if not scheduled.
func (s *SQLiteStore) GetAlarm(ctx context.Context, name string) (*Alarm, error) {
	var alarm Alarm
	err := s.db.GetContext(ctx, &alarm,
		"SELECT name, fire_at FROM alarms WHERE name = ?", name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading alarm %q: %w", name, err)
	}
	return &alarm, nil
}

// ListAlarms retrieves all persisted alarms ordered by fire time.
func (s *SQLiteStore) ListAlarms(ctx context.Context) ([]Alarm, error) {
	var alarms []Alarm
	err := s.db.SelectContext(ctx, &alarms,
		"SELECT name, fire_at FROM alarms ORDER BY fire_at",
	)
	if err != nil {
		return nil, fmt.Errorf("listing alarms: %w", err)
	}
	return alarms, nil
}

// EnqueuePendingWake adds a notification id to the durable pending
// wake-up list. Re-enqueueing an id already present is a no-op.
func (s *SQLiteStore) EnqueuePendingWake(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO pending_wakeups (notification_id) VALUES (?)",
		notificationID,
	)
	if err != nil {
		return fmt.Errorf("enqueueing pending wake for %s: %w", notificationID, err)
	}
	return nil
}

// ListPendingWakes retrieves the queued wake-up ids in enqueue order.
func (s *SQLiteStore) ListPendingWakes(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT notification_id FROM pending_wakeups ORDER BY enqueued_at",
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending wakes: %w", err)
	}
	return ids, nil
}

// ClearPendingWakes empties the pending wake-up list.
func (s *SQLiteStore) ClearPendingWakes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_wakeups")
	if err != nil {
		return fmt.Errorf("clearing pending wakes: %w", err)
	}
	return nil
}

// SetFlag stores a durable key-value flag.
func (s *SQLiteStore) SetFlag(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO flags (key, value) VALUES (?, ?)", key, value,
	)
	if err != nil {
		return fmt.Errorf("setting flag %q: %w", key, err)
	}
	return nil
}

// GetFlag retrieves a durable flag. An unset flag returns "".
func (s *SQLiteStore) GetFlag(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM flags WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading flag %q: %w", key, err)
	}
	return value, nil
}

// DeleteFlag removes a durable flag.
func (s *SQLiteStore) DeleteFlag(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM flags WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting flag %q: %w", key, err)
	}
	return nil
}

// SaveEntitlement stores the cached entitlement verdict.
func (s *SQLiteStore) SaveEntitlement(ctx context.Context, rec model.EntitlementRecord) error {
	var cancelAt interface{}
	if rec.CancelAt != nil {
		cancelAt = rec.CancelAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entitlement (id, is_pro, plan, status, cancel_at, fetched_at)
		VALUES (1, ?, ?, ?, ?, ?)`,
		boolToInt(rec.IsPro), rec.Plan, string(rec.Status), cancelAt, rec.FetchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving entitlement record: %w", err)
	}
	return nil
}

// GetEntitlement retrieves the cached entitlement verdict, or nil if no
// verdict has ever been fetched.
func (s *SQLiteStore) GetEntitlement(ctx context.Context) (*model.EntitlementRecord, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT is_pro, plan, status, cancel_at, fetched_at FROM entitlement WHERE id = 1",
	)

	var (
		rec      model.EntitlementRecord
		isPro    int
		status   string
		cancelAt sql.NullTime
	)
	err := row.Scan(&isPro, &rec.Plan, &status, &cancelAt, &rec.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading entitlement record: %w", err)
	}

	rec.IsPro = isPro != 0
	rec.Status = model.SubscriptionStatus(status)
	if cancelAt.Valid {
		t := cancelAt.Time
		rec.CancelAt = &t
	}

	return &rec, nil
}

// scanNotification scans one notification row, returning its partition
// and snooze metadata alongside the notification itself.
func scanNotification(rows *sqlx.Rows) (string, model.Notification, time.Time, time.Time, string, error) {
	var (
		n          model.Notification
		partition  string
		subject    string
		reason     string
		unread     int
		lastReadAt sql.NullTime
		snoozedAt  sql.NullTime
		wakeTime   sql.NullTime
		alarmName  string
	)

	err := rows.Scan(
		&n.ID, &partition, &n.Title, &subject,
		&n.Repository.ID, &n.Repository.FullName, &n.Repository.Owner,
		&n.Repository.AvatarURL, &n.Repository.HTMLURL,
		&reason, &unread, &n.UpdatedAt, &lastReadAt,
		&n.APIURL, &n.HTMLURL,
		&snoozedAt, &wakeTime, &alarmName,
	)
	if err != nil {
		return "", model.Notification{}, time.Time{}, time.Time{}, "", fmt.Errorf("scanning notification row: %w", err)
	}

	n.Type = model.SubjectType(subject)
	n.Reason = model.Reason(reason)
	n.Unread = unread != 0
	if lastReadAt.Valid {
		t := lastReadAt.Time
		n.LastReadAt = &t
	}

	var snoozed, wake time.Time
	if snoozedAt.Valid {
		snoozed = snoozedAt.Time
	}
	if wakeTime.Valid {
		wake = wakeTime.Time
	}

	return partition, n, snoozed, wake, alarmName, nil
}

// scanRule scans an auto-archive rule row.
func scanRule(rows *sqlx.Rows) (model.AutoArchiveRule, error) {
	var (
		rule    model.AutoArchiveRule
		kind    string
		reasons string
		enabled int
	)

	err := rows.Scan(
		&rule.ID, &kind, &rule.Repository, &rule.ThresholdDays, &reasons,
		&enabled, &rule.ArchivedCount, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return model.AutoArchiveRule{}, fmt.Errorf("scanning rule row: %w", err)
	}

	rule.Kind = model.RuleKind(kind)
	rule.Enabled = enabled != 0

	if reasons != "" {
		if err := json.Unmarshal([]byte(reasons), &rule.Reasons); err != nil {
			return model.AutoArchiveRule{}, fmt.Errorf("unmarshaling rule reasons: %w", err)
		}
	}

	return rule, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
