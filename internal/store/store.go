package store

import (
	"context"
	"time"

	"github.com/nhle/gh-notifier/internal/model"
)

// StateSnapshot is the durable representation of the notification
// partitions and their shared metadata. Transient view state (loading,
// error flags) is deliberately not part of the snapshot.
type StateSnapshot struct {
	Active      []model.Notification
	Snoozed     []model.SnoozeRecord
	Archived    []model.Notification
	LastFetched *time.Time
	Filter      model.Filter

	// Seq is the write sequence number of the snapshot at load time.
	// Writers pass it back through CompareAndSwapState to detect a
	// concurrent update from the other execution context.
	Seq int64
}

// CacheEntry holds the validators remembered for one normalized request
// URL by the conditional fetch cache.
type CacheEntry struct {
	URLKey       string    `db:"url_key"`
	ETag         string    `db:"etag"`
	LastModified string    `db:"last_modified"`
	CachedAt     time.Time `db:"cached_at"`
}

// Alarm is a persisted one-shot timer owned by the scheduler primitive.
type Alarm struct {
	Name   string    `db:"name"`
	FireAt time.Time `db:"fire_at"`
}

// Store defines the persistence interface shared by the foreground state
// store and the headless background worker. Both contexts converge on the
// same durable tables; state writes carry a sequence number so the two
// sides can detect lost updates.
type Store interface {
	// === Notification state ===

	LoadState(ctx context.Context) (*StateSnapshot, error)

	// SaveState replaces the persisted state unconditionally (last write
	// wins) and returns the new sequence number.
	SaveState(ctx context.Context, snap *StateSnapshot) (int64, error)

	// CompareAndSwapState replaces the persisted state only if the stored
	// sequence number still equals expectedSeq. It returns the current
	// sequence number and whether the swap was applied.
	CompareAndSwapState(ctx context.Context, expectedSeq int64, snap *StateSnapshot) (int64, bool, error)

	// === Auto-archive rules ===

	GetRules(ctx context.Context) ([]model.AutoArchiveRule, error)
	SaveRule(ctx context.Context, rule model.AutoArchiveRule) error
	DeleteRule(ctx context.Context, id string) error

	// AddRuleArchived increments a rule's cumulative archived counter.
	AddRuleArchived(ctx context.Context, id string, n int) error

	// === Conditional fetch cache ===

	GetCacheEntry(ctx context.Context, urlKey string) (*CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry CacheEntry) error
	DeleteCacheEntry(ctx context.Context, urlKey string) error

	// PurgeCacheBefore removes cache entries older than cutoff and
	// returns how many were deleted.
	PurgeCacheBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// === Alarms ===

	UpsertAlarm(ctx context.Context, name string, fireAt time.Time) error
	DeleteAlarm(ctx context.Context, name string) error
	GetAlarm(ctx context.Context, name string) (*Alarm, error)
	ListAlarms(ctx context.Context) ([]Alarm, error)

	// === Pending wake-ups ===

	EnqueuePendingWake(ctx context.Context, notificationID string) error
	ListPendingWakes(ctx context.Context) ([]string, error)
	ClearPendingWakes(ctx context.Context) error

	// === Durable flags ===

	SetFlag(ctx context.Context, key, value string) error
	GetFlag(ctx context.Context, key string) (string, error)
	DeleteFlag(ctx context.Context, key string) error

	// === Entitlement cache ===

	SaveEntitlement(ctx context.Context, rec model.EntitlementRecord) error
	GetEntitlement(ctx context.Context) (*model.EntitlementRecord, error)

	// Subscribe registers a listener invoked after every committed state
	// write. Listeners must be fast and must not call back into the store
	// synchronously.
	Subscribe(fn func())
}
