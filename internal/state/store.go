// Package state holds the single source of truth for notification
// partitions, filter selection, and derived counts. All UI and
// background mutations pass through it; every mutation persists the
// durable slice of its state as the last step.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/gh-notifier/internal/model"
	"github.com/nhle/gh-notifier/internal/rules"
	"github.com/nhle/gh-notifier/internal/scheduler"
	"github.com/nhle/gh-notifier/internal/store"
)

// reloadDebounce coalesces near-simultaneous storage-change
// notifications before re-reading durable state.
const reloadDebounce = 100 * time.Millisecond

// persistTimeout bounds the durable write done at the end of each mutation.
const persistTimeout = 5 * time.Second

// WakeScheduler is the collaborator that manages durable wake timers
// for snoozed notifications.
type WakeScheduler interface {
	// ScheduleWake schedules a wake callback for the notification. The
	// timer name is derived deterministically from the id, so
	// re-scheduling the same id is idempotent at the scheduler level.
	ScheduleWake(ctx context.Context, notificationID string, wakeTime time.Time) error

	// CancelWake cancels the wake callback for the notification.
	CancelWake(ctx context.Context, notificationID string) error
}

// Store is the notification state store. It keeps the three disjoint
// partitions (active, snoozed, archived) in memory, persists them after
// every mutation, and reconciles with concurrent writers through the
// durable store's change notifications.
type Store struct {
	db    store.Store
	wakes WakeScheduler
	log   logrus.FieldLogger
	now   func() time.Time

	mu          sync.Mutex
	active      []model.Notification
	snoozed     []model.SnoozeRecord
	archived    []model.Notification
	filter      model.Filter
	lastFetched *time.Time
	seq         int64

	// Transient view state; deliberately excluded from persistence.
	loading   bool
	lastError error

	// markAllBackup enables one level of undo for bulk mark-as-read.
	// Any other mutation clears it.
	markAllBackup []model.Notification

	reloadTimer *time.Timer
}

// New creates a state store. The wake scheduler may be nil, in which
// case snooze operations manage partitions only.
func New(db store.Store, wakes WakeScheduler, log logrus.FieldLogger) *Store {
	return &Store{
		db:     db,
		wakes:  wakes,
		log:    log,
		now:    time.Now,
		filter: model.FilterAll,
	}
}

// NewWithClock creates a state store with an injected clock, for tests.
func NewWithClock(db store.Store, wakes WakeScheduler, log logrus.FieldLogger, now func() time.Time) *Store {
	s := New(db, wakes, log)
	s.now = now
	return s
}

// Load replaces the in-memory state with the persisted snapshot. Called
// once at startup before any mutation.
func (s *Store) Load(ctx context.Context) error {
	snap, err := s.db.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("loading notification state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.adoptLocked(snap)
	return nil
}

// StartWatching subscribes to durable-storage change events. Changes are
// coalesced within a short debounce window before the state is re-read,
// since the background process and the UI may write in quick succession.
func (s *Store) StartWatching() {
	s.db.Subscribe(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.reloadTimer != nil {
			s.reloadTimer.Reset(reloadDebounce)
			return
		}
		s.reloadTimer = time.AfterFunc(reloadDebounce, s.reload)
	})
}

// reload re-reads durable state after a change notification. Writes
// that originated here are recognized by sequence number and skipped.
func (s *Store) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	snap, err := s.db.LoadState(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reloading state after storage change failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadTimer = nil

	if snap.Seq == s.seq {
		return
	}
	s.adoptLocked(snap)
}

// adoptLocked installs a loaded snapshot. Transient flags and the
// mark-all backup are left untouched.
func (s *Store) adoptLocked(snap *store.StateSnapshot) {
	s.active = snap.Active
	s.snoozed = snap.Snoozed
	s.archived = snap.Archived
	s.filter = snap.Filter
	s.lastFetched = snap.LastFetched
	s.seq = snap.Seq
}

// persistLocked serializes the durable slice of the current state and
// writes it. Persistence failure degrades to in-memory-only for this
// cycle: logged, never fatal.
func (s *Store) persistLocked(ctx context.Context) {
	snap := &store.StateSnapshot{
		Active:      s.active,
		Snoozed:     s.snoozed,
		Archived:    s.archived,
		LastFetched: s.lastFetched,
		Filter:      s.filter,
		Seq:         s.seq,
	}

	newSeq, err := s.db.SaveState(ctx, snap)
	if err != nil {
		s.log.WithError(err).Warn("persisting notification state failed, continuing in memory")
		return
	}
	s.seq = newSeq
}

// SetNotifications replaces the active set after a full fetch and
// clears any stale error flag. Snoozed and archived partitions are
// independent and untouched; incoming records whose ids already live in
// one of them are not re-added to active.
func (s *Store) SetNotifications(ctx context.Context, list []model.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elsewhere := make(map[string]bool, len(s.snoozed)+len(s.archived))
	for _, rec := range s.snoozed {
		elsewhere[rec.Notification.ID] = true
	}
	for _, n := range s.archived {
		elsewhere[n.ID] = true
	}

	active := make([]model.Notification, 0, len(list))
	for _, n := range list {
		if elsewhere[n.ID] {
			continue
		}
		active = append(active, n)
	}

	now := s.now()
	s.active = active
	s.lastError = nil
	s.lastFetched = &now
	s.markAllBackup = nil
	s.persistLocked(ctx)
}

// MarkAsRead removes the notification from the active set. The remote
// API has already been told; locally this is terminal state.
func (s *Store) MarkAsRead(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.active, id)
	if idx < 0 {
		return
	}

	s.active = append(s.active[:idx], s.active[idx+1:]...)
	s.markAllBackup = nil
	s.persistLocked(ctx)
}

// MarkAllAsRead marks every notification in the currently filtered view
// as read, in place, and returns the ones whose unread flag actually
// changed. A snapshot of the full active set is captured first so the
// operation can be undone once. Hidden notifications are untouched:
// "mark all" respects what the user is looking at.
func (s *Store) MarkAllAsRead(ctx context.Context) []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markAllBackup = cloneNotifications(s.active)

	var changed []model.Notification
	for i := range s.active {
		if !s.filter.Includes(s.active[i].Reason) {
			continue
		}
		if !s.active[i].Unread {
			continue
		}
		s.active[i].Unread = false
		changed = append(changed, *cloneNotification(&s.active[i]))
	}

	s.persistLocked(ctx)
	return changed
}

// UndoMarkAllAsRead restores the active set verbatim from the backup
// taken by MarkAllAsRead and clears the backup. Calling it without a
// backup is a no-op, not an error.
func (s *Store) UndoMarkAllAsRead(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markAllBackup == nil {
		return
	}

	s.active = s.markAllBackup
	s.markAllBackup = nil
	s.persistLocked(ctx)
}

// SnoozeNotification moves an active notification into the snoozed
// partition until wakeTime and schedules the wake timer. Unknown ids are
// a no-op with no scheduler call. The wake time must be strictly in the
// future and at most a year out.
func (s *Store) SnoozeNotification(ctx context.Context, id string, wakeTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !wakeTime.After(now) {
		return fmt.Errorf("wake time %s is not in the future", wakeTime.Format(time.RFC3339))
	}
	if wakeTime.Sub(now) > model.MaxSnoozeDuration {
		return fmt.Errorf("wake time %s is more than a year out", wakeTime.Format(time.RFC3339))
	}

	idx := indexOf(s.active, id)
	if idx < 0 {
		return nil
	}

	n := s.active[idx]
	s.active = append(s.active[:idx], s.active[idx+1:]...)
	s.snoozed = append(s.snoozed, model.SnoozeRecord{
		Notification: n,
		SnoozedAt:    now,
		WakeTime:     wakeTime,
		AlarmName:    scheduler.SnoozeAlarmName(id),
	})

	if s.wakes != nil {
		if err := s.wakes.ScheduleWake(ctx, id, wakeTime); err != nil {
			// The snooze record is durable; startup reconciliation will
			// recreate the missing timer.
			s.log.WithError(err).WithField("id", id).Error("scheduling wake timer failed")
		}
	}

	s.markAllBackup = nil
	s.persistLocked(ctx)
	return nil
}

// UnsnoozeNotification manually returns a snoozed notification to the
// active set and cancels its wake timer. Unknown ids are a no-op.
func (s *Store) UnsnoozeNotification(ctx context.Context, id string) {
	s.restoreFromSnooze(ctx, id, true)
}

// WakeNotification returns a snoozed notification to the active set
// after its timer fired. The timer is not cancelled: this is the
// callback's own completion path. Unknown ids are a safe no-op, which
// also makes a late orphaned timer harmless.
func (s *Store) WakeNotification(ctx context.Context, id string) {
	s.restoreFromSnooze(ctx, id, false)
}

func (s *Store) restoreFromSnooze(ctx context.Context, id string, cancelTimer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, rec := range s.snoozed {
		if rec.Notification.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	rec := s.snoozed[idx]
	s.snoozed = append(s.snoozed[:idx], s.snoozed[idx+1:]...)
	s.active = append(s.active, rec.Notification)

	if cancelTimer && s.wakes != nil {
		if err := s.wakes.CancelWake(ctx, id); err != nil {
			// A timer that later fires for a non-snoozed id is a no-op,
			// so failed cancellation degrades harmlessly.
			s.log.WithError(err).WithField("id", id).Error("cancelling wake timer failed")
		}
	}

	s.markAllBackup = nil
	s.persistLocked(ctx)
}

// ArchiveNotification moves an active notification to the archived
// partition. Archival is terminal until an explicit unarchive. Unknown
// ids are a no-op.
func (s *Store) ArchiveNotification(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.active, id)
	if idx < 0 {
		return
	}

	n := s.active[idx]
	s.active = append(s.active[:idx], s.active[idx+1:]...)
	s.archived = append(s.archived, n)

	s.markAllBackup = nil
	s.persistLocked(ctx)
}

// UnarchiveNotification moves an archived notification back to the
// active set. Unknown ids are a no-op.
func (s *Store) UnarchiveNotification(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.archived, id)
	if idx < 0 {
		return
	}

	n := s.archived[idx]
	s.archived = append(s.archived[:idx], s.archived[idx+1:]...)
	s.active = append(s.active, n)

	s.markAllBackup = nil
	s.persistLocked(ctx)
}

// ApplyRules runs the auto-archive sweep over the in-memory active set.
// Matched notifications move to the archived partition; the returned
// map reports which rule claimed which notification ids.
func (s *Store) ApplyRules(ctx context.Context, ruleSet []model.AutoArchiveRule) map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := rules.Apply(s.active, ruleSet, s.now())
	if len(result.ToArchive) == 0 {
		return nil
	}

	s.active = result.ToKeep
	s.archived = append(s.archived, result.ToArchive...)

	s.markAllBackup = nil
	s.persistLocked(ctx)
	return result.MatchesByRule
}

// ClearNotifications clears the active set, the error flag, and the
// last-fetch timestamp. Snoozed and archived partitions are
// user-directed and keep their independent lifecycles.
func (s *Store) ClearNotifications(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = nil
	s.lastError = nil
	s.lastFetched = nil
	s.markAllBackup = nil
	s.persistLocked(ctx)
}

// SetFilter changes the filter selection.
func (s *Store) SetFilter(ctx context.Context, f model.Filter) {
	if !model.ValidFilter(f) {
		f = model.FilterAll
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.filter = f
	s.markAllBackup = nil
	s.persistLocked(ctx)
}

// Filter returns the current filter selection.
func (s *Store) Filter() model.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// GetFilteredNotifications returns the active notifications visible
// under the current filter selection.
func (s *Store) GetFilteredNotifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Notification
	for i := range s.active {
		if s.filter.Includes(s.active[i].Reason) {
			out = append(out, *cloneNotification(&s.active[i]))
		}
	}
	return out
}

// GetFilterCounts returns per-bucket counts over the active set only;
// snoozed and archived notifications are excluded.
func (s *Store) GetFilterCounts() map[model.Filter]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[model.Filter]int{
		model.FilterAll:      len(s.active),
		model.FilterMentions: 0,
		model.FilterReviews:  0,
		model.FilterAssigned: 0,
	}
	for _, n := range s.active {
		for _, f := range []model.Filter{model.FilterMentions, model.FilterReviews, model.FilterAssigned} {
			if f.Includes(n.Reason) {
				counts[f]++
			}
		}
	}
	return counts
}

// GetSnoozedCount returns the size of the snoozed partition.
func (s *Store) GetSnoozedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snoozed)
}

// GetArchivedCount returns the size of the archived partition.
func (s *Store) GetArchivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.archived)
}

// Active returns a copy of the active partition.
func (s *Store) Active() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneNotifications(s.active)
}

// Snoozed returns a copy of the snoozed partition.
func (s *Store) Snoozed() []model.SnoozeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.SnoozeRecord, len(s.snoozed))
	copy(out, s.snoozed)
	for i := range out {
		out[i].Notification = *cloneNotification(&out[i].Notification)
	}
	return out
}

// Archived returns a copy of the archived partition.
func (s *Store) Archived() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneNotifications(s.archived)
}

// LastFetched returns when the active set was last replaced by a fetch.
func (s *Store) LastFetched() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFetched == nil {
		return nil
	}
	t := *s.lastFetched
	return &t
}

// SetLoading sets the transient loading flag. Not persisted.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
}

// Loading returns the transient loading flag.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// SetError sets the transient error flag. Not persisted.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err
}

// LastError returns the transient error flag.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// DrainPendingWakeups wakes every notification queued in the durable
// pending-wakeup list and then clears the list. Called whenever a UI
// becomes available.
func (s *Store) DrainPendingWakeups(ctx context.Context) {
	ids, err := s.db.ListPendingWakes(ctx)
	if err != nil {
		s.log.WithError(err).Warn("listing pending wakeups failed")
		return
	}
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		s.WakeNotification(ctx, id)
	}

	if err := s.db.ClearPendingWakes(ctx); err != nil {
		s.log.WithError(err).Warn("clearing pending wakeups failed")
	}
}

// indexOf returns the index of the notification with the given id, or -1.
func indexOf(list []model.Notification, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// cloneNotification deep-copies a notification, including the nullable
// read timestamp.
func cloneNotification(n *model.Notification) *model.Notification {
	out := *n
	if n.LastReadAt != nil {
		t := *n.LastReadAt
		out.LastReadAt = &t
	}
	return &out
}

// cloneNotifications deep-copies a notification slice.
func cloneNotifications(list []model.Notification) []model.Notification {
	if list == nil {
		return nil
	}
	out := make([]model.Notification, len(list))
	for i := range list {
		out[i] = *cloneNotification(&list[i])
	}
	return out
}
