package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/gh-notifier/internal/model"
	"github.com/nhle/gh-notifier/internal/store"
	"github.com/nhle/gh-notifier/tests/testutil"
)

type fakeWakes struct {
	scheduled map[string]time.Time
	cancelled []string
	err       error
}

func newFakeWakes() *fakeWakes {
	return &fakeWakes{scheduled: make(map[string]time.Time)}
}

func (f *fakeWakes) ScheduleWake(_ context.Context, id string, wakeTime time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.scheduled[id] = wakeTime
	return nil
}

func (f *fakeWakes) CancelWake(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, id)
	delete(f.scheduled, id)
	return nil
}

func notif(id string, reason model.Reason, unread bool) model.Notification {
	return model.Notification{
		ID:         id,
		Title:      "title " + id,
		Type:       model.SubjectIssue,
		Repository: model.Repository{FullName: "owner/repo", Owner: "owner"},
		Reason:     reason,
		Unread:     unread,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}
}

func newTestState(t *testing.T) (*Store, *fakeWakes) {
	t.Helper()

	db := testutil.NewTestStore(t)
	wakes := newFakeWakes()
	s := New(db, wakes, testutil.Logger())
	require.NoError(t, s.Load(context.Background()))
	return s, wakes
}

// ids of every notification across the three partitions, for checking
// that no operation sequence ever duplicates or loses one.
func allIDs(s *Store) map[string]int {
	counts := make(map[string]int)
	for _, n := range s.Active() {
		counts[n.ID]++
	}
	for _, rec := range s.Snoozed() {
		counts[rec.Notification.ID]++
	}
	for _, n := range s.Archived() {
		counts[n.ID]++
	}
	return counts
}

func TestPartitionsStayDisjoint(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{
		notif("1", model.ReasonMention, true),
		notif("2", model.ReasonSubscribed, true),
		notif("3", model.ReasonAssign, true),
		notif("4", model.ReasonAuthor, false),
	})

	wake := time.Now().Add(time.Hour)
	require.NoError(t, s.SnoozeNotification(ctx, "1", wake))
	s.ArchiveNotification(ctx, "2")
	s.UnsnoozeNotification(ctx, "1")
	require.NoError(t, s.SnoozeNotification(ctx, "3", wake))
	s.UnarchiveNotification(ctx, "2")
	s.ArchiveNotification(ctx, "4")
	s.WakeNotification(ctx, "3")

	counts := allIDs(s)
	require.Len(t, counts, 4)
	for id, n := range counts {
		assert.Equal(t, 1, n, "notification %s appears %d times", id, n)
	}
	assert.Len(t, s.Active(), 3)
	assert.Len(t, s.Archived(), 1)
	assert.Empty(t, s.Snoozed())
}

func TestSetNotificationsSkipsHeldIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{
		notif("1", model.ReasonMention, true),
		notif("2", model.ReasonMention, true),
	})
	require.NoError(t, s.SnoozeNotification(ctx, "1", time.Now().Add(time.Hour)))
	s.ArchiveNotification(ctx, "2")

	// A refetch returns both ids again; neither may re-enter active.
	s.SetNotifications(ctx, []model.Notification{
		notif("1", model.ReasonMention, true),
		notif("2", model.ReasonMention, true),
		notif("3", model.ReasonMention, true),
	})

	require.Len(t, s.Active(), 1)
	assert.Equal(t, "3", s.Active()[0].ID)
	assert.Equal(t, 1, s.GetSnoozedCount())
	assert.Equal(t, 1, s.GetArchivedCount())
}

func TestMarkAllAsReadRespectsFilter(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{
		notif("m1", model.ReasonMention, true),
		notif("m2", model.ReasonMention, false),
		notif("s1", model.ReasonSubscribed, true),
	})
	s.SetFilter(ctx, model.FilterMentions)

	changed := s.MarkAllAsRead(ctx)

	// Only the unread mention changes; the already-read mention and the
	// hidden subscription are untouched.
	require.Len(t, changed, 1)
	assert.Equal(t, "m1", changed[0].ID)
	assert.False(t, changed[0].Unread)

	for _, n := range s.Active() {
		switch n.ID {
		case "m1", "m2":
			assert.False(t, n.Unread, "id %s", n.ID)
		case "s1":
			assert.True(t, n.Unread, "id %s", n.ID)
		}
	}
}

func TestUndoMarkAllAsReadRestoresExactly(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	original := []model.Notification{
		notif("1", model.ReasonMention, true),
		notif("2", model.ReasonSubscribed, true),
		notif("3", model.ReasonMention, false),
	}
	s.SetNotifications(ctx, original)
	before := s.Active()

	s.MarkAllAsRead(ctx)
	s.UndoMarkAllAsRead(ctx)

	assert.Equal(t, before, s.Active())

	// A second undo has no backup left to restore.
	s.MarkAsRead(ctx, "1")
	s.UndoMarkAllAsRead(ctx)
	assert.Len(t, s.Active(), 2)
}

func TestInterveningMutationDropsUndoBackup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{
		notif("1", model.ReasonMention, true),
		notif("2", model.ReasonMention, true),
	})

	s.MarkAllAsRead(ctx)
	s.ArchiveNotification(ctx, "2")
	s.UndoMarkAllAsRead(ctx)

	// The archive invalidated the backup; undo must not resurrect "2"
	// into the active set.
	require.Len(t, s.Active(), 1)
	assert.Equal(t, "1", s.Active()[0].ID)
	assert.Equal(t, 1, s.GetArchivedCount())
}

func TestSnoozeWakeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, wakes := newTestState(t)

	n := notif("1", model.ReasonReviewRequested, true)
	s.SetNotifications(ctx, []model.Notification{n})
	got := s.Active()[0]

	wake := time.Now().Add(2 * time.Hour)
	require.NoError(t, s.SnoozeNotification(ctx, "1", wake))

	require.Empty(t, s.Active())
	require.Len(t, s.Snoozed(), 1)
	rec := s.Snoozed()[0]
	assert.Equal(t, got, rec.Notification)
	assert.Equal(t, wake, wakes.scheduled["1"])

	s.WakeNotification(ctx, "1")

	require.Len(t, s.Active(), 1)
	assert.Equal(t, got, s.Active()[0])
	assert.Empty(t, s.Snoozed())
	// The timer already fired; waking must not cancel anything.
	assert.Empty(t, wakes.cancelled)
}

func TestUnsnoozeCancelsTimer(t *testing.T) {
	ctx := context.Background()
	s, wakes := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{notif("1", model.ReasonMention, true)})
	require.NoError(t, s.SnoozeNotification(ctx, "1", time.Now().Add(time.Hour)))

	s.UnsnoozeNotification(ctx, "1")

	assert.Len(t, s.Active(), 1)
	assert.Equal(t, []string{"1"}, wakes.cancelled)
}

func TestSnoozeValidation(t *testing.T) {
	ctx := context.Background()
	s, wakes := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{notif("1", model.ReasonMention, true)})

	err := s.SnoozeNotification(ctx, "1", time.Now().Add(-time.Minute))
	require.Error(t, err)

	err = s.SnoozeNotification(ctx, "1", time.Now().Add(model.MaxSnoozeDuration+time.Hour))
	require.Error(t, err)

	// Unknown ids never reach the scheduler.
	require.NoError(t, s.SnoozeNotification(ctx, "missing", time.Now().Add(time.Hour)))
	assert.Empty(t, wakes.scheduled)
	assert.Len(t, s.Active(), 1)
}

func TestRepeatedSnoozeOfSameID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{notif("1", model.ReasonMention, true)})
	wake := time.Now().Add(time.Hour)
	require.NoError(t, s.SnoozeNotification(ctx, "1", wake))

	// Already snoozed, so the id is no longer active; a second snooze is
	// a no-op rather than a duplicate record.
	require.NoError(t, s.SnoozeNotification(ctx, "1", wake.Add(time.Hour)))

	require.Len(t, s.Snoozed(), 1)
	assert.Equal(t, wake, s.Snoozed()[0].WakeTime)
}

func TestSnoozeSurvivesSchedulerFailure(t *testing.T) {
	ctx := context.Background()
	s, wakes := newTestState(t)
	wakes.err = fmt.Errorf("scheduler unavailable")

	s.SetNotifications(ctx, []model.Notification{notif("1", model.ReasonMention, true)})
	require.NoError(t, s.SnoozeNotification(ctx, "1", time.Now().Add(time.Hour)))

	// The durable record exists even though no timer was armed; startup
	// recovery re-arms it.
	assert.Len(t, s.Snoozed(), 1)
	assert.Empty(t, s.Active())
}

func TestClearNotificationsKeepsOtherPartitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{
		notif("1", model.ReasonMention, true),
		notif("2", model.ReasonMention, true),
		notif("3", model.ReasonMention, true),
	})
	require.NoError(t, s.SnoozeNotification(ctx, "2", time.Now().Add(time.Hour)))
	s.ArchiveNotification(ctx, "3")

	s.ClearNotifications(ctx)

	assert.Empty(t, s.Active())
	assert.Nil(t, s.LastFetched())
	assert.Equal(t, 1, s.GetSnoozedCount())
	assert.Equal(t, 1, s.GetArchivedCount())
}

func TestFilteredViewAndCounts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{
		notif("m1", model.ReasonMention, true),
		notif("m2", model.ReasonTeamMention, true),
		notif("r1", model.ReasonReviewRequested, true),
		notif("a1", model.ReasonAssign, true),
		notif("s1", model.ReasonSubscribed, true),
	})

	counts := s.GetFilterCounts()
	assert.Equal(t, 5, counts[model.FilterAll])
	assert.Equal(t, 2, counts[model.FilterMentions])
	assert.Equal(t, 1, counts[model.FilterReviews])
	assert.Equal(t, 1, counts[model.FilterAssigned])

	s.SetFilter(ctx, model.FilterReviews)
	filtered := s.GetFilteredNotifications()
	require.Len(t, filtered, 1)
	assert.Equal(t, "r1", filtered[0].ID)

	// Unknown filter values fall back to showing everything.
	s.SetFilter(ctx, model.Filter("bogus"))
	assert.Equal(t, model.FilterAll, s.Filter())
	assert.Len(t, s.GetFilteredNotifications(), 5)
}

func TestMutationAfterStartWatchingCompletes(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	s := New(db, newFakeWakes(), testutil.Logger())
	require.NoError(t, s.Load(ctx))
	s.StartWatching()

	// The storage change listener must not run on the writer's own
	// goroutine, or this mutation blocks on its own mutex forever.
	done := make(chan struct{})
	go func() {
		s.SetNotifications(ctx, []model.Notification{notif("1", model.ReasonMention, true)})
		s.ArchiveNotification(ctx, "1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("mutation blocked after StartWatching")
	}
	assert.Equal(t, 1, s.GetArchivedCount())
}

func TestWatchingStoreAdoptsBackgroundWrite(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	s := New(db, newFakeWakes(), testutil.Logger())
	require.NoError(t, s.Load(ctx))
	s.StartWatching()

	// A background writer replaces the durable snapshot out from under
	// the watching store.
	_, err := db.SaveState(ctx, &store.StateSnapshot{
		Active:   []model.Notification{notif("bg", model.ReasonMention, true)},
		Archived: []model.Notification{notif("old", model.ReasonSubscribed, false)},
		Filter:   model.FilterMentions,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		active := s.Active()
		return len(active) == 1 && active[0].ID == "bg"
	}, 2*time.Second, 20*time.Millisecond, "watching store did not adopt the background write")
	assert.Equal(t, 1, s.GetArchivedCount())
	assert.Equal(t, model.FilterMentions, s.Filter())
}

func TestReloadSkipsOwnWrite(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	s := New(db, newFakeWakes(), testutil.Logger())
	require.NoError(t, s.Load(ctx))
	s.SetNotifications(ctx, []model.Notification{
		notif("1", model.ReasonMention, true),
		notif("2", model.ReasonMention, true),
	})

	// Diverge in memory without persisting. A reload for the store's own
	// write must recognize the sequence number and leave this alone.
	s.mu.Lock()
	s.active = s.active[:1]
	s.mu.Unlock()

	s.reload()
	assert.Len(t, s.Active(), 1)

	// A foreign write bumps the sequence, so the next reload adopts it.
	_, err := db.SaveState(ctx, &store.StateSnapshot{
		Active: []model.Notification{notif("3", model.ReasonMention, true)},
	})
	require.NoError(t, err)

	s.reload()
	active := s.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "3", active[0].ID)
}

func TestStatePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)
	log := testutil.Logger()

	first := New(db, newFakeWakes(), log)
	require.NoError(t, first.Load(ctx))
	first.SetNotifications(ctx, []model.Notification{
		notif("1", model.ReasonMention, true),
		notif("2", model.ReasonMention, true),
	})
	require.NoError(t, first.SnoozeNotification(ctx, "2", time.Now().Add(time.Hour)))
	first.SetFilter(ctx, model.FilterMentions)

	second := New(db, newFakeWakes(), log)
	require.NoError(t, second.Load(ctx))

	assert.Len(t, second.Active(), 1)
	assert.Equal(t, 1, second.GetSnoozedCount())
	assert.Equal(t, model.FilterMentions, second.Filter())
	require.NotNil(t, second.LastFetched())
}

func TestApplyRulesArchivesMatches(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	s.SetNotifications(ctx, []model.Notification{
		notif("1", model.ReasonSubscribed, true),
		notif("2", model.ReasonMention, true),
	})

	matches := s.ApplyRules(ctx, []model.AutoArchiveRule{{
		ID:      "quiet-subscriptions",
		Kind:    model.RuleKindReasonSet,
		Reasons: []model.Reason{model.ReasonSubscribed},
		Enabled: true,
	}})

	assert.Equal(t, map[string][]string{"quiet-subscriptions": {"1"}}, matches)
	require.Len(t, s.Active(), 1)
	assert.Equal(t, "2", s.Active()[0].ID)
	assert.Equal(t, 1, s.GetArchivedCount())

	// Nothing left to match; the sweep is a no-op.
	assert.Nil(t, s.ApplyRules(ctx, []model.AutoArchiveRule{{
		ID:      "quiet-subscriptions",
		Kind:    model.RuleKindReasonSet,
		Reasons: []model.Reason{model.ReasonSubscribed},
		Enabled: true,
	}}))
}

func TestDrainPendingWakeups(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	s := New(db, newFakeWakes(), testutil.Logger())
	require.NoError(t, s.Load(ctx))

	s.SetNotifications(ctx, []model.Notification{notif("1", model.ReasonMention, true)})
	require.NoError(t, s.SnoozeNotification(ctx, "1", time.Now().Add(time.Hour)))
	require.NoError(t, db.EnqueuePendingWake(ctx, "1"))

	s.DrainPendingWakeups(ctx)

	assert.Len(t, s.Active(), 1)
	assert.Empty(t, s.Snoozed())

	pending, err := db.ListPendingWakes(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
