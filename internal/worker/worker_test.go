package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/gh-notifier/internal/bus"
	"github.com/nhle/gh-notifier/internal/entitlement"
	"github.com/nhle/gh-notifier/internal/httpcache"
	"github.com/nhle/gh-notifier/internal/model"
	"github.com/nhle/gh-notifier/internal/scheduler"
	"github.com/nhle/gh-notifier/internal/store"
	"github.com/nhle/gh-notifier/tests/testutil"
)

type fakeSource struct {
	notifications []model.Notification
	err           error
	fetchCalls    int
}

func (f *fakeSource) ValidateConnection(_ context.Context) (string, error) {
	return "octocat", nil
}

func (f *fakeSource) FetchNotifications(_ context.Context) ([]model.Notification, error) {
	f.fetchCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.notifications, nil
}

func (f *fakeSource) MarkRead(_ context.Context, _ string) error { return nil }

func (f *fakeSource) MarkAllRead(_ context.Context, _ time.Time) error { return nil }

func (f *fakeSource) Unsubscribe(_ context.Context, _ string) error { return nil }

type fakeProvider struct {
	verdict *entitlement.Verdict
	err     error
}

func (f *fakeProvider) GetUser(_ context.Context) (*entitlement.Verdict, error) {
	return f.verdict, f.err
}

func (f *fakeProvider) OpenPaymentPage(_ context.Context) error { return nil }

func (f *fakeProvider) OpenLoginPage(_ context.Context) error { return nil }

func notif(id, repo string, updatedAt time.Time) model.Notification {
	return model.Notification{
		ID:         id,
		Title:      "title " + id,
		Type:       model.SubjectIssue,
		Repository: model.Repository{FullName: repo, Owner: "owner"},
		Reason:     model.ReasonSubscribed,
		Unread:     true,
		UpdatedAt:  updatedAt,
	}
}

func newWorker(t *testing.T, db store.Store, src *fakeSource, b *bus.Bus, token string) *Worker {
	t.Helper()

	log := testutil.Logger()
	alarms := scheduler.New(db, log)
	t.Cleanup(alarms.Stop)

	gate := entitlement.New(db, &fakeProvider{verdict: &entitlement.Verdict{Paid: true, Plan: "pro", Status: model.SubscriptionActive}}, log)

	return New(Config{
		Store:  db,
		Source: src,
		Alarms: alarms,
		Bus:    b,
		Gate:   gate,
		Cache:  httpcache.New(db, log),
		Token:  func() (string, error) { return token, nil },
		Log:    log,
	})
}

func TestRunFetchSkipsWithoutToken(t *testing.T) {
	db := testutil.NewTestStore(t)
	src := &fakeSource{notifications: []model.Notification{notif("1", "o/r", time.Now())}}
	w := newWorker(t, db, src, bus.New(), "")

	require.NoError(t, w.RunFetch(context.Background()))
	assert.Equal(t, 0, src.fetchCalls)
}

func TestRunFetchStoresNotifications(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)
	src := &fakeSource{notifications: []model.Notification{
		notif("1", "o/r", time.Now()),
		notif("2", "o/r", time.Now()),
	}}
	w := newWorker(t, db, src, bus.New(), "token")

	require.NoError(t, w.RunFetch(ctx))

	snap, err := db.LoadState(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Active, 2)
	require.NotNil(t, snap.LastFetched)
}

func TestRunFetchPreservesSnoozedAndArchived(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	now := time.Now()
	wake := now.Add(time.Hour)
	seed := &store.StateSnapshot{
		Snoozed: []model.SnoozeRecord{{
			Notification: notif("2", "o/r", now),
			SnoozedAt:    now,
			WakeTime:     wake,
			AlarmName:    scheduler.SnoozeAlarmName("2"),
		}},
		Archived: []model.Notification{notif("3", "o/r", now)},
	}
	_, err := db.SaveState(ctx, seed)
	require.NoError(t, err)

	// The fetch returns all three ids; only the one not held elsewhere
	// may land in the active partition.
	src := &fakeSource{notifications: []model.Notification{
		notif("1", "o/r", now),
		notif("2", "o/r", now),
		notif("3", "o/r", now),
	}}
	w := newWorker(t, db, src, bus.New(), "token")

	require.NoError(t, w.RunFetch(ctx))

	snap, err := db.LoadState(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Active, 1)
	assert.Equal(t, "1", snap.Active[0].ID)
	assert.Len(t, snap.Snoozed, 1)
	assert.Len(t, snap.Archived, 1)
}

func TestRunFetchNotModifiedKeepsState(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	seed := &store.StateSnapshot{Active: []model.Notification{notif("1", "o/r", time.Now())}}
	_, err := db.SaveState(ctx, seed)
	require.NoError(t, err)

	src := &fakeSource{err: httpcache.ErrNotModified}
	w := newWorker(t, db, src, bus.New(), "token")

	require.NoError(t, w.RunFetch(ctx))

	snap, err := db.LoadState(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Active, 1)
}

func TestRunFetchPrefersLiveRuleSweep(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	require.NoError(t, db.SaveRule(ctx, model.AutoArchiveRule{
		ID:         "rule-1",
		Kind:       model.RuleKindRepository,
		Repository: "o/r",
		Enabled:    true,
	}))

	b := bus.New()
	sweeps := 0
	b.Subscribe(bus.TopicApplyRules, func(_ context.Context, _ bus.Message) error {
		sweeps++
		return nil
	})

	src := &fakeSource{notifications: []model.Notification{notif("1", "o/r", time.Now())}}
	w := newWorker(t, db, src, b, "token")

	require.NoError(t, w.RunFetch(ctx))
	assert.Equal(t, 1, sweeps)

	// The live receiver handled it; the headless sweep must not have run.
	snap, err := db.LoadState(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Active, 1)
	assert.Empty(t, snap.Archived)
}

func TestHeadlessSweepArchivesAndCreditsRule(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	require.NoError(t, db.SaveRule(ctx, model.AutoArchiveRule{
		ID:         "rule-1",
		Kind:       model.RuleKindRepository,
		Repository: "o/noisy",
		Enabled:    true,
	}))

	src := &fakeSource{notifications: []model.Notification{
		notif("1", "o/noisy", time.Now()),
		notif("2", "o/quiet", time.Now()),
	}}
	w := newWorker(t, db, src, bus.New(), "token")

	// No receiver on the sweep topic, so RunFetch falls through to the
	// headless sweep.
	require.NoError(t, w.RunFetch(ctx))

	snap, err := db.LoadState(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Active, 1)
	assert.Equal(t, "2", snap.Active[0].ID)
	require.Len(t, snap.Archived, 1)
	assert.Equal(t, "1", snap.Archived[0].ID)

	ruleSet, err := db.GetRules(ctx)
	require.NoError(t, err)
	require.Len(t, ruleSet, 1)
	assert.Equal(t, int64(1), ruleSet[0].ArchivedCount)
}

func TestRecoverQueuesMissedWakes(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	now := time.Now()
	seed := &store.StateSnapshot{
		Snoozed: []model.SnoozeRecord{
			{
				Notification: notif("past", "o/r", now),
				SnoozedAt:    now.Add(-2 * time.Hour),
				WakeTime:     now.Add(-time.Hour),
				AlarmName:    scheduler.SnoozeAlarmName("past"),
			},
			{
				Notification: notif("future", "o/r", now),
				SnoozedAt:    now,
				WakeTime:     now.Add(time.Hour),
				AlarmName:    scheduler.SnoozeAlarmName("future"),
			},
		},
	}
	_, err := db.SaveState(ctx, seed)
	require.NoError(t, err)

	src := &fakeSource{}
	w := newWorker(t, db, src, bus.New(), "token")

	require.NoError(t, w.Recover(ctx))

	// The overdue record is queued durably, not re-armed.
	pending, err := db.ListPendingWakes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"past"}, pending)

	pastAlarm, err := w.alarms.Get(ctx, scheduler.SnoozeAlarmName("past"))
	require.NoError(t, err)
	assert.Nil(t, pastAlarm)

	// The future record got its alarm row recreated.
	futureAlarm, err := w.alarms.Get(ctx, scheduler.SnoozeAlarmName("future"))
	require.NoError(t, err)
	require.NotNil(t, futureAlarm)
	assert.WithinDuration(t, now.Add(time.Hour), futureAlarm.FireAt, time.Second)
}

func TestOnAlarmDeliversWakeToReceiver(t *testing.T) {
	db := testutil.NewTestStore(t)
	b := bus.New()

	var woken []string
	b.Subscribe(bus.TopicWake, func(_ context.Context, msg bus.Message) error {
		woken = append(woken, msg.Payload)
		return nil
	})

	w := newWorker(t, db, &fakeSource{}, b, "token")
	w.onAlarm(scheduler.SnoozeAlarmName("42"))

	assert.Equal(t, []string{"42"}, woken)

	pending, err := db.ListPendingWakes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOnAlarmQueuesWakeWithoutReceiver(t *testing.T) {
	db := testutil.NewTestStore(t)
	w := newWorker(t, db, &fakeSource{}, bus.New(), "token")

	w.onAlarm(scheduler.SnoozeAlarmName("42"))

	pending, err := db.ListPendingWakes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, pending)
}

func TestEntitlementTransitionSetsAttentionFlag(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	// Previously validated as Pro.
	require.NoError(t, db.SaveEntitlement(ctx, model.EntitlementRecord{
		IsPro:     true,
		Plan:      "pro",
		Status:    model.SubscriptionActive,
		FetchedAt: time.Now().Add(-2 * time.Hour),
	}))

	log := testutil.Logger()
	provider := &fakeProvider{verdict: &entitlement.Verdict{Paid: true, Plan: "pro", Status: model.SubscriptionPastDue}}

	b := bus.New()
	var transitions []string
	b.Subscribe(bus.TopicEntitlementChanged, func(_ context.Context, msg bus.Message) error {
		transitions = append(transitions, msg.Payload)
		return nil
	})

	w := New(Config{
		Store:  db,
		Source: &fakeSource{},
		Bus:    b,
		Gate:   entitlement.New(db, provider, log),
		Token:  func() (string, error) { return "token", nil },
		Log:    log,
	})

	require.NoError(t, w.RunEntitlementCheck(ctx))

	flag, err := db.GetFlag(ctx, AttentionFlag)
	require.NoError(t, err)
	assert.Equal(t, "active_to_past_due", flag)
	assert.Equal(t, []string{"active_to_past_due"}, transitions)
}

func TestEntitlementNoTransitionNoFlag(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestStore(t)

	require.NoError(t, db.SaveEntitlement(ctx, model.EntitlementRecord{
		IsPro:     true,
		Plan:      "pro",
		Status:    model.SubscriptionActive,
		FetchedAt: time.Now().Add(-2 * time.Hour),
	}))

	log := testutil.Logger()
	provider := &fakeProvider{verdict: &entitlement.Verdict{Paid: true, Plan: "pro", Status: model.SubscriptionActive}}
	w := New(Config{
		Store:  db,
		Source: &fakeSource{},
		Bus:    bus.New(),
		Gate:   entitlement.New(db, provider, log),
		Token:  func() (string, error) { return "token", nil },
		Log:    log,
	})

	require.NoError(t, w.RunEntitlementCheck(ctx))

	flag, err := db.GetFlag(ctx, AttentionFlag)
	require.NoError(t, err)
	assert.Empty(t, flag)
}
