// Package worker runs the headless background jobs: periodic
// notification fetches, hourly entitlement re-validation, and the wake
// alarms for snoozed notifications. It never keeps state between runs
// that matters; everything it needs is re-read from durable storage at
// each tick, so being suspended between ticks is harmless.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/gh-notifier/internal/bus"
	"github.com/nhle/gh-notifier/internal/entitlement"
	"github.com/nhle/gh-notifier/internal/httpcache"
	"github.com/nhle/gh-notifier/internal/model"
	"github.com/nhle/gh-notifier/internal/rules"
	"github.com/nhle/gh-notifier/internal/scheduler"
	"github.com/nhle/gh-notifier/internal/source"
	"github.com/nhle/gh-notifier/internal/store"
)

// AttentionFlag is the durable flag set when the subscription status
// changes while no UI is open; the next UI open surfaces it.
const AttentionFlag = "entitlement_attention"

// casRetries bounds how often a conditional state write is retried
// after losing a race with the foreground.
const casRetries = 3

// jobTimeout bounds a single background job run.
const jobTimeout = 60 * time.Second

// TokenFunc returns the stored API credential, or "" when the user has
// not connected an account yet.
type TokenFunc func() (string, error)

// Config carries the worker's collaborators and intervals.
type Config struct {
	Store  store.Store
	Source source.Source
	Alarms *scheduler.Alarms
	Bus    *bus.Bus
	Gate   *entitlement.Gate
	Cache  *httpcache.Cache
	Token  TokenFunc
	Log    logrus.FieldLogger
	Now    func() time.Time

	FetchInterval       time.Duration
	EntitlementInterval time.Duration
}

// Worker owns the background job loop.
type Worker struct {
	db     store.Store
	src    source.Source
	alarms *scheduler.Alarms
	bus    *bus.Bus
	gate   *entitlement.Gate
	cache  *httpcache.Cache
	token  TokenFunc
	log    logrus.FieldLogger
	now    func() time.Time

	fetchInterval       time.Duration
	entitlementInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	triggerCh chan struct{}
}

// New creates a worker from its configuration.
func New(cfg Config) *Worker {
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 120 * time.Second
	}
	if cfg.EntitlementInterval <= 0 {
		cfg.EntitlementInterval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Worker{
		db:                  cfg.Store,
		src:                 cfg.Source,
		alarms:              cfg.Alarms,
		bus:                 cfg.Bus,
		gate:                cfg.Gate,
		cache:               cfg.Cache,
		token:               cfg.Token,
		log:                 cfg.Log,
		now:                 cfg.Now,
		fetchInterval:       cfg.FetchInterval,
		entitlementInterval: cfg.EntitlementInterval,
		triggerCh:           make(chan struct{}, 1),
	}
}

// Start performs the startup reconciliation and launches the job loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	if w.alarms != nil {
		w.alarms.OnFire(w.onAlarm)
	}

	if err := w.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	go w.loop(stopCh)
	return nil
}

// Stop halts the job loop. Alarms keep their persisted rows.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	w.running = false
}

// TriggerFetch requests an immediate fetch outside the periodic schedule.
func (w *Worker) TriggerFetch() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
		// A fetch is already queued.
	}
}

// loop drives the periodic jobs until stopped.
func (w *Worker) loop(stopCh chan struct{}) {
	fetchTicker := time.NewTicker(w.fetchInterval)
	defer fetchTicker.Stop()

	entitlementTicker := time.NewTicker(w.entitlementInterval)
	defer entitlementTicker.Stop()

	// Initial fetch right away; the entitlement job waits a full period.
	w.runJob(w.RunFetch)

	for {
		select {
		case <-stopCh:
			return
		case <-fetchTicker.C:
			w.runJob(w.RunFetch)
		case <-w.triggerCh:
			w.runJob(w.RunFetch)
		case <-entitlementTicker.C:
			w.runJob(w.RunEntitlementCheck)
		}
	}
}

// runJob runs one job with a bounded context, logging instead of
// propagating failures: nothing in the background loop may crash it.
func (w *Worker) runJob(job func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := job(ctx); err != nil {
		w.log.WithError(err).Warn("background job failed, will retry next period")
	}
}

// Recover reconciles timers with durable state after a process start:
// the alarm primitive re-arms its persisted rows, then every snooze
// record is checked — future wake times get a timer if the row was
// lost, past wake times are queued as pending wake-ups immediately
// instead of waiting on a timer that can never fire.
func (w *Worker) Recover(ctx context.Context) error {
	if w.alarms != nil {
		if err := w.alarms.Reconcile(ctx); err != nil {
			return fmt.Errorf("reconciling alarms: %w", err)
		}
	}

	snap, err := w.db.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("loading state for snooze recovery: %w", err)
	}

	now := w.now()
	for _, rec := range snap.Snoozed {
		id := rec.Notification.ID

		if !rec.WakeTime.After(now) {
			if err := w.db.EnqueuePendingWake(ctx, id); err != nil {
				w.log.WithError(err).WithField("id", id).Warn("queueing missed wake failed")
			}
			// Drop any leftover alarm row so Reconcile on the next start
			// does not fire it again.
			if w.alarms != nil {
				if err := w.alarms.Cancel(ctx, rec.AlarmName); err != nil {
					w.log.WithError(err).WithField("alarm", rec.AlarmName).Warn("removing stale alarm failed")
				}
			}
			continue
		}

		if w.alarms == nil {
			continue
		}
		alarm, err := w.alarms.Get(ctx, rec.AlarmName)
		if err != nil {
			w.log.WithError(err).WithField("alarm", rec.AlarmName).Warn("checking wake alarm failed")
			continue
		}
		if alarm == nil {
			if err := w.alarms.ScheduleAt(ctx, rec.AlarmName, rec.WakeTime); err != nil {
				w.log.WithError(err).WithField("alarm", rec.AlarmName).Warn("recreating wake alarm failed")
			}
		}
	}

	return nil
}

// RunFetch performs one background fetch cycle. With no stored
// credential it skips silently; transient errors are logged and left
// for the next tick.
func (w *Worker) RunFetch(ctx context.Context) error {
	token, err := w.token()
	if err != nil || token == "" {
		// Not configured yet; this is a normal state, not an error.
		w.log.Debug("no stored credential, skipping fetch")
		return nil
	}

	notifications, err := w.src.FetchNotifications(ctx)
	if err != nil {
		if errors.Is(err, httpcache.ErrNotModified) {
			w.log.Debug("notifications unchanged, reusing stored state")
			return nil
		}
		if source.IsAuthError(err) {
			w.log.WithError(err).Warn("credential rejected by provider")
			return nil
		}
		return fmt.Errorf("fetching notifications: %w", err)
	}

	if err := w.writeFetched(ctx, notifications); err != nil {
		return err
	}

	if w.cache != nil {
		w.cache.Cleanup(ctx)
	}

	// Prefer letting a live UI run the sweep so its in-memory state
	// stays consistent; fall back to the headless sweep.
	result := w.bus.Send(ctx, bus.Message{Topic: bus.TopicApplyRules})
	if result.Outcome != bus.Delivered {
		if result.Err != nil {
			w.log.WithError(result.Err).Warn("UI rule sweep failed, running headless sweep")
		}
		return w.ApplyRulesHeadless(ctx)
	}
	return nil
}

// writeFetched merges fetched notifications into durable state. The
// latest snapshot is re-read immediately before each write attempt and
// the write is conditional on its sequence number, so a concurrent
// foreground edit loses nothing.
func (w *Worker) writeFetched(ctx context.Context, notifications []model.Notification) error {
	for attempt := 0; attempt <= casRetries; attempt++ {
		snap, err := w.db.LoadState(ctx)
		if err != nil {
			return fmt.Errorf("reading state before write: %w", err)
		}

		elsewhere := make(map[string]bool, len(snap.Snoozed)+len(snap.Archived))
		for _, rec := range snap.Snoozed {
			elsewhere[rec.Notification.ID] = true
		}
		for _, n := range snap.Archived {
			elsewhere[n.ID] = true
		}

		active := make([]model.Notification, 0, len(notifications))
		for _, n := range notifications {
			if elsewhere[n.ID] {
				continue
			}
			active = append(active, n)
		}

		now := w.now()
		snap.Active = active
		snap.LastFetched = &now

		_, ok, err := w.db.CompareAndSwapState(ctx, snap.Seq, snap)
		if err != nil {
			return fmt.Errorf("writing fetched state: %w", err)
		}
		if ok {
			w.log.WithField("count", len(active)).Debug("stored fetched notifications")
			return nil
		}
	}

	return fmt.Errorf("writing fetched state: lost %d races with a concurrent writer", casRetries+1)
}

// ApplyRulesHeadless runs the auto-archive sweep directly against
// durable state, for when no UI is listening. Archived notifications
// move partitions and each credited rule's statistic is incremented.
func (w *Worker) ApplyRulesHeadless(ctx context.Context) error {
	ruleSet, err := w.db.GetRules(ctx)
	if err != nil {
		return fmt.Errorf("loading rules for sweep: %w", err)
	}
	if len(ruleSet) == 0 {
		return nil
	}

	for attempt := 0; attempt <= casRetries; attempt++ {
		snap, err := w.db.LoadState(ctx)
		if err != nil {
			return fmt.Errorf("reading state before sweep: %w", err)
		}

		result := rules.Apply(snap.Active, ruleSet, w.now())
		if len(result.ToArchive) == 0 {
			return nil
		}

		snap.Active = result.ToKeep
		snap.Archived = append(snap.Archived, result.ToArchive...)

		_, ok, err := w.db.CompareAndSwapState(ctx, snap.Seq, snap)
		if err != nil {
			return fmt.Errorf("writing sweep result: %w", err)
		}
		if !ok {
			continue
		}

		for ruleID, ids := range result.MatchesByRule {
			if err := w.db.AddRuleArchived(ctx, ruleID, len(ids)); err != nil {
				w.log.WithError(err).WithField("rule", ruleID).Warn("updating rule statistics failed")
			}
		}

		w.log.WithField("archived", len(result.ToArchive)).Info("auto-archived notifications")
		return nil
	}

	return fmt.Errorf("sweep: lost %d races with a concurrent writer", casRetries+1)
}

// RunEntitlementCheck re-validates entitlement with a forced refresh
// and, on a status transition, durably flags it for the next UI open
// and attempts a live notification.
func (w *Worker) RunEntitlementCheck(ctx context.Context) error {
	previous, err := w.db.GetEntitlement(ctx)
	if err != nil {
		w.log.WithError(err).Warn("reading previous entitlement failed")
		previous = nil
	}

	current := w.gate.Validate(ctx, true)

	transition := entitlement.Transition(previous, current)
	if transition == "" {
		return nil
	}

	w.log.WithField("transition", transition).Info("subscription status changed")

	if err := w.db.SetFlag(ctx, AttentionFlag, transition); err != nil {
		w.log.WithError(err).Warn("setting attention flag failed")
	}

	result := w.bus.Send(ctx, bus.Message{
		Topic:   bus.TopicEntitlementChanged,
		Payload: transition,
	})
	if result.Outcome == bus.Error {
		w.log.WithError(result.Err).Warn("notifying UI of entitlement change failed")
	}
	return nil
}

// onAlarm handles a fired alarm. Snooze alarms try a live "wake this
// id" notification first and queue the id durably when no UI answers.
func (w *Worker) onAlarm(name string) {
	id, ok := scheduler.SnoozeNotificationID(name)
	if !ok {
		w.log.WithField("alarm", name).Warn("ignoring alarm with unknown owner")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result := w.bus.Send(ctx, bus.Message{Topic: bus.TopicWake, Payload: id})
	if result.Outcome == bus.Delivered {
		return
	}
	if result.Err != nil {
		w.log.WithError(result.Err).WithField("id", id).Warn("live wake failed, queueing durably")
	}

	if err := w.db.EnqueuePendingWake(ctx, id); err != nil {
		w.log.WithError(err).WithField("id", id).Error("queueing wake failed, notification stays snoozed until next recovery")
	}
}
