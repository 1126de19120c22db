// Package scheduler provides persisted one-shot alarms: named timers
// that survive process restart because they are re-derived from durable
// rows, not from any in-memory timer table.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/gh-notifier/internal/store"
)

// snoozePrefix namespaces the wake alarms owned by snoozed notifications.
const snoozePrefix = "snooze:"

// SnoozeAlarmName derives the deterministic alarm name for a
// notification id, so re-snoozing the same id addresses the same timer.
func SnoozeAlarmName(notificationID string) string {
	return snoozePrefix + notificationID
}

// SnoozeNotificationID extracts the notification id from a snooze alarm
// name. The second return is false for alarms with other owners.
func SnoozeNotificationID(name string) (string, bool) {
	if !strings.HasPrefix(name, snoozePrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, snoozePrefix), true
}

// FireFunc is invoked when an alarm fires, keyed by alarm name.
type FireFunc func(name string)

// Alarms owns the in-memory timers backing the persisted alarm rows.
// The rows are authoritative: Reconcile converges timers with rows at
// startup, and a fired alarm deletes its row.
type Alarms struct {
	db  store.Store
	log logrus.FieldLogger
	now func() time.Time

	mu      sync.Mutex
	fire    FireFunc
	timers  map[string]*time.Timer
	stopped bool
}

// New creates an alarm scheduler. Call OnFire before scheduling.
func New(db store.Store, log logrus.FieldLogger) *Alarms {
	return &Alarms{
		db:     db,
		log:    log,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

// NewWithClock creates an alarm scheduler with an injected clock, for tests.
func NewWithClock(db store.Store, log logrus.FieldLogger, now func() time.Time) *Alarms {
	a := New(db, log)
	a.now = now
	return a
}

// OnFire registers the callback invoked when any alarm fires.
func (a *Alarms) OnFire(fn FireFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fire = fn
}

// ScheduleAt persists an alarm and arms its timer. Scheduling an
// existing name replaces both the row and the timer.
func (a *Alarms) ScheduleAt(ctx context.Context, name string, at time.Time) error {
	if err := a.db.UpsertAlarm(ctx, name, at); err != nil {
		return fmt.Errorf("persisting alarm %q: %w", name, err)
	}

	a.armTimer(name, at)
	return nil
}

// Cancel removes an alarm's row and stops its timer. Cancelling an
// unknown name is not an error.
func (a *Alarms) Cancel(ctx context.Context, name string) error {
	if err := a.db.DeleteAlarm(ctx, name); err != nil {
		return fmt.Errorf("removing alarm %q: %w", name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if timer, ok := a.timers[name]; ok {
		timer.Stop()
		delete(a.timers, name)
	}
	return nil
}

// Get returns the persisted alarm with the given name, or nil.
func (a *Alarms) Get(ctx context.Context, name string) (*store.Alarm, error) {
	return a.db.GetAlarm(ctx, name)
}

// Reconcile converges in-memory timers with the persisted alarm rows.
// Future rows get (re)armed timers; rows whose fire time has already
// passed fire immediately instead of waiting for a past instant. Safe
// to call repeatedly; intended for process startup.
func (a *Alarms) Reconcile(ctx context.Context) error {
	alarms, err := a.db.ListAlarms(ctx)
	if err != nil {
		return fmt.Errorf("listing persisted alarms: %w", err)
	}

	known := make(map[string]bool, len(alarms))
	now := a.now()

	for _, alarm := range alarms {
		known[alarm.Name] = true
		if !alarm.FireAt.After(now) {
			a.log.WithFields(logrus.Fields{
				"alarm":   alarm.Name,
				"fire_at": alarm.FireAt,
			}).Info("firing alarm missed during downtime")
			a.fired(alarm.Name)
			continue
		}
		a.armTimer(alarm.Name, alarm.FireAt)
	}

	// Drop timers whose rows disappeared underneath us.
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, timer := range a.timers {
		if !known[name] {
			timer.Stop()
			delete(a.timers, name)
		}
	}

	return nil
}

// Stop silences all in-memory timers. Persisted rows remain, so a
// subsequent Reconcile restores them.
func (a *Alarms) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for name, timer := range a.timers {
		timer.Stop()
		delete(a.timers, name)
	}
}

// ScheduleWake schedules the wake alarm for a snoozed notification.
func (a *Alarms) ScheduleWake(ctx context.Context, notificationID string, wakeTime time.Time) error {
	return a.ScheduleAt(ctx, SnoozeAlarmName(notificationID), wakeTime)
}

// CancelWake cancels the wake alarm for a snoozed notification.
func (a *Alarms) CancelWake(ctx context.Context, notificationID string) error {
	return a.Cancel(ctx, SnoozeAlarmName(notificationID))
}

// armTimer replaces the in-memory timer for name.
func (a *Alarms) armTimer(name string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}

	if existing, ok := a.timers[name]; ok {
		existing.Stop()
	}

	delay := at.Sub(a.now())
	if delay < 0 {
		delay = 0
	}
	a.timers[name] = time.AfterFunc(delay, func() {
		a.fired(name)
	})
}

// fired handles an alarm firing: the one-shot row is deleted and the
// callback is invoked with the alarm name.
func (a *Alarms) fired(name string) {
	a.mu.Lock()
	delete(a.timers, name)
	fire := a.fire
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.db.DeleteAlarm(ctx, name); err != nil {
		a.log.WithError(err).WithField("alarm", name).Warn("removing fired alarm row failed")
	}

	if fire != nil {
		fire(name)
	}
}
