// Package app assembles the notification client: durable store,
// conditional-fetch cache, GitHub source, wake alarms, message bus,
// entitlement gate, in-memory state, and the background worker. It owns
// startup order and graceful shutdown; the pieces themselves stay
// independent.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/gh-notifier/internal/bus"
	"github.com/nhle/gh-notifier/internal/credential"
	"github.com/nhle/gh-notifier/internal/entitlement"
	"github.com/nhle/gh-notifier/internal/httpcache"
	"github.com/nhle/gh-notifier/internal/model"
	"github.com/nhle/gh-notifier/internal/rules"
	"github.com/nhle/gh-notifier/internal/scheduler"
	"github.com/nhle/gh-notifier/internal/source/github"
	"github.com/nhle/gh-notifier/internal/state"
	"github.com/nhle/gh-notifier/internal/store"
	"github.com/nhle/gh-notifier/internal/worker"
)

// App holds the wired components for one running instance.
type App struct {
	Config *model.AppConfig
	Store  *store.SQLiteStore
	Cache  *httpcache.Cache
	Alarms *scheduler.Alarms
	Bus    *bus.Bus
	Gate   *entitlement.Gate
	Rules  *rules.Manager
	State  *state.Store
	Worker *worker.Worker

	log         logrus.FieldLogger
	unsubscribe []func()
}

// Options overrides defaults for tests and alternate deployments.
type Options struct {
	ConfigPath   string
	DatabasePath string

	// Billing is the entitlement provider. Nil disables paid features
	// without disabling the rest of the client.
	Billing entitlement.Provider

	Log logrus.FieldLogger
}

// New wires the application. Nothing starts running until Start.
func New(opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.InfoLevel)
		log = l
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = model.DefaultConfigPath()
	}

	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	dbPath := opts.DatabasePath
	if dbPath == "" {
		dbPath = model.DefaultDatabasePath()
	}

	db, err := store.NewSQLiteStore(dbPath, log)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	cache := httpcache.New(db, log)
	alarms := scheduler.New(db, log)
	b := bus.New()
	gate := entitlement.New(db, opts.Billing, log)
	ruleMgr := rules.NewManager(db, log)

	token, err := credential.GetToken()
	if err != nil {
		log.WithError(err).Warn("reading stored token failed, starting unauthenticated")
		token = ""
	}
	src := github.NewAdapter(cfg.API.BaseURL, token, cfg.API.PageSize, cache)

	st := state.New(db, alarms, log)

	w := worker.New(worker.Config{
		Store:               db,
		Source:              src,
		Alarms:              alarms,
		Bus:                 b,
		Gate:                gate,
		Cache:               cache,
		Token:               credential.GetToken,
		Log:                 log,
		FetchInterval:       time.Duration(cfg.Poll.FetchIntervalSec) * time.Second,
		EntitlementInterval: time.Duration(cfg.Poll.EntitlementIntervalSec) * time.Second,
	})

	return &App{
		Config: cfg,
		Store:  db,
		Cache:  cache,
		Alarms: alarms,
		Bus:    b,
		Gate:   gate,
		Rules:  ruleMgr,
		State:  st,
		Worker: w,
		log:    log,
	}, nil
}

// Start loads durable state, attaches the live message handlers, primes
// the entitlement cache, recovers pending timers, and launches the
// background worker.
func (a *App) Start(ctx context.Context) error {
	if err := a.State.Load(ctx); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	a.State.SetFilter(ctx, model.Filter(a.Config.Display.Filter))
	a.State.StartWatching()

	a.Gate.Prime(ctx)

	a.attachHandlers()

	if err := a.Worker.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	// Timers that fired while no process was running have left queued
	// wake-ups behind; fold them back into the active set now.
	a.State.DrainPendingWakeups(ctx)

	return nil
}

// attachHandlers subscribes the live state store to the worker's bus
// topics so background events take the in-memory path while this
// instance is running.
func (a *App) attachHandlers() {
	a.unsubscribe = append(a.unsubscribe,
		a.Bus.Subscribe(bus.TopicWake, func(ctx context.Context, msg bus.Message) error {
			a.State.WakeNotification(ctx, msg.Payload)
			return nil
		}),
		a.Bus.Subscribe(bus.TopicApplyRules, func(ctx context.Context, _ bus.Message) error {
			return a.applyRules(ctx)
		}),
		a.Bus.Subscribe(bus.TopicEntitlementChanged, func(_ context.Context, msg bus.Message) error {
			a.log.WithField("transition", msg.Payload).Info("subscription status changed")
			return nil
		}),
	)
}

// applyRules runs the auto-archive sweep against the in-memory active
// set and records per-rule statistics.
func (a *App) applyRules(ctx context.Context) error {
	ruleSet, err := a.Store.GetRules(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if len(ruleSet) == 0 {
		return nil
	}

	matches := a.State.ApplyRules(ctx, ruleSet)
	for ruleID, ids := range matches {
		if err := a.Store.AddRuleArchived(ctx, ruleID, len(ids)); err != nil {
			a.log.WithError(err).WithField("rule", ruleID).Warn("updating rule statistics failed")
		}
	}
	return nil
}

// Stop shuts the instance down: the worker loop first, then the live
// handlers, then the in-process timers, then the database. Persisted
// alarm rows survive for the next start's recovery.
func (a *App) Stop() error {
	a.Worker.Stop()

	for _, un := range a.unsubscribe {
		un()
	}
	a.unsubscribe = nil

	a.Alarms.Stop()

	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}
