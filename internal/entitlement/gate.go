// Package entitlement caches the billing provider's paid/free verdict
// and answers feature-gate checks from that cache. Provider outages
// degrade through cache, then a grace window, then the free-tier
// default; the gate check itself never blocks on the network.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/gh-notifier/internal/model"
	"github.com/nhle/gh-notifier/internal/store"
)

// CacheTTL is how long a cached verdict is served without re-validation.
const CacheTTL = time.Hour

// GracePeriod is how long a stale cached verdict keeps winning over the
// free-tier default while the provider is unreachable.
const GracePeriod = 7 * 24 * time.Hour

// Verdict is the billing provider's answer about the current principal.
type Verdict struct {
	Paid     bool
	Plan     string
	Status   model.SubscriptionStatus
	CancelAt *time.Time
}

// Provider is the opaque billing/licensing collaborator.
type Provider interface {
	// GetUser returns the principal's current entitlement.
	GetUser(ctx context.Context) (*Verdict, error)

	// OpenPaymentPage navigates the user to the payment flow.
	OpenPaymentPage(ctx context.Context) error

	// OpenLoginPage navigates the user to the login flow.
	OpenLoginPage(ctx context.Context) error
}

// Gate validates entitlement against the provider and caches the
// verdict durably plus in memory for synchronous feature checks.
type Gate struct {
	db       store.Store
	provider Provider
	log      logrus.FieldLogger
	now      func() time.Time

	mu     sync.Mutex
	cached *model.EntitlementRecord
}

// New creates a gate. Call Prime once at startup so IsEntitled has a
// cache to answer from before the first validation.
func New(db store.Store, provider Provider, log logrus.FieldLogger) *Gate {
	return &Gate{db: db, provider: provider, log: log, now: time.Now}
}

// NewWithClock creates a gate with an injected clock, for tests.
func NewWithClock(db store.Store, provider Provider, log logrus.FieldLogger, now func() time.Time) *Gate {
	g := New(db, provider, log)
	g.now = now
	return g
}

// Prime loads the persisted verdict into memory. Missing or unreadable
// cache is not fatal; the gate simply answers free-tier until the first
// successful validation.
func (g *Gate) Prime(ctx context.Context) {
	rec, err := g.db.GetEntitlement(ctx)
	if err != nil {
		g.log.WithError(err).Warn("loading cached entitlement failed")
		return
	}
	g.mu.Lock()
	g.cached = rec
	g.mu.Unlock()
}

// Validate returns the current entitlement verdict. A fresh cached
// record short-circuits unless force is set; otherwise the provider is
// consulted and the cache updated. If the provider fails, a cached
// record inside the grace window is returned in preference to the
// free-tier default: stale-but-present beats wrongly-free.
func (g *Gate) Validate(ctx context.Context, force bool) model.EntitlementRecord {
	now := g.now()

	g.mu.Lock()
	cached := g.cached
	g.mu.Unlock()

	if !force && cached != nil && now.Sub(cached.FetchedAt) <= CacheTTL {
		return *cached
	}

	verdict, err := g.getUser(ctx)
	if err == nil && verdict != nil {
		rec := model.EntitlementRecord{
			IsPro:     verdict.Paid,
			Plan:      verdict.Plan,
			Status:    verdict.Status,
			CancelAt:  verdict.CancelAt,
			FetchedAt: now,
		}
		if saveErr := g.db.SaveEntitlement(ctx, rec); saveErr != nil {
			g.log.WithError(saveErr).Warn("persisting entitlement verdict failed")
		}
		g.mu.Lock()
		g.cached = &rec
		g.mu.Unlock()
		return rec
	}

	g.log.WithError(err).Warn("entitlement provider unavailable, falling back to cache")

	if cached == nil {
		if rec, loadErr := g.db.GetEntitlement(ctx); loadErr == nil {
			cached = rec
			g.mu.Lock()
			g.cached = rec
			g.mu.Unlock()
		}
	}

	if cached != nil && now.Sub(cached.FetchedAt) <= GracePeriod {
		return *cached
	}

	// Beyond the grace window the principal is treated as free, but the
	// stale cache is kept: the next successful fetch overwrites it.
	return model.FreeTierRecord(now)
}

// getUser consults the billing provider. A missing provider degrades
// exactly like an unreachable one, so a cached verdict keeps its grace
// window.
func (g *Gate) getUser(ctx context.Context) (*Verdict, error) {
	if g.provider == nil {
		return nil, errors.New("no billing provider configured")
	}
	return g.provider.GetUser(ctx)
}

// IsEntitled reports whether the principal may use a paid feature. It
// answers synchronously from the in-memory cache; the async refresh
// path updates the cache but never blocks this check.
func (g *Gate) IsEntitled(feature string) bool {
	_ = feature // all paid features share one boolean gate
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cached != nil && g.cached.IsPro
}

// Transition describes a status change between two verdicts, e.g.
// "active_to_past_due". It returns "" when nothing noteworthy changed.
func Transition(old *model.EntitlementRecord, current model.EntitlementRecord) string {
	if old == nil {
		if current.IsPro {
			return "free_to_pro"
		}
		return ""
	}
	if old.Status != current.Status {
		return fmt.Sprintf("%s_to_%s", old.Status, current.Status)
	}
	if old.IsPro != current.IsPro {
		if current.IsPro {
			return "free_to_pro"
		}
		return "pro_to_free"
	}
	return ""
}
