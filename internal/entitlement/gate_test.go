package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/gh-notifier/internal/model"
	"github.com/nhle/gh-notifier/tests/testutil"
)

// fakeProvider returns a scripted verdict or error and counts calls.
type fakeProvider struct {
	verdict *Verdict
	err     error
	calls   int
}

func (p *fakeProvider) GetUser(ctx context.Context) (*Verdict, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.verdict, nil
}

func (p *fakeProvider) OpenPaymentPage(ctx context.Context) error { return nil }
func (p *fakeProvider) OpenLoginPage(ctx context.Context) error   { return nil }

func proVerdict() *Verdict {
	return &Verdict{Paid: true, Plan: "yearly", Status: model.SubscriptionActive}
}

func TestValidateCachesFreshVerdict(t *testing.T) {
	db := testutil.NewTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	provider := &fakeProvider{verdict: proVerdict()}
	gate := NewWithClock(db, provider, testutil.Logger(), func() time.Time { return now })

	rec := gate.Validate(ctx, false)
	assert.True(t, rec.IsPro)
	assert.Equal(t, 1, provider.calls)

	// Within the TTL the provider is not consulted again.
	now = now.Add(30 * time.Minute)
	rec = gate.Validate(ctx, false)
	assert.True(t, rec.IsPro)
	assert.Equal(t, 1, provider.calls)

	// A forced refresh always goes to the provider.
	gate.Validate(ctx, true)
	assert.Equal(t, 2, provider.calls)
}

func TestValidateGracePeriodPrefersStaleCache(t *testing.T) {
	db := testutil.NewTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)

	// Cached Pro verdict fetched 3 days ago.
	require.NoError(t, db.SaveEntitlement(ctx, model.EntitlementRecord{
		IsPro:     true,
		Plan:      "yearly",
		Status:    model.SubscriptionActive,
		FetchedAt: now.Add(-3 * 24 * time.Hour),
	}))

	provider := &fakeProvider{err: errors.New("billing provider down")}
	gate := NewWithClock(db, provider, testutil.Logger(), func() time.Time { return now })
	gate.Prime(ctx)

	rec := gate.Validate(ctx, true)
	assert.True(t, rec.IsPro, "stale cached Pro inside the grace window must win over free default")
	assert.Equal(t, model.SubscriptionActive, rec.Status)
}

func TestValidateBeyondGraceFallsBackToFree(t *testing.T) {
	db := testutil.NewTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.SaveEntitlement(ctx, model.EntitlementRecord{
		IsPro:     true,
		Plan:      "yearly",
		Status:    model.SubscriptionActive,
		FetchedAt: now.Add(-8 * 24 * time.Hour),
	}))

	provider := &fakeProvider{err: errors.New("billing provider down")}
	gate := NewWithClock(db, provider, testutil.Logger(), func() time.Time { return now })
	gate.Prime(ctx)

	rec := gate.Validate(ctx, true)
	assert.False(t, rec.IsPro)
	assert.Equal(t, "free", rec.Plan)

	// The stale cache is preserved for a later provider recovery.
	cached, err := db.GetEntitlement(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.IsPro)
}

func TestValidateWithoutProviderKeepsCachedVerdict(t *testing.T) {
	db := testutil.NewTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.SaveEntitlement(ctx, model.EntitlementRecord{
		IsPro:     true,
		Plan:      "yearly",
		Status:    model.SubscriptionActive,
		FetchedAt: now.Add(-3 * 24 * time.Hour),
	}))

	// No billing integration wired at all; the cached Pro verdict still
	// carries through its grace window.
	gate := NewWithClock(db, nil, testutil.Logger(), func() time.Time { return now })
	gate.Prime(ctx)

	rec := gate.Validate(ctx, true)
	assert.True(t, rec.IsPro)
	assert.Equal(t, model.SubscriptionActive, rec.Status)

	// Beyond the grace window the free default takes over.
	later := NewWithClock(db, nil, testutil.Logger(), func() time.Time { return now.Add(10 * 24 * time.Hour) })
	later.Prime(ctx)
	rec = later.Validate(ctx, true)
	assert.False(t, rec.IsPro)
	assert.Equal(t, "free", rec.Plan)
}

func TestIsEntitledAnswersFromCache(t *testing.T) {
	db := testutil.NewTestStore(t)
	ctx := context.Background()

	provider := &fakeProvider{verdict: proVerdict()}
	gate := New(db, provider, testutil.Logger())

	assert.False(t, gate.IsEntitled("custom-rules"))

	gate.Validate(ctx, false)
	assert.True(t, gate.IsEntitled("custom-rules"))

	// The gate check never consults the provider.
	calls := provider.calls
	gate.IsEntitled("custom-rules")
	assert.Equal(t, calls, provider.calls)
}

func TestTransition(t *testing.T) {
	active := model.EntitlementRecord{IsPro: true, Status: model.SubscriptionActive}
	pastDue := model.EntitlementRecord{IsPro: true, Status: model.SubscriptionPastDue}
	canceled := model.EntitlementRecord{IsPro: false, Status: model.SubscriptionCanceled}

	assert.Equal(t, "active_to_past_due", Transition(&active, pastDue))
	assert.Equal(t, "active_to_canceled", Transition(&active, canceled))
	assert.Equal(t, "canceled_to_active", Transition(&canceled, active))
	assert.Equal(t, "", Transition(&active, active))
	assert.Equal(t, "free_to_pro", Transition(nil, active))
	assert.Equal(t, "", Transition(nil, canceled))
}
