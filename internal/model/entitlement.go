package model

import "time"

// SubscriptionStatus is the billing provider's view of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// EntitlementRecord caches the billing provider's verdict about the
// current principal. A stale-but-present record is always preferred over
// treating the user as free on a transient provider error.
type EntitlementRecord struct {
	// IsPro reports whether the principal is on the paid tier.
	IsPro bool `json:"is_pro"`

	// Plan is the provider's plan descriptor (e.g. "monthly", "yearly").
	Plan string `json:"plan"`

	// Status is the subscription status at fetch time.
	Status SubscriptionStatus `json:"status"`

	// CancelAt is the scheduled cancellation date, if any.
	CancelAt *time.Time `json:"cancel_at,omitempty"`

	// FetchedAt is when this record was obtained from the provider.
	FetchedAt time.Time `json:"fetched_at"`
}

// FreeTierRecord returns the default record used when no cached verdict
// is available or the grace window has lapsed.
func FreeTierRecord(now time.Time) EntitlementRecord {
	return EntitlementRecord{
		IsPro:     false,
		Plan:      "free",
		Status:    SubscriptionCanceled,
		FetchedAt: now,
	}
}
