package model

import "time"

// RuleKind identifies which condition an auto-archive rule evaluates.
type RuleKind string

const (
	// RuleKindRepository matches on the exact repository full name.
	RuleKindRepository RuleKind = "repository"

	// RuleKindAgeThreshold matches notifications whose last activity is
	// older than a number of days.
	RuleKindAgeThreshold RuleKind = "age_threshold"

	// RuleKindReasonSet matches notifications whose reason code is in a
	// configured set.
	RuleKindReasonSet RuleKind = "reason_set"
)

// AutoArchiveRule is a user-authored condition that moves matching
// notifications straight to the archived partition during a sweep.
type AutoArchiveRule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"id"`

	// Kind selects which of the parameter fields below applies.
	Kind RuleKind `json:"kind"`

	// Repository is the "owner/name" to match (RuleKindRepository).
	Repository string `json:"repository,omitempty"`

	// ThresholdDays is the age cutoff in days (RuleKindAgeThreshold).
	ThresholdDays int `json:"threshold_days,omitempty"`

	// Reasons is the reason set to match (RuleKindReasonSet).
	Reasons []Reason `json:"reasons,omitempty"`

	// Enabled controls whether the rule participates in sweeps.
	Enabled bool `json:"enabled"`

	// ArchivedCount is the cumulative number of notifications this rule
	// has archived. It only ever increases.
	ArchivedCount int64 `json:"archived_count"`

	// CreatedAt is when the rule was authored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the rule was last edited.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasReason reports whether r is in the rule's configured reason set.
func (a *AutoArchiveRule) HasReason(r Reason) bool {
	for _, candidate := range a.Reasons {
		if candidate == r {
			return true
		}
	}
	return false
}
