// Package rules evaluates user-authored auto-archive rules against
// notifications. Everything here is pure: no I/O, no clock reads.
package rules

import (
	"time"

	"github.com/nhle/gh-notifier/internal/model"
)

// Matches reports whether a single notification satisfies a rule at the
// given instant. Disabled rules never match, regardless of parameters.
func Matches(n model.Notification, rule model.AutoArchiveRule, now time.Time) bool {
	if !rule.Enabled {
		return false
	}

	switch rule.Kind {
	case model.RuleKindRepository:
		return rule.Repository != "" && n.Repository.FullName == rule.Repository
	case model.RuleKindAgeThreshold:
		if rule.ThresholdDays <= 0 {
			return false
		}
		threshold := time.Duration(rule.ThresholdDays) * 24 * time.Hour
		return now.Sub(n.UpdatedAt) > threshold
	case model.RuleKindReasonSet:
		return rule.HasReason(n.Reason)
	}

	return false
}

// Result is the outcome of applying a rule set to a batch of notifications.
type Result struct {
	// ToArchive holds notifications that matched at least one enabled
	// rule. Each notification appears at most once, no matter how many
	// rules matched it.
	ToArchive []model.Notification

	// ToKeep holds the notifications that matched no enabled rule.
	ToKeep []model.Notification

	// MatchesByRule maps rule id to the ids of notifications credited to
	// that rule for statistics. Credit goes to the first matching rule in
	// the supplied order.
	MatchesByRule map[string][]string
}

// Apply partitions notifications into those to archive and those to
// keep. Rules are evaluated in the order supplied; the first matching
// rule gets statistic credit, but a notification is archived exactly
// once regardless of how many rules matched it.
func Apply(notifications []model.Notification, ruleSet []model.AutoArchiveRule, now time.Time) Result {
	result := Result{
		MatchesByRule: make(map[string][]string),
	}

	for _, n := range notifications {
		matched := false
		for _, rule := range ruleSet {
			if !Matches(n, rule, now) {
				continue
			}
			matched = true
			result.MatchesByRule[rule.ID] = append(result.MatchesByRule[rule.ID], n.ID)
			break
		}

		if matched {
			result.ToArchive = append(result.ToArchive, n)
		} else {
			result.ToKeep = append(result.ToKeep, n)
		}
	}

	return result
}
