package model

import "time"

// SubjectType identifies the kind of item a notification points at.
type SubjectType string

const (
	SubjectIssue       SubjectType = "Issue"
	SubjectPullRequest SubjectType = "PullRequest"
	SubjectRelease     SubjectType = "Release"
	SubjectDiscussion  SubjectType = "Discussion"
	SubjectCommit      SubjectType = "Commit"
)

// Reason is the provider's explanation for why a notification was delivered.
type Reason string

const (
	ReasonMention         Reason = "mention"
	ReasonTeamMention     Reason = "team_mention"
	ReasonAuthor          Reason = "author"
	ReasonAssign          Reason = "assign"
	ReasonReviewRequested Reason = "review_requested"
	ReasonSecurityAlert   Reason = "security_alert"
	ReasonSubscribed      Reason = "subscribed"
	ReasonManual          Reason = "manual"
	ReasonInvitation      Reason = "invitation"
	ReasonStateChange     Reason = "state_change"
	ReasonComment         Reason = "comment"
)

// Repository describes where a notification originated.
type Repository struct {
	// ID is the provider's numeric repository identifier.
	ID int64 `json:"id"`

	// FullName is the "owner/name" form used for rule matching.
	FullName string `json:"full_name"`

	// Owner is the account that owns the repository.
	Owner string `json:"owner"`

	// AvatarURL points at the owner's avatar image.
	AvatarURL string `json:"avatar_url"`

	// HTMLURL is the repository's web page.
	HTMLURL string `json:"html_url"`
}

// Notification is a single normalized notification record. Its ID is
// opaque but stable across fetches, so it can be used to reconcile
// partition membership between fetch cycles.
type Notification struct {
	// ID is the provider's stable thread identifier.
	ID string `json:"id"`

	// Title is the subject line shown to the user.
	Title string `json:"title"`

	// Type classifies the subject (issue, pull request, release, ...).
	Type SubjectType `json:"type"`

	// Repository is the origin repository descriptor.
	Repository Repository `json:"repository"`

	// Reason is the provider's delivery reason code.
	Reason Reason `json:"reason"`

	// Unread reports whether the provider considers the thread unread.
	Unread bool `json:"unread"`

	// UpdatedAt is the time of the last activity on the thread.
	UpdatedAt time.Time `json:"updated_at"`

	// LastReadAt is when the user last read the thread, if ever.
	LastReadAt *time.Time `json:"last_read_at,omitempty"`

	// APIURL is the canonical API endpoint for the thread.
	APIURL string `json:"api_url"`

	// HTMLURL is the canonical web page for the thread's subject.
	HTMLURL string `json:"html_url"`
}

// MaxSnoozeDuration bounds how far in the future a wake time may be.
const MaxSnoozeDuration = 365 * 24 * time.Hour

// SnoozeRecord wraps a notification that has been temporarily hidden
// until a future wake time.
type SnoozeRecord struct {
	// Notification is the hidden notification, preserved verbatim so
	// waking restores it exactly.
	Notification Notification `json:"notification"`

	// SnoozedAt is when the snooze was created.
	SnoozedAt time.Time `json:"snoozed_at"`

	// WakeTime is when the notification should return to the active set.
	WakeTime time.Time `json:"wake_time"`

	// AlarmName is the scheduler handle used to cancel or locate the
	// associated wake timer.
	AlarmName string `json:"alarm_name"`
}

// Filter selects which reason buckets of the active set are visible.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterMentions Filter = "mentions"
	FilterReviews  Filter = "reviews"
	FilterAssigned Filter = "assigned"
)

// filterReasons maps each non-trivial filter to its reason bucket.
var filterReasons = map[Filter]map[Reason]bool{
	FilterMentions: {
		ReasonMention:     true,
		ReasonTeamMention: true,
		ReasonAuthor:      true,
	},
	FilterReviews: {
		ReasonReviewRequested: true,
	},
	FilterAssigned: {
		ReasonAssign: true,
	},
}

// Includes reports whether a notification with the given reason is
// visible under this filter. FilterAll (and any unknown filter value
// loaded from old persisted state) includes everything.
func (f Filter) Includes(r Reason) bool {
	bucket, ok := filterReasons[f]
	if !ok {
		return true
	}
	return bucket[r]
}

// ValidFilter reports whether f is one of the known filter selections.
func ValidFilter(f Filter) bool {
	switch f {
	case FilterAll, FilterMentions, FilterReviews, FilterAssigned:
		return true
	}
	return false
}
