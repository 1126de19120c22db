package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/gh-notifier/internal/model"
	"github.com/nhle/gh-notifier/internal/store"
)

// Manager owns the auto-archive rule lifecycle: validation, identifier
// assignment, and persistence.
type Manager struct {
	db  store.Store
	log logrus.FieldLogger
	now func() time.Time
}

// NewManager creates a rule manager.
func NewManager(db store.Store, log logrus.FieldLogger) *Manager {
	return &Manager{db: db, log: log, now: time.Now}
}

// Create validates the rule, assigns an identifier if it has none, and
// persists it. The stored rule is returned.
func (m *Manager) Create(ctx context.Context, rule model.AutoArchiveRule) (model.AutoArchiveRule, error) {
	if err := validate(rule); err != nil {
		return model.AutoArchiveRule{}, err
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := m.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.ArchivedCount = 0

	if err := m.db.SaveRule(ctx, rule); err != nil {
		return model.AutoArchiveRule{}, fmt.Errorf("saving rule: %w", err)
	}
	return rule, nil
}

// Update validates and replaces an existing rule. The creation time and
// archived counter of the stored rule are preserved.
func (m *Manager) Update(ctx context.Context, rule model.AutoArchiveRule) (model.AutoArchiveRule, error) {
	if rule.ID == "" {
		return model.AutoArchiveRule{}, fmt.Errorf("updating rule: missing id")
	}
	if err := validate(rule); err != nil {
		return model.AutoArchiveRule{}, err
	}

	existing, err := m.get(ctx, rule.ID)
	if err != nil {
		return model.AutoArchiveRule{}, err
	}

	rule.CreatedAt = existing.CreatedAt
	rule.ArchivedCount = existing.ArchivedCount
	rule.UpdatedAt = m.now()

	if err := m.db.SaveRule(ctx, rule); err != nil {
		return model.AutoArchiveRule{}, fmt.Errorf("saving rule: %w", err)
	}
	return rule, nil
}

// SetEnabled toggles a rule without touching its match criteria.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	rule, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	if rule.Enabled == enabled {
		return nil
	}

	rule.Enabled = enabled
	rule.UpdatedAt = m.now()
	if err := m.db.SaveRule(ctx, *rule); err != nil {
		return fmt.Errorf("saving rule: %w", err)
	}
	return nil
}

// Delete removes a rule. Deleting an unknown id is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.db.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return nil
}

// List returns all rules in creation order.
func (m *Manager) List(ctx context.Context) ([]model.AutoArchiveRule, error) {
	rules, err := m.db.GetRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	return rules, nil
}

func (m *Manager) get(ctx context.Context, id string) (*model.AutoArchiveRule, error) {
	rules, err := m.db.GetRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	for i := range rules {
		if rules[i].ID == id {
			return &rules[i], nil
		}
	}
	return nil, fmt.Errorf("rule %q not found", id)
}

// validate checks that the rule's criteria make sense for its kind.
func validate(rule model.AutoArchiveRule) error {
	switch rule.Kind {
	case model.RuleKindRepository:
		if rule.Repository == "" {
			return fmt.Errorf("repository rule needs a repository name")
		}
	case model.RuleKindAgeThreshold:
		if rule.ThresholdDays < 1 {
			return fmt.Errorf("age rule needs a threshold of at least one day")
		}
	case model.RuleKindReasonSet:
		if len(rule.Reasons) == 0 {
			return fmt.Errorf("reason rule needs at least one reason")
		}
	default:
		return fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
	return nil
}
