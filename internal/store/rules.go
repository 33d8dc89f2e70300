package store

import (
	"fmt"

	"github.com/soyeahso/aixplosion/internal/domain"
)

// RuleStore persists permission rules in the global database.
type RuleStore struct {
	db *DB
}

// NewRuleStore creates a rule store using the given database.
func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db}
}

// Add inserts a rule. Adding the same (pattern, decision) twice is a no-op.
func (s *RuleStore) Add(rule domain.PermissionRule) error {
	scope := rule.Scope
	if scope == "" {
		scope = domain.ScopePersistent
	}
	_, err := s.db.sql.Exec(
		`INSERT OR IGNORE INTO permission_rules (pattern, decision, scope) VALUES (?, ?, ?)`,
		rule.Pattern, rule.Decision, scope,
	)
	if err != nil {
		return fmt.Errorf("adding rule: %w", err)
	}
	return nil
}

// Remove deletes all rules with the given pattern, regardless of decision.
func (s *RuleStore) Remove(pattern string) error {
	res, err := s.db.sql.Exec(`DELETE FROM permission_rules WHERE pattern = ?`, pattern)
	if err != nil {
		return fmt.Errorf("removing rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all persisted rules.
func (s *RuleStore) List() ([]domain.PermissionRule, error) {
	rows, err := s.db.sql.Query(
		`SELECT pattern, decision, scope FROM permission_rules ORDER BY pattern, decision`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.PermissionRule
	for rows.Next() {
		var r domain.PermissionRule
		if err := rows.Scan(&r.Pattern, &r.Decision, &r.Scope); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
