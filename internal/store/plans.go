package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/aixplosion/internal/domain"
)

// PlanStore persists plans in the project database.
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a plan store using the given database.
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

// Create inserts a new plan and returns it with id and timestamps set.
func (s *PlanStore) Create(plan domain.PlanRecord) (domain.PlanRecord, error) {
	plan.ID = uuid.New().String()
	plan.CreatedAt = time.Now().UTC()
	plan.UpdatedAt = plan.CreatedAt

	_, err := s.db.sql.Exec(
		`INSERT INTO plans (id, conversation_id, title, user_request, plan_markdown, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, nullIfEmpty(plan.ConversationID), plan.Title, plan.UserRequest, plan.PlanMarkdown,
		plan.CreatedAt.Format(time.DateTime), plan.UpdatedAt.Format(time.DateTime),
	)
	if err != nil {
		return plan, fmt.Errorf("creating plan: %w", err)
	}
	return plan, nil
}

// Update replaces title, request, and markdown of an existing plan.
func (s *PlanStore) Update(plan domain.PlanRecord) error {
	res, err := s.db.sql.Exec(
		`UPDATE plans SET title = ?, user_request = ?, plan_markdown = ?, updated_at = ? WHERE id = ?`,
		plan.Title, plan.UserRequest, plan.PlanMarkdown, time.Now().UTC().Format(time.DateTime), plan.ID,
	)
	if err != nil {
		return fmt.Errorf("updating plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads a plan by id.
func (s *PlanStore) Get(id string) (domain.PlanRecord, error) {
	row := s.db.sql.QueryRow(
		`SELECT id, conversation_id, title, user_request, plan_markdown, created_at, updated_at
		 FROM plans WHERE id = ?`, id,
	)
	return scanPlan(row)
}

// Delete removes a plan by id.
func (s *PlanStore) Delete(id string) error {
	res, err := s.db.sql.Exec(`DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all plans newest-first.
func (s *PlanStore) List() ([]domain.PlanRecord, error) {
	rows, err := s.db.sql.Query(
		`SELECT id, conversation_id, title, user_request, plan_markdown, created_at, updated_at
		 FROM plans ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.PlanRecord
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func scanPlan(row rowScanner) (domain.PlanRecord, error) {
	var p domain.PlanRecord
	var convID sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &convID, &p.Title, &p.UserRequest, &p.PlanMarkdown, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ConversationID = convID.String
	p.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	p.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	return p, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
