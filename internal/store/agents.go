package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/soyeahso/aixplosion/internal/domain"
)

// AgentStore persists sub-agent profiles in the global database.
type AgentStore struct {
	db *DB
}

// NewAgentStore creates an agent store using the given database.
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db}
}

// Upsert inserts or replaces a profile by name.
func (s *AgentStore) Upsert(p domain.SubAgentProfile) error {
	allowed, err := json.Marshal(sliceOrEmpty(p.AllowedTools))
	if err != nil {
		return err
	}
	denied, err := json.Marshal(sliceOrEmpty(p.DeniedTools))
	if err != nil {
		return err
	}

	var temp sql.NullFloat64
	if p.Temperature != nil {
		temp = sql.NullFloat64{Float64: *p.Temperature, Valid: true}
	}

	_, err = s.db.sql.Exec(
		`INSERT INTO agents (name, model, temperature, max_tokens, system_prompt, allowed_tools_json, denied_tools_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			model=excluded.model, temperature=excluded.temperature,
			max_tokens=excluded.max_tokens, system_prompt=excluded.system_prompt,
			allowed_tools_json=excluded.allowed_tools_json,
			denied_tools_json=excluded.denied_tools_json`,
		p.Name, p.Model, temp, p.MaxTokens, p.SystemPrompt, string(allowed), string(denied),
	)
	if err != nil {
		return fmt.Errorf("saving agent profile: %w", err)
	}
	return nil
}

// Get loads a profile by name.
func (s *AgentStore) Get(name string) (*domain.SubAgentProfile, error) {
	var p domain.SubAgentProfile
	var temp sql.NullFloat64
	var allowed, denied string

	err := s.db.sql.QueryRow(
		`SELECT name, model, temperature, max_tokens, system_prompt, allowed_tools_json, denied_tools_json
		 FROM agents WHERE name = ?`, name,
	).Scan(&p.Name, &p.Model, &temp, &p.MaxTokens, &p.SystemPrompt, &allowed, &denied)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent profile: %w", err)
	}

	if temp.Valid {
		t := temp.Float64
		p.Temperature = &t
	}
	if err := json.Unmarshal([]byte(allowed), &p.AllowedTools); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(denied), &p.DeniedTools); err != nil {
		return nil, err
	}
	return &p, nil
}

// Remove deletes a profile.
func (s *AgentStore) Remove(name string) error {
	res, err := s.db.sql.Exec(`DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all profiles ordered by name.
func (s *AgentStore) List() ([]domain.SubAgentProfile, error) {
	rows, err := s.db.sql.Query(`SELECT name FROM agents ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var profiles []domain.SubAgentProfile
	for _, n := range names {
		p, err := s.Get(n)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, nil
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
