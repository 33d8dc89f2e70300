package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/soyeahso/aixplosion/internal/domain"
)

// MCPServerStore persists MCP server definitions in the global database.
type MCPServerStore struct {
	db *DB
}

// NewMCPServerStore creates an MCP server store using the given database.
func NewMCPServerStore(db *DB) *MCPServerStore {
	return &MCPServerStore{db: db}
}

// Upsert inserts or replaces a server definition by name.
func (s *MCPServerStore) Upsert(cfg domain.MCPServerConfig) error {
	if cfg.Transport == "" {
		cfg.Transport = domain.TransportStdio
	}
	args, err := json.Marshal(cfg.Args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	env := cfg.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding env: %w", err)
	}

	_, err = s.db.sql.Exec(
		`INSERT INTO mcp_servers (name, transport, command, args_json, url, env_json, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			transport=excluded.transport, command=excluded.command,
			args_json=excluded.args_json, url=excluded.url,
			env_json=excluded.env_json, enabled=excluded.enabled`,
		cfg.Name, cfg.Transport, cfg.Command, string(args), cfg.URL, string(envJSON), boolToInt(cfg.Enabled),
	)
	if err != nil {
		return fmt.Errorf("saving mcp server: %w", err)
	}
	return nil
}

// Get loads a server definition by name.
func (s *MCPServerStore) Get(name string) (domain.MCPServerConfig, error) {
	row := s.db.sql.QueryRow(
		`SELECT name, transport, command, args_json, url, env_json, enabled
		 FROM mcp_servers WHERE name = ?`, name,
	)
	cfg, err := scanMCPServer(row)
	if err == sql.ErrNoRows {
		return cfg, ErrNotFound
	}
	return cfg, err
}

// Remove deletes a server definition.
func (s *MCPServerStore) Remove(name string) error {
	res, err := s.db.sql.Exec(`DELETE FROM mcp_servers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("removing mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled toggles a server definition.
func (s *MCPServerStore) SetEnabled(name string, enabled bool) error {
	res, err := s.db.sql.Exec(`UPDATE mcp_servers SET enabled = ? WHERE name = ?`, boolToInt(enabled), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all server definitions ordered by name.
func (s *MCPServerStore) List() ([]domain.MCPServerConfig, error) {
	rows, err := s.db.sql.Query(
		`SELECT name, transport, command, args_json, url, env_json, enabled
		 FROM mcp_servers ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing mcp servers: %w", err)
	}
	defer rows.Close()

	var configs []domain.MCPServerConfig
	for rows.Next() {
		cfg, err := scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMCPServer(row rowScanner) (domain.MCPServerConfig, error) {
	var cfg domain.MCPServerConfig
	var args, env string
	var enabled int
	if err := row.Scan(&cfg.Name, &cfg.Transport, &cfg.Command, &args, &cfg.URL, &env, &enabled); err != nil {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(args), &cfg.Args); err != nil {
		return cfg, fmt.Errorf("decoding args: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &cfg.Env); err != nil {
		return cfg, fmt.Errorf("decoding env: %w", err)
	}
	cfg.Enabled = enabled != 0
	return cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
