package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations. Project and
// global databases share one schema; each uses the tables it needs.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create conversations and messages",
		SQL: `
			CREATE TABLE conversations (
				id            TEXT PRIMARY KEY,
				model         TEXT NOT NULL,
				system_prompt TEXT NOT NULL DEFAULT '',
				sub_agent     TEXT NOT NULL DEFAULT '',
				usage_in      INTEGER NOT NULL DEFAULT 0,
				usage_out     INTEGER NOT NULL DEFAULT 0,
				created_at    TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at    TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE messages (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				role            TEXT NOT NULL,
				blocks_json     TEXT NOT NULL,
				created_at      TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_messages_conversation ON messages (conversation_id, created_at);

			CREATE TABLE context_files (
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				path            TEXT NOT NULL,
				PRIMARY KEY (conversation_id, path)
			);
		`,
	},
	{
		Version: 2,
		Name:    "create full-text search over message text",
		SQL: `
			CREATE VIRTUAL TABLE messages_fts USING fts5(
				text,
				conversation_id UNINDEXED
			);
		`,
	},
	{
		Version: 3,
		Name:    "create permission rules and mcp servers",
		SQL: `
			CREATE TABLE permission_rules (
				pattern  TEXT NOT NULL,
				decision TEXT NOT NULL,
				scope    TEXT NOT NULL DEFAULT 'persistent',
				PRIMARY KEY (pattern, decision)
			);

			CREATE TABLE mcp_servers (
				name      TEXT PRIMARY KEY,
				transport TEXT NOT NULL DEFAULT 'stdio',
				command   TEXT NOT NULL DEFAULT '',
				args_json TEXT NOT NULL DEFAULT '[]',
				url       TEXT NOT NULL DEFAULT '',
				env_json  TEXT NOT NULL DEFAULT '{}',
				enabled   INTEGER NOT NULL DEFAULT 1
			);
		`,
	},
	{
		Version: 4,
		Name:    "create agents and plans",
		SQL: `
			CREATE TABLE agents (
				name               TEXT PRIMARY KEY,
				model              TEXT NOT NULL DEFAULT '',
				temperature        REAL,
				max_tokens         INTEGER NOT NULL DEFAULT 0,
				system_prompt      TEXT NOT NULL DEFAULT '',
				allowed_tools_json TEXT NOT NULL DEFAULT '[]',
				denied_tools_json  TEXT NOT NULL DEFAULT '[]'
			);

			CREATE TABLE plans (
				id              TEXT PRIMARY KEY,
				conversation_id TEXT,
				title           TEXT NOT NULL,
				user_request    TEXT NOT NULL DEFAULT '',
				plan_markdown   TEXT NOT NULL DEFAULT '',
				created_at      TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
			);
		`,
	},
}
