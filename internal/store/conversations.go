package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/aixplosion/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ConversationStore persists conversations and their messages.
type ConversationStore struct {
	db *DB
}

// NewConversationStore creates a conversation store using the given database.
func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// AcquireTurn claims the single-writer turn lock for a conversation.
func (s *ConversationStore) AcquireTurn(conversationID string) error {
	return s.db.AcquireTurn(conversationID)
}

// ReleaseTurn releases the turn lock.
func (s *ConversationStore) ReleaseTurn(conversationID string) {
	s.db.ReleaseTurn(conversationID)
}

// Create inserts a new conversation and returns its id.
func (s *ConversationStore) Create(model, systemPrompt, subAgent string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.DateTime)

	_, err := s.db.sql.Exec(
		`INSERT INTO conversations (id, model, system_prompt, sub_agent, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, model, systemPrompt, subAgent, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}
	return id, nil
}

// Get loads a conversation with its messages and context files.
func (s *ConversationStore) Get(id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var createdAt, updatedAt string

	err := s.db.sql.QueryRow(
		`SELECT id, model, system_prompt, sub_agent, usage_in, usage_out, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(
		&conv.ID, &conv.Model, &conv.SystemPrompt, &conv.SubAgent,
		&conv.Usage.InputTokens, &conv.Usage.OutputTokens, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	conv.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	conv.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)

	msgs, err := s.Messages(id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs

	files, err := s.ContextFiles(id)
	if err != nil {
		return nil, err
	}
	conv.ContextFiles = files

	return &conv, nil
}

// List returns all conversations newest-first, without messages.
func (s *ConversationStore) List() ([]domain.Conversation, error) {
	rows, err := s.db.sql.Query(
		`SELECT id, model, system_prompt, sub_agent, usage_in, usage_out, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(
			&conv.ID, &conv.Model, &conv.SystemPrompt, &conv.SubAgent,
			&conv.Usage.InputTokens, &conv.Usage.OutputTokens, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		conv.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		conv.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// Delete removes a conversation; messages and context files cascade.
func (s *ConversationStore) Delete(id string) error {
	if _, err := s.db.sql.Exec(`DELETE FROM messages_fts WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting search index: %w", err)
	}
	res, err := s.db.sql.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage durably appends a message to a conversation and indexes its
// flattened text. Messages are append-only.
func (s *ConversationStore) AppendMessage(conversationID string, msg domain.Message) error {
	blocks, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("encoding blocks: %w", err)
	}

	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.db.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO messages (conversation_id, role, blocks_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		conversationID, msg.Role, string(blocks), ts.Format(timestampFormat),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("appending message: %w", err)
	}

	if text := msg.FlattenText(); text != "" {
		if _, err := tx.Exec(
			`INSERT INTO messages_fts (text, conversation_id) VALUES (?, ?)`,
			text, conversationID,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("indexing message: %w", err)
		}
	}

	if _, err := tx.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.DateTime), conversationID,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("touching conversation: %w", err)
	}

	return tx.Commit()
}

// Messages loads all messages of a conversation in order.
func (s *ConversationStore) Messages(conversationID string) ([]domain.Message, error) {
	rows, err := s.db.sql.Query(
		`SELECT role, blocks_json, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var blocks, ts string
		if err := rows.Scan(&msg.Role, &blocks, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(blocks), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("decoding blocks: %w", err)
		}
		msg.CreatedAt, _ = time.Parse(timestampFormat, ts)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// ClearMessages deletes all messages of a conversation, keeping the row.
// Used by /clear, which starts a fresh transcript on the same settings.
func (s *ConversationStore) ClearMessages(conversationID string) error {
	tx, err := s.db.sql.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages_fts WHERE conversation_id = ?`, conversationID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing search index: %w", err)
	}
	return tx.Commit()
}

// SetModel updates the conversation's model between turns.
func (s *ConversationStore) SetModel(conversationID, model string) error {
	return s.updateField(conversationID, "model", model)
}

// SetSystemPrompt updates the conversation's system prompt between turns.
func (s *ConversationStore) SetSystemPrompt(conversationID, prompt string) error {
	return s.updateField(conversationID, "system_prompt", prompt)
}

// SetSubAgent updates the conversation's active sub-agent between turns.
func (s *ConversationStore) SetSubAgent(conversationID, name string) error {
	return s.updateField(conversationID, "sub_agent", name)
}

func (s *ConversationStore) updateField(id, field, value string) error {
	res, err := s.db.sql.Exec(
		`UPDATE conversations SET `+field+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC().Format(time.DateTime), id,
	)
	if err != nil {
		return fmt.Errorf("updating %s: %w", field, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddUsage accumulates token usage onto the conversation row.
func (s *ConversationStore) AddUsage(conversationID string, usage domain.Usage) error {
	_, err := s.db.sql.Exec(
		`UPDATE conversations SET usage_in = usage_in + ?, usage_out = usage_out + ? WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, conversationID,
	)
	return err
}

// ResetUsage zeroes the conversation's usage counters.
func (s *ConversationStore) ResetUsage(conversationID string) error {
	_, err := s.db.sql.Exec(
		`UPDATE conversations SET usage_in = 0, usage_out = 0 WHERE id = ?`, conversationID,
	)
	return err
}

// AddContextFile records a context file path on the conversation. Adding the
// same path twice is a no-op.
func (s *ConversationStore) AddContextFile(conversationID, path string) error {
	_, err := s.db.sql.Exec(
		`INSERT OR IGNORE INTO context_files (conversation_id, path) VALUES (?, ?)`,
		conversationID, path,
	)
	return err
}

// ContextFiles returns the context file paths of a conversation.
func (s *ConversationStore) ContextFiles(conversationID string) ([]string, error) {
	rows, err := s.db.sql.Query(
		`SELECT path FROM context_files WHERE conversation_id = ? ORDER BY path`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// SearchHit is one full-text search result.
type SearchHit struct {
	ConversationID string `json:"conversation_id"`
	Snippet        string `json:"snippet"`
}

// Search runs a full-text query over flattened message text.
func (s *ConversationStore) Search(query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.sql.Query(
		`SELECT conversation_id, snippet(messages_fts, 0, '[', ']', '…', 12)
		 FROM messages_fts WHERE messages_fts MATCH ? ORDER BY rank LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ConversationID, &h.Snippet); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// timestampFormat keeps sub-second ordering for messages appended within the
// same second.
const timestampFormat = "2006-01-02 15:04:05.000000"
