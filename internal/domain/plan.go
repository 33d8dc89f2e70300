package domain

import "time"

// PlanRecord is a saved plan, optionally linked to a conversation.
type PlanRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Title          string    `json:"title"`
	UserRequest    string    `json:"user_request"`
	PlanMarkdown   string    `json:"plan_markdown"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
