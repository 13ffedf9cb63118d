package domain

import "time"

// ConversationStatus is the lifecycle state of a conversation. ACTIVE moves
// to ARCHIVED on explicit archive; DELETED is terminal and corresponds to the
// entity being removed entirely.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "ACTIVE"
	StatusArchived ConversationStatus = "ARCHIVED"
	StatusDeleted  ConversationStatus = "DELETED"
)

// Conversation is one user's ongoing exchange with a persona. MessageCount
// and TotalTokens only ever increase while the conversation exists.
type Conversation struct {
	ID             string
	UserID         string
	PersonaID      string
	Title          string
	Status         ConversationStatus
	MessageCount   int
	TotalTokens    int64
	ContextSummary string
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// Persona is the AI character a conversation is bound to: its system prompt
// and model routing.
type Persona struct {
	ID            string
	Name          string
	SystemPrompt  string
	ModelProvider string
	ModelName     string
	AvatarURL     string
}
