package domain

import (
	"strings"
	"time"
)

// MessageRole identifies the author side of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
)

// MessageType tags the media kind of a message's content.
type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeImage MessageType = "IMAGE"
	TypeAudio MessageType = "AUDIO"
)

// ParseMessageType maps a free-form type string to a MessageType, defaulting
// to TEXT for empty or unknown values.
func ParseMessageType(s string) MessageType {
	switch MessageType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeImage:
		return TypeImage
	case TypeAudio:
		return TypeAudio
	default:
		return TypeText
	}
}

// Message is a single persisted conversation turn. Only USER messages are
// editable; an edit changes Content and IsEdited and nothing else.
type Message struct {
	ID              string
	ConversationID  string
	Role            MessageRole
	Type            MessageType
	Content         string
	TokensUsed      int
	ParentMessageID string
	IsEdited        bool
	CreatedAt       time.Time
}
