package domain

// TextStream is an incremental sequence of response fragments from a
// generation provider. Recv returns io.EOF after the final fragment; Close
// releases the underlying stream and is safe after Recv has failed.
type TextStream interface {
	Recv() (string, error)
	Close() error
}

// ChunkType tags a StreamChunk as incremental text, stream completion, or a
// terminal error.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkComplete ChunkType = "complete"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one unit emitted during streaming generation. Chunks are
// ephemeral: they are never persisted, only folded into a Message when the
// stream completes.
type StreamChunk struct {
	MessageID      string    `json:"messageId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Type           ChunkType `json:"type"`
	Content        string    `json:"content,omitempty"`
	IsComplete     bool      `json:"isComplete"`
	TokensUsed     int       `json:"tokensUsed,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// TextChunk wraps one generated content fragment.
func TextChunk(messageID, conversationID, content string) StreamChunk {
	return StreamChunk{
		MessageID:      messageID,
		ConversationID: conversationID,
		Type:           ChunkText,
		Content:        content,
	}
}

// CompleteChunk marks a successful stream end and carries the final token
// estimate for the persisted message.
func CompleteChunk(messageID, conversationID string, tokens int) StreamChunk {
	return StreamChunk{
		MessageID:      messageID,
		ConversationID: conversationID,
		Type:           ChunkComplete,
		IsComplete:     true,
		TokensUsed:     tokens,
	}
}

// ErrorChunk marks a failed stream. No message id is attached: a failed
// stream persists nothing, so any claimed id has been discarded.
func ErrorChunk(conversationID, reason string) StreamChunk {
	return StreamChunk{
		ConversationID: conversationID,
		Type:           ChunkError,
		IsComplete:     true,
		Error:          reason,
	}
}
