// Package engine implements the conversation context and streaming
// generation core: bounded prompt assembly from history plus cached summary,
// blocking and chunk-streamed response generation, exactly-once persistence
// of generated messages, and the conversation ledger's state transitions and
// aggregate counters.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"companion-engine/internal/contextstore"
	"companion-engine/internal/domain"
)

const (
	defaultMaxContextMessages = 20
	defaultMaxContextTokens   = 4000
	defaultListLimit          = 20

	// Cache calls must never sit on the generation critical path; past this
	// deadline the cache is treated as empty.
	cacheOpTimeout = 250 * time.Millisecond
)

// ConversationStore persists conversations. Lookups scoped by owner return
// (nil, nil) when the conversation is absent or owned by someone else.
// Mutations after creation are field-scoped: a title or status change racing
// an IncrementTurn must not overwrite the counters.
type ConversationStore interface {
	FindByIDAndOwner(ctx context.Context, conversationID, userID string) (*domain.Conversation, error)
	// FindByUser returns up to limit of the user's conversations, most
	// recently active first.
	FindByUser(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	Save(ctx context.Context, conv *domain.Conversation) error
	Delete(ctx context.Context, conv *domain.Conversation) error
	UpdateTitle(ctx context.Context, conversationID, title string) error
	UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) error
	// IncrementTurn atomically adds one message and the given tokens to the
	// conversation's aggregates and refreshes its activity timestamp.
	// Concurrent calls for the same conversation must not lose updates.
	IncrementTurn(ctx context.Context, conversationID string, tokens int, at time.Time) error
}

// MessageStore persists messages. FindRecent returns up to limit messages in
// chronological order, oldest first.
type MessageStore interface {
	FindRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	FindByID(ctx context.Context, conversationID, messageID string) (*domain.Message, error)
	Save(ctx context.Context, msg *domain.Message) error
	Delete(ctx context.Context, conversationID, messageID string) error
	Search(ctx context.Context, conversationID, query string, page, pageSize int) ([]domain.Message, error)
}

// PersonaProvider resolves persona definitions. Returns (nil, nil) when the
// persona does not exist.
type PersonaProvider interface {
	FindByID(ctx context.Context, personaID string) (*domain.Persona, error)
}

// Provider generates responses. The modelProvider/modelName pair comes from
// the persona's model routing. Stream yields a finite, non-restartable
// sequence of content fragments.
type Provider interface {
	Generate(ctx context.Context, systemPrompt, contextText, modelProvider, modelName string) (string, error)
	Stream(ctx context.Context, systemPrompt, contextText, modelProvider, modelName string) (domain.TextStream, error)
	EstimateTokens(text string) int
}

// nativeTokenCounter is an optional Provider capability: an exact token count
// from the provider itself, preferred over the character heuristic.
type nativeTokenCounter interface {
	NativeTokenCount(text string) (int, bool)
}

// ContentFilter reports whether user-authored content is safe to store.
type ContentFilter interface {
	IsSafe(ctx context.Context, text string) (bool, error)
}

// Service is the engine facade: the conversation ledger, the context
// builder, and the generation pipeline share its collaborators.
type Service struct {
	conversations ConversationStore
	messages      MessageStore
	personas      PersonaProvider
	provider      Provider
	filter        ContentFilter
	cache         contextstore.Store

	maxContextMessages int
	maxContextTokens   int
}

func NewService(
	conversations ConversationStore,
	messages MessageStore,
	personas PersonaProvider,
	provider Provider,
	filter ContentFilter,
	cache contextstore.Store,
	maxContextMessages, maxContextTokens int,
) (*Service, error) {
	if conversations == nil {
		return nil, errors.New("engine: conversation store must not be nil")
	}
	if messages == nil {
		return nil, errors.New("engine: message store must not be nil")
	}
	if personas == nil {
		return nil, errors.New("engine: persona provider must not be nil")
	}
	if provider == nil {
		return nil, errors.New("engine: generation provider must not be nil")
	}
	if filter == nil {
		return nil, errors.New("engine: content filter must not be nil")
	}
	if cache == nil {
		return nil, errors.New("engine: context store must not be nil")
	}
	if maxContextMessages <= 0 {
		maxContextMessages = defaultMaxContextMessages
	}
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Service{
		conversations:      conversations,
		messages:           messages,
		personas:           personas,
		provider:           provider,
		filter:             filter,
		cache:              cache,
		maxContextMessages: maxContextMessages,
		maxContextTokens:   maxContextTokens,
	}, nil
}

// estimateTokens prefers a provider-native count when the provider exposes
// one; otherwise it defers to the provider's estimate (the len/4 character
// heuristic by default).
func (s *Service) estimateTokens(text string) int {
	if counter, ok := s.provider.(nativeTokenCounter); ok {
		if n, ok := counter.NativeTokenCount(text); ok {
			return n
		}
	}
	return s.provider.EstimateTokens(text)
}

var newUUID = func() string {
	return uuid.NewString()
}

var timeNow = func() time.Time {
	return time.Now().UTC()
}
