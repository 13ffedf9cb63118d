package engine

import (
	"context"
	"errors"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"companion-engine/internal/domain"
)

// GenerateResponse runs one blocking generation turn: ownership check,
// persona and history load, context assembly, provider call, then exactly
// one persisted ASSISTANT message and one aggregate update. Any failure
// leaves no message behind.
func (s *Service) GenerateResponse(ctx context.Context, conversationID, userID string) (*domain.Message, error) {
	conv, persona, contextText, err := s.prepareTurn(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	reply, err := s.provider.Generate(ctx, persona.SystemPrompt, contextText, persona.ModelProvider, persona.ModelName)
	if err != nil {
		return nil, newError(ErrorGenerationFailure, "provider_error", err)
	}

	tokens := s.estimateTokens(reply)
	msg, err := s.persistAssistantMessage(ctx, conv.ID, newUUID(), reply, tokens)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"conversation": conv.ID,
		"message":      msg.ID,
		"tokens":       tokens,
	}).Info("generated response")
	return msg, nil
}

// StreamResponse runs one streaming generation turn. Preconditions are
// resolved synchronously; a precondition failure returns an error and no
// channel. On success the returned channel carries text chunks followed by
// exactly one terminal chunk: complete (the message was persisted) or error
// (nothing was persisted). Cancelling ctx stops the stream with no
// persistence; the message id claimed for the stream is discarded, never
// reused.
//
// The message history is read once, before the first chunk: edits made while
// the stream is in flight are not incorporated into its context.
func (s *Service) StreamResponse(ctx context.Context, conversationID, userID string) (<-chan domain.StreamChunk, error) {
	conv, persona, contextText, err := s.prepareTurn(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	stream, err := s.provider.Stream(ctx, persona.SystemPrompt, contextText, persona.ModelProvider, persona.ModelName)
	if err != nil {
		return nil, newError(ErrorGenerationFailure, "provider_stream_error", err)
	}

	messageID := newUUID()
	out := make(chan domain.StreamChunk)
	go s.consumeStream(ctx, out, stream, conv.ID, messageID)
	return out, nil
}

// prepareTurn resolves the shared preconditions of both generation paths and
// assembles the prompt context from a single history read.
func (s *Service) prepareTurn(ctx context.Context, conversationID, userID string) (*domain.Conversation, *domain.Persona, string, error) {
	conv, err := s.ownedConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, nil, "", err
	}

	persona, err := s.personas.FindByID(ctx, conv.PersonaID)
	if err != nil {
		return nil, nil, "", newError(ErrorInternal, "persona_lookup_error", err)
	}
	if persona == nil {
		return nil, nil, "", newError(ErrorNotFound, "persona_not_found", nil)
	}

	recent, err := s.messages.FindRecent(ctx, conv.ID, s.maxContextMessages)
	if err != nil {
		return nil, nil, "", newError(ErrorInternal, "message_history_error", err)
	}

	return conv, persona, s.BuildContext(ctx, conv.ID, recent), nil
}

func (s *Service) consumeStream(ctx context.Context, out chan<- domain.StreamChunk, stream domain.TextStream, conversationID, messageID string) {
	defer close(out)
	defer func() { _ = stream.Close() }()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// Caller went away; nothing to report and nothing persisted.
				return
			}
			log.WithField("conversation", conversationID).WithError(err).
				Error("provider stream failed")
			s.emit(ctx, out, domain.ErrorChunk(conversationID, err.Error()))
			return
		}

		full.WriteString(chunk)
		if !s.emit(ctx, out, domain.TextChunk(messageID, conversationID, chunk)) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	content := full.String()
	tokens := s.estimateTokens(content)
	if _, err := s.persistAssistantMessage(ctx, conversationID, messageID, content, tokens); err != nil {
		log.WithField("conversation", conversationID).WithError(err).
			Error("failed to persist streamed message")
		s.emit(ctx, out, domain.ErrorChunk(conversationID, "failed to persist response"))
		return
	}

	log.WithFields(log.Fields{
		"conversation": conversationID,
		"message":      messageID,
		"tokens":       tokens,
	}).Info("streaming completed")
	s.emit(ctx, out, domain.CompleteChunk(messageID, conversationID, tokens))
}

// emit delivers a chunk unless the caller has gone; it reports whether the
// stream should continue.
func (s *Service) emit(ctx context.Context, out chan<- domain.StreamChunk, chunk domain.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// persistAssistantMessage writes the generated message and records the turn
// in the conversation aggregates.
func (s *Service) persistAssistantMessage(ctx context.Context, conversationID, messageID, content string, tokens int) (*domain.Message, error) {
	msg := &domain.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Type:           domain.TypeText,
		Content:        content,
		TokensUsed:     tokens,
		CreatedAt:      timeNow(),
	}
	if err := s.messages.Save(ctx, msg); err != nil {
		return nil, newError(ErrorInternal, "message_save_error", err)
	}
	if err := s.RecordTurn(ctx, conversationID, tokens); err != nil {
		return nil, err
	}
	return msg, nil
}
