package engine

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"companion-engine/internal/domain"
)

// CreateConversation starts a new conversation between the user and a
// persona. The persona must exist; counters start at zero and the
// conversation is ACTIVE.
func (s *Service) CreateConversation(ctx context.Context, userID, personaID, title string) (*domain.Conversation, error) {
	persona, err := s.personas.FindByID(ctx, personaID)
	if err != nil {
		return nil, newError(ErrorInternal, "persona_lookup_error", err)
	}
	if persona == nil {
		return nil, newError(ErrorNotFound, "persona_not_found", nil)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "Chat with " + persona.Name
	}

	now := timeNow()
	conv := &domain.Conversation{
		ID:             newUUID(),
		UserID:         userID,
		PersonaID:      persona.ID,
		Title:          title,
		Status:         domain.StatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.conversations.Save(ctx, conv); err != nil {
		return nil, newError(ErrorInternal, "conversation_save_error", err)
	}

	log.WithFields(log.Fields{
		"conversation": conv.ID,
		"user":         userID,
		"persona":      persona.ID,
	}).Info("created conversation")
	return conv, nil
}

// GetConversation returns the conversation if it exists and belongs to the
// caller.
func (s *Service) GetConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	return s.ownedConversation(ctx, conversationID, userID)
}

// ownedConversation resolves a conversation scoped to its owner. Absence and
// ownership mismatch produce the identical NotFound error.
func (s *Service) ownedConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := s.conversations.FindByIDAndOwner(ctx, conversationID, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "conversation_lookup_error", err)
	}
	if conv == nil {
		return nil, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	return conv, nil
}

// RecordTurn adds one accepted message and its token usage to the
// conversation's aggregates. The increment is atomic at the store: two
// concurrent turns for the same conversation must both be counted.
func (s *Service) RecordTurn(ctx context.Context, conversationID string, tokensUsed int) error {
	if tokensUsed < 0 {
		return newError(ErrorInvalidInput, "negative_token_count", nil)
	}
	if err := s.conversations.IncrementTurn(ctx, conversationID, tokensUsed, timeNow()); err != nil {
		return newError(ErrorInternal, "record_turn_error", err)
	}
	return nil
}

// ListConversations returns the user's conversations, most recently active
// first. The listing is scoped by user at the store, so there is no
// per-conversation ownership check to fail.
func (s *Service) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	convs, err := s.conversations.FindByUser(ctx, userID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "conversation_list_error", err)
	}
	return convs, nil
}

// UpdateTitle renames an owned conversation. Empty titles are rejected. The
// store update touches only the title, so a generation turn landing between
// the ownership read and the write keeps its counter increments.
func (s *Service) UpdateTitle(ctx context.Context, conversationID, userID, title string) (*domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, newError(ErrorInvalidInput, "empty_title", nil)
	}

	conv, err := s.ownedConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.conversations.UpdateTitle(ctx, conversationID, title); err != nil {
		return nil, newError(ErrorInternal, "conversation_update_error", err)
	}
	conv.Title = title
	return conv, nil
}

// ArchiveConversation moves an ACTIVE conversation to ARCHIVED. Archiving an
// already archived conversation is a no-op; there is no un-archive. Like
// UpdateTitle, only the status field is written.
func (s *Service) ArchiveConversation(ctx context.Context, conversationID, userID string) error {
	conv, err := s.ownedConversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if conv.Status == domain.StatusArchived {
		return nil
	}
	if err := s.conversations.UpdateStatus(ctx, conversationID, domain.StatusArchived); err != nil {
		return newError(ErrorInternal, "conversation_update_error", err)
	}
	log.WithFields(log.Fields{"conversation": conversationID, "user": userID}).
		Info("archived conversation")
	return nil
}

// DeleteConversation removes the conversation entirely and then purges its
// cached context. The cache purge runs synchronously but a purge failure
// does not undo the deletion; it is only logged.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	conv, err := s.ownedConversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if err := s.conversations.Delete(ctx, conv); err != nil {
		return newError(ErrorInternal, "conversation_delete_error", err)
	}

	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	if err := s.cache.Clear(cctx, conversationID); err != nil {
		log.WithField("conversation", conversationID).WithError(err).
			Warn("failed to clear cached context after deletion")
	}

	log.WithFields(log.Fields{"conversation": conversationID, "user": userID}).
		Info("deleted conversation")
	return nil
}
