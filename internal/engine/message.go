package engine

import (
	"context"

	log "github.com/sirupsen/logrus"

	"companion-engine/internal/domain"
)

// ListMessages returns up to limit recent messages of an owned conversation,
// oldest first.
func (s *Service) ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]domain.Message, error) {
	if _, err := s.ownedConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.maxContextMessages
	}
	msgs, err := s.messages.FindRecent(ctx, conversationID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "message_list_error", err)
	}
	return msgs, nil
}

// SearchMessages runs a text search over an owned conversation's messages.
func (s *Service) SearchMessages(ctx context.Context, conversationID, userID, query string, page, pageSize int) ([]domain.Message, error) {
	if _, err := s.ownedConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = s.maxContextMessages
	}
	msgs, err := s.messages.Search(ctx, conversationID, query, page, pageSize)
	if err != nil {
		return nil, newError(ErrorInternal, "message_search_error", err)
	}
	return msgs, nil
}

// EditMessage replaces the content of a USER message after the content
// safety check passes. Role, conversation, and creation time never change;
// a rejected edit leaves the message untouched.
func (s *Service) EditMessage(ctx context.Context, conversationID, messageID, userID, newContent string) (*domain.Message, error) {
	if _, err := s.ownedConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msg, err := s.ownedMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != domain.RoleUser {
		return nil, newError(ErrorInvalidInput, "edit_not_allowed", nil)
	}

	safe, err := s.filter.IsSafe(ctx, newContent)
	if err != nil {
		return nil, newError(ErrorInternal, "content_filter_error", err)
	}
	if !safe {
		return nil, newError(ErrorContentRejected, "content_blocked", nil)
	}

	msg.Content = newContent
	msg.IsEdited = true
	if err := s.messages.Save(ctx, msg); err != nil {
		return nil, newError(ErrorInternal, "message_save_error", err)
	}

	log.WithFields(log.Fields{"conversation": conversationID, "message": messageID}).
		Info("edited message")
	return msg, nil
}

// DeleteMessage removes a single USER message from an owned conversation.
// Conversation aggregates are not decremented; counters are monotonic and
// message deletion is best-effort with respect to them.
func (s *Service) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error {
	if _, err := s.ownedConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	msg, err := s.ownedMessage(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	if msg.Role != domain.RoleUser {
		return newError(ErrorInvalidInput, "delete_not_allowed", nil)
	}
	if err := s.messages.Delete(ctx, conversationID, messageID); err != nil {
		return newError(ErrorInternal, "message_delete_error", err)
	}

	log.WithFields(log.Fields{"conversation": conversationID, "message": messageID}).
		Info("deleted message")
	return nil
}

func (s *Service) ownedMessage(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	msg, err := s.messages.FindByID(ctx, conversationID, messageID)
	if err != nil {
		return nil, newError(ErrorInternal, "message_lookup_error", err)
	}
	if msg == nil {
		return nil, newError(ErrorNotFound, "message_not_found", nil)
	}
	return msg, nil
}
