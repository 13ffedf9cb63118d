// Package handler exposes the engine's non-streaming operations through a
// single Lambda entry point. It is an invocation shim, not a documented wire
// format; the streaming path is served by a different transport.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"companion-engine/internal/domain"
	"companion-engine/internal/engine"
)

// conversationEngine is the slice of the engine the handler needs.
type conversationEngine interface {
	CreateConversation(ctx context.Context, userID, personaID, title string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	GenerateResponse(ctx context.Context, conversationID, userID string) (*domain.Message, error)
	UpdateTitle(ctx context.Context, conversationID, userID, title string) (*domain.Conversation, error)
	ArchiveConversation(ctx context.Context, conversationID, userID string) error
	DeleteConversation(ctx context.Context, conversationID, userID string) error
	ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]domain.Message, error)
	SearchMessages(ctx context.Context, conversationID, userID, query string, page, pageSize int) ([]domain.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, userID, newContent string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error
}

type request struct {
	Action         string `json:"action"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	PersonaID      string `json:"personaId"`
	MessageID      string `json:"messageId"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	Query          string `json:"query"`
	Page           int    `json:"page"`
	Limit          int    `json:"limit"`
}

type conversationResponse struct {
	ID             string `json:"id"`
	PersonaID      string `json:"personaId"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	MessageCount   int    `json:"messageCount"`
	TotalTokens    int64  `json:"totalTokens"`
	LastActivityAt string `json:"lastActivityAt"`
}

type messageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	TokensUsed     int    `json:"tokensUsed"`
	IsEdited       bool   `json:"isEdited"`
	CreatedAt      string `json:"createdAt"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type Handler struct {
	engine conversationEngine
}

func NewHandler(e conversationEngine) (*Handler, error) {
	if e == nil {
		return nil, errors.New("handler: engine must not be nil")
	}
	return &Handler{engine: e}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var req request
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respond(http.StatusBadRequest, errorResponse{Error: "INVALID_REQUEST", Reason: "malformed JSON body"})
	}
	if req.UserID == "" {
		return respond(http.StatusBadRequest, errorResponse{Error: "INVALID_REQUEST", Reason: "userId is required"})
	}

	switch req.Action {
	case "create":
		conv, err := h.engine.CreateConversation(ctx, req.UserID, req.PersonaID, req.Title)
		if err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusOK, toConversation(conv))
	case "get":
		conv, err := h.engine.GetConversation(ctx, req.ConversationID, req.UserID)
		if err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusOK, toConversation(conv))
	case "list":
		convs, err := h.engine.ListConversations(ctx, req.UserID, req.Limit)
		if err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusOK, toConversations(convs))
	case "generate":
		msg, err := h.engine.GenerateResponse(ctx, req.ConversationID, req.UserID)
		if err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusOK, toMessage(msg))
	case "title":
		conv, err := h.engine.UpdateTitle(ctx, req.ConversationID, req.UserID, req.Title)
		if err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusOK, toConversation(conv))
	case "archive":
		if err := h.engine.ArchiveConversation(ctx, req.ConversationID, req.UserID); err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusNoContent, nil)
	case "delete":
		if err := h.engine.DeleteConversation(ctx, req.ConversationID, req.UserID); err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusNoContent, nil)
	case "messages":
		msgs, err := h.engine.ListMessages(ctx, req.ConversationID, req.UserID, req.Limit)
		if err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusOK, toMessages(msgs))
	case "search":
		msgs, err := h.engine.SearchMessages(ctx, req.ConversationID, req.UserID, req.Query, req.Page, req.Limit)
		if err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusOK, toMessages(msgs))
	case "edit_message":
		msg, err := h.engine.EditMessage(ctx, req.ConversationID, req.MessageID, req.UserID, req.Content)
		if err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusOK, toMessage(msg))
	case "delete_message":
		if err := h.engine.DeleteMessage(ctx, req.ConversationID, req.MessageID, req.UserID); err != nil {
			return errorRespond(err)
		}
		return respond(http.StatusNoContent, nil)
	default:
		return respond(http.StatusBadRequest, errorResponse{Error: "INVALID_REQUEST", Reason: "unknown action"})
	}
}

func errorRespond(err error) (events.APIGatewayProxyResponse, error) {
	code := engine.CodeOf(err)
	body := errorResponse{Error: string(code)}
	var e *engine.Error
	if errors.As(err, &e) {
		body.Reason = e.Reason
	}
	return respond(statusFor(code), body)
}

func statusFor(code engine.ErrorCode) int {
	switch code {
	case engine.ErrorNotFound:
		return http.StatusNotFound
	case engine.ErrorInvalidInput:
		return http.StatusBadRequest
	case engine.ErrorContentRejected:
		return http.StatusUnprocessableEntity
	case engine.ErrorGenerationFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respond(status int, body any) (events.APIGatewayProxyResponse, error) {
	resp := events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
	if body == nil {
		return resp, nil
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}, nil
	}
	resp.Body = string(buf)
	return resp, nil
}

func toConversation(conv *domain.Conversation) conversationResponse {
	return conversationResponse{
		ID:             conv.ID,
		PersonaID:      conv.PersonaID,
		Title:          conv.Title,
		Status:         string(conv.Status),
		MessageCount:   conv.MessageCount,
		TotalTokens:    conv.TotalTokens,
		LastActivityAt: conv.LastActivityAt.Format(time.RFC3339),
	}
}

func toConversations(convs []domain.Conversation) []conversationResponse {
	out := make([]conversationResponse, 0, len(convs))
	for i := range convs {
		out = append(out, toConversation(&convs[i]))
	}
	return out
}

func toMessage(msg *domain.Message) messageResponse {
	return messageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Type:           string(msg.Type),
		Content:        msg.Content,
		TokensUsed:     msg.TokensUsed,
		IsEdited:       msg.IsEdited,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339),
	}
}

func toMessages(msgs []domain.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for i := range msgs {
		out = append(out, toMessage(&msgs[i]))
	}
	return out
}
