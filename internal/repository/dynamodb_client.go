// Package repository persists conversations, messages, and personas in a
// single DynamoDB table:
//
//	conversation  PK=CONV#<id>     SK=META#
//	message       PK=CONV#<id>     SK=MSG#<createdAt>#<id>
//	persona       PK=PERSONA#<id>  SK=META#
//
// Message sort keys embed the creation timestamp so a key-ordered query is a
// chronological read. A userId/lastActivityAt GSI serves per-user
// conversation listings.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"companion-engine/internal/domain"
)

const (
	pkPrefixConv    = "CONV#"
	pkPrefixPersona = "PERSONA#"
	skPrefixMsg     = "MSG#"
	skMeta          = "META#"

	userIndexName = "userId-lastActivityAt-index"
)

// dynamodbAPI is the minimal DynamoDB interface required by the clients.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client wraps the DynamoDB table shared by the entity stores.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates the table client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// Conversations returns the conversation store view of the table.
func (c *Client) Conversations() *Conversations { return &Conversations{c} }

// Messages returns the message store view of the table.
func (c *Client) Messages() *Messages { return &Messages{c} }

// Personas returns the persona lookup view of the table.
func (c *Client) Personas() *Personas { return &Personas{c} }

func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

func msgSK(createdAt time.Time, messageID string) string {
	return skPrefixMsg + createdAt.UTC().Format(time.RFC3339Nano) + "#" + messageID
}

func metaKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// Conversations implements the engine's conversation store.
type Conversations struct {
	c *Client
}

// FindByIDAndOwner returns the conversation, or (nil, nil) when it is absent
// or owned by a different user. The two cases are indistinguishable to the
// caller.
func (s *Conversations) FindByIDAndOwner(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	out, err := s.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.c.tableName),
		Key:            metaKey(convPK(conversationID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FindByIDAndOwner get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: FindByIDAndOwner unmarshal: %w", err)
	}
	if conv.UserID != userID {
		return nil, nil
	}
	return conv, nil
}

// FindByUser returns up to limit of the user's conversations, most recently
// active first, through the userId GSI.
func (s *Conversations) FindByUser(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	out, err := s.c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.c.tableName),
		IndexName:              aws.String(userIndexName),
		KeyConditionExpression: aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FindByUser query: %w", err)
	}

	convs := make([]domain.Conversation, 0, len(out.Items))
	for _, item := range out.Items {
		conv, err := itemToConversation(item)
		if err != nil {
			return nil, fmt.Errorf("repository: FindByUser unmarshal: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, nil
}

// Save writes or replaces the conversation metadata item. Only used when the
// item is created; later mutations go through the attribute-level updates
// below so they cannot clobber concurrently incremented counters.
func (s *Conversations) Save(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("repository: Save: conversation id is required")
	}
	_, err := s.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.c.tableName),
		Item:      conversationItem(conv),
	})
	if err != nil {
		return fmt.Errorf("repository: Save conversation: %w", err)
	}
	return nil
}

// Delete removes the conversation metadata item. Message items keep their
// partition but become unreachable through the engine once the metadata is
// gone.
func (s *Conversations) Delete(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("repository: Delete: conversation id is required")
	}
	_, err := s.c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.c.tableName),
		Key:       metaKey(convPK(conv.ID)),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete conversation: %w", err)
	}
	return nil
}

// UpdateTitle renames the conversation in place. title and status are
// DynamoDB reserved words, hence the attribute name placeholders here and in
// UpdateStatus.
func (s *Conversations) UpdateTitle(ctx context.Context, conversationID, title string) error {
	_, err := s.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.c.tableName),
		Key:                      metaKey(convPK(conversationID)),
		UpdateExpression:         aws.String("SET #title = :title"),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#title": "title"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title": &types.AttributeValueMemberS{Value: title},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateTitle: %w", err)
	}
	return nil
}

// UpdateStatus moves the conversation to a new lifecycle state without
// touching any other attribute.
func (s *Conversations) UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) error {
	_, err := s.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.c.tableName),
		Key:                      metaKey(convPK(conversationID)),
		UpdateExpression:         aws.String("SET #status = :status"),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateStatus: %w", err)
	}
	return nil
}

// IncrementTurn bumps the aggregate counters with a single atomic ADD, so
// concurrent turns for the same conversation never lose updates.
func (s *Conversations) IncrementTurn(ctx context.Context, conversationID string, tokens int, at time.Time) error {
	_, err := s.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.c.tableName),
		Key:                 metaKey(convPK(conversationID)),
		UpdateExpression:    aws.String("SET lastActivityAt = :at ADD messageCount :one, totalTokens :tokens"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":     &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
			":one":    &types.AttributeValueMemberN{Value: "1"},
			":tokens": &types.AttributeValueMemberN{Value: strconv.Itoa(tokens)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: IncrementTurn: %w", err)
	}
	return nil
}

// Messages implements the engine's message store.
type Messages struct {
	c *Client
}

// FindRecent returns up to limit messages in chronological order, oldest
// first.
func (s *Messages) FindRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := s.c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: FindRecent query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: FindRecent unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FindByID locates one message within the conversation partition, or
// (nil, nil) when absent.
func (s *Messages) FindByID(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	out, err := s.c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("messageId = :mid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			":mid":    &types.AttributeValueMemberS{Value: messageID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FindByID query: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	msg, err := itemToMessage(out.Items[0])
	if err != nil {
		return nil, fmt.Errorf("repository: FindByID unmarshal: %w", err)
	}
	return &msg, nil
}

// Save writes or replaces a message. The sort key is derived from the
// creation timestamp and id, both immutable, so an edited message overwrites
// its original item.
func (s *Messages) Save(ctx context.Context, msg *domain.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: Save: message id and conversation id are required")
	}
	_, err := s.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.c.tableName),
		Item:      messageItem(msg),
	})
	if err != nil {
		return fmt.Errorf("repository: Save message: %w", err)
	}
	return nil
}

// Delete removes a single message item.
func (s *Messages) Delete(ctx context.Context, conversationID, messageID string) error {
	msg, err := s.FindByID(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	_, err = s.c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Delete message: %w", err)
	}
	return nil
}

// Search scans the conversation partition for messages containing query and
// returns the requested page, oldest first.
func (s *Messages) Search(ctx context.Context, conversationID, query string, page, pageSize int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("contains(#content, :q)"),
		ExpressionAttributeNames: map[string]string{
			"#content": "content",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			":q":      &types.AttributeValueMemberS{Value: query},
		},
	}

	var matches []domain.Message
	for {
		out, err := s.c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: Search query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: Search unmarshal: %w", err)
			}
			matches = append(matches, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	start := page * pageSize
	if start >= len(matches) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(matches) {
		end = len(matches)
	}
	return matches[start:end], nil
}

// Personas resolves persona definitions from the table.
type Personas struct {
	c *Client
}

// FindByID returns the persona, or (nil, nil) when it does not exist.
func (s *Personas) FindByID(ctx context.Context, personaID string) (*domain.Persona, error) {
	out, err := s.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.c.tableName),
		Key:       metaKey(pkPrefixPersona + personaID),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FindByID persona: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	persona, err := itemToPersona(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: FindByID persona unmarshal: %w", err)
	}
	return persona, nil
}

// ---- attribute mapping ----

func conversationItem(conv *domain.Conversation) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"userId":         &types.AttributeValueMemberS{Value: conv.UserID},
		"personaId":      &types.AttributeValueMemberS{Value: conv.PersonaID},
		"title":          &types.AttributeValueMemberS{Value: conv.Title},
		"status":         &types.AttributeValueMemberS{Value: string(conv.Status)},
		"messageCount":   &types.AttributeValueMemberN{Value: strconv.Itoa(conv.MessageCount)},
		"totalTokens":    &types.AttributeValueMemberN{Value: strconv.FormatInt(conv.TotalTokens, 10)},
		"lastActivityAt": &types.AttributeValueMemberS{Value: conv.LastActivityAt.UTC().Format(time.RFC3339Nano)},
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if conv.ContextSummary != "" {
		item["contextSummary"] = &types.AttributeValueMemberS{Value: conv.ContextSummary}
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (*domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return nil, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return nil, err
	}
	personaID, err := strAttr(item, "personaId")
	if err != nil {
		return nil, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return nil, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return nil, err
	}
	tokens, err := int64Attr(item, "totalTokens")
	if err != nil {
		return nil, err
	}
	title, _ := strAttr(item, "title")
	summary, _ := strAttr(item, "contextSummary") // allow absent

	return &domain.Conversation{
		ID:             id,
		UserID:         userID,
		PersonaID:      personaID,
		Title:          title,
		Status:         domain.ConversationStatus(status),
		MessageCount:   count,
		TotalTokens:    tokens,
		ContextSummary: summary,
		LastActivityAt: timeAttr(item, "lastActivityAt"),
		CreatedAt:      timeAttr(item, "createdAt"),
	}, nil
}

func messageItem(msg *domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.ID)},
		"messageId":      &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"msgType":        &types.AttributeValueMemberS{Value: string(msg.Type)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"tokensUsed":     &types.AttributeValueMemberN{Value: strconv.Itoa(msg.TokensUsed)},
		"isEdited":       &types.AttributeValueMemberBOOL{Value: msg.IsEdited},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if msg.ParentMessageID != "" {
		item["parentMessageId"] = &types.AttributeValueMemberS{Value: msg.ParentMessageID}
	}
	return item
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	tokens, err := intAttr(item, "tokensUsed")
	if err != nil {
		return domain.Message{}, err
	}
	msgType, _ := strAttr(item, "msgType")
	parent, _ := strAttr(item, "parentMessageId") // allow absent

	return domain.Message{
		ID:              id,
		ConversationID:  conversationID,
		Role:            domain.MessageRole(role),
		Type:            domain.ParseMessageType(msgType),
		Content:         content,
		TokensUsed:      tokens,
		ParentMessageID: parent,
		IsEdited:        boolAttr(item, "isEdited"),
		CreatedAt:       timeAttr(item, "createdAt"),
	}, nil
}

func itemToPersona(item map[string]types.AttributeValue) (*domain.Persona, error) {
	id, err := strAttr(item, "personaId")
	if err != nil {
		return nil, err
	}
	name, err := strAttr(item, "name")
	if err != nil {
		return nil, err
	}
	systemPrompt, err := strAttr(item, "systemPrompt")
	if err != nil {
		return nil, err
	}
	modelProvider, _ := strAttr(item, "modelProvider")
	modelName, _ := strAttr(item, "modelName")
	avatarURL, _ := strAttr(item, "avatarUrl")

	return &domain.Persona{
		ID:            id,
		Name:          name,
		SystemPrompt:  systemPrompt,
		ModelProvider: modelProvider,
		ModelName:     modelName,
		AvatarURL:     avatarURL,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, err := int64Attr(item, key)
	return int(v), err
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	if v, ok := item[key].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

func timeAttr(item map[string]types.AttributeValue, key string) time.Time {
	v, ok := item[key].(*types.AttributeValueMemberS)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.Value)
	if err != nil {
		return time.Time{}
	}
	return t
}
