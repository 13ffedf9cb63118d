// Package openai implements the engine's generation provider and content
// filter on the OpenAI API: blocking chat completions, SSE-streamed
// completions, and the moderation endpoint.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	oa "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"companion-engine/internal/domain"
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client is an OpenAI-backed generation provider. The API key is fetched
// from the parameter store on first use and reused for the process lifetime.
type Client struct {
	baseURL      string
	getter       Getter
	paramPrefix  string
	defaultModel string

	clientOnce sync.Once
	client     *oa.Client
	clientErr  error
}

type Option func(*Client)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithDefaultModel sets the model used when a persona carries no model name.
func WithDefaultModel(model string) Option {
	return func(c *Client) {
		c.defaultModel = strings.TrimSpace(model)
	}
}

// NewClient creates a Client backed by the given paramstore getter for API
// key retrieval.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		getter:       ps,
		paramPrefix:  paramPrefix,
		defaultModel: "gpt-4o-mini",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveClient builds the SDK client on first use, after fetching the API
// key, and caches it for every subsequent call.
func (c *Client) resolveClient(ctx context.Context) (*oa.Client, error) {
	c.clientOnce.Do(func() {
		key, err := c.fetchAPIKey(ctx)
		if err != nil {
			c.clientErr = err
			return
		}
		options := []option.RequestOption{option.WithAPIKey(key)}
		if c.baseURL != "" {
			options = append(options, option.WithBaseURL(c.baseURL))
		}
		client := oa.NewClient(options...)
		c.client = &client
	})
	return c.client, c.clientErr
}

func (c *Client) fetchAPIKey(ctx context.Context) (string, error) {
	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/open-ai-token")
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("openai: API token is empty")
	}
	return tp.Token, nil
}

func (c *Client) model(modelName string) string {
	if strings.TrimSpace(modelName) != "" {
		return modelName
	}
	return c.defaultModel
}

// Generate runs a single blocking chat completion.
func (c *Client) Generate(ctx context.Context, systemPrompt, contextText, _, modelName string) (string, error) {
	client, err := c.resolveClient(ctx)
	if err != nil {
		return "", err
	}

	resp, err := client.Chat.Completions.New(ctx, oa.ChatCompletionNewParams{
		Messages: []oa.ChatCompletionMessageParamUnion{
			oa.SystemMessage(systemPrompt),
			oa.UserMessage(contextText),
		},
		Model: c.model(modelName),
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream starts an SSE chat completion and adapts it to a TextStream.
func (c *Client) Stream(ctx context.Context, systemPrompt, contextText, _, modelName string) (domain.TextStream, error) {
	client, err := c.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	stream := client.Chat.Completions.NewStreaming(ctx, oa.ChatCompletionNewParams{
		Messages: []oa.ChatCompletionMessageParamUnion{
			oa.SystemMessage(systemPrompt),
			oa.UserMessage(contextText),
		},
		Model: c.model(modelName),
	})
	return &chatStream{stream: stream}, nil
}

// chatStream yields the non-empty content deltas of a completion stream.
type chatStream struct {
	stream *ssestream.Stream[oa.ChatCompletionChunk]
}

func (s *chatStream) Recv() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("openai: stream: %w", err)
	}
	return "", io.EOF
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}

// EstimateTokens is the character heuristic: roughly four characters per
// token. The OpenAI tokenizer is not exposed client-side; usage reported by
// the API covers whole requests, not arbitrary text.
func (c *Client) EstimateTokens(text string) int {
	return len(text) / 4
}

// IsSafe calls the moderation endpoint and reports whether the input passed.
func (c *Client) IsSafe(ctx context.Context, text string) (bool, error) {
	client, err := c.resolveClient(ctx)
	if err != nil {
		return false, err
	}

	resp, err := client.Moderations.New(ctx, oa.ModerationNewParams{
		Input: oa.ModerationNewParamsInputUnion{
			OfString: oa.String(text),
		},
	})
	if err != nil {
		return false, fmt.Errorf("openai: moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return !resp.Results[0].Flagged, nil
}
