// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// llm.Backend interface, grounded in the retrieved pack's
// goadesign-goa-ai/features/model/anthropic client (Messages.New call
// shape, rate-limit classification) and present directly as a dependency
// in jordigilh-kubernaut's go.mod.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/antigravity-dev/htnguard/internal/llm"
)

// MessagesClient is the subset of *sdk.MessageService the adapter calls,
// satisfied by the real client or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements llm.Backend over the Anthropic Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
}

// New builds a Client from an existing Messages client.
func New(msg MessagesClient, defaultModel string) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{msg: msg, defaultModel: defaultModel}, nil
}

// NewFromAPIKey builds a Client using the SDK's default HTTP client,
// authenticated with apiKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, defaultModel)
}

// Generate issues a single-turn Messages.New call and maps the response
// into llm.GenerateResult, including exact token usage from the SDK
// response (§6: no fallback estimation is ever needed for this adapter,
// unlike internal/cost's regex-based extractor for other backends).
func (c *Client) Generate(ctx context.Context, prompt string, cfg llm.GenerateConfig) (llm.GenerateResult, error) {
	modelID := cfg.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if cfg.Temperature > 0 {
		params.Temperature = sdk.Float(cfg.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return llm.GenerateResult{}, fmt.Errorf("BackendUnavailable: anthropic messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return llm.GenerateResult{
		Text:      text,
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}, nil
}

var _ llm.Backend = (*Client)(nil)
