// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API, translating gateway requests into
// github.com/openai/openai-go calls and mapping plain-text responses back
// onto the generic model.Request/model.Response/model.Chunk structures.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"maice.ai/orchestrator/runtime/agent/model"
)

// ChatCompletionsClient captures the subset of the openai-go client used by
// the adapter, so tests can substitute a stub without a live API key.
type ChatCompletionsClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the OpenAI adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat         ChatCompletionsClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds an OpenAI-backed model client from the given chat-completions
// client and options.
func New(chat ChatCompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat completions client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("openai: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		chat:         chat,
		defaultModel: modelID,
		maxTok:       maxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
// The key is set with option.WithAPIKey; sdk.NewClient reads the remaining
// defaults from the environment.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Chat Completions request and translates the
// response into a plain-text model.Response.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completions create: %w", err)
	}
	return translateResponse(resp)
}

// Stream invokes Chat Completions streaming and adapts the incremental text
// and usage events into model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	opts := sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	params.StreamOptions = opts
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completions create stream: %w", err)
	}
	return newOpenAIStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: msgs,
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, nil
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []*model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		text := textOf(m.Parts)
		if text == "" {
			continue
		}
		switch m.Role { //nolint:exhaustive
		case model.ConversationRoleSystem:
			out = append(out, sdk.SystemMessage(text))
		case model.ConversationRoleUser:
			out = append(out, sdk.UserMessage(text))
		case model.ConversationRoleAssistant:
			out = append(out, sdk.AssistantMessage(text))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	return out, nil
}

func textOf(parts []model.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if v, ok := part.(model.TextPart); ok {
			b.WriteString(v.Text)
		}
	}
	return b.String()
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func translateResponse(resp *sdk.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := &model.Response{}
	if text := choice.Message.Content; text != "" {
		out.Content = append(out.Content, model.Message{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: text}},
		})
	}
	if u := resp.Usage; u.TotalTokens != 0 {
		out.Usage = model.TokenUsage{
			InputTokens:  int(u.PromptTokens),
			OutputTokens: int(u.CompletionTokens),
			TotalTokens:  int(u.TotalTokens),
		}
	}
	out.StopReason = string(choice.FinishReason)
	return out, nil
}
