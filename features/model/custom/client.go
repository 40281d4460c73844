// Package custom implements the "custom" LLM_PROVIDER value: a minimal
// JSON-over-HTTP completion client for self-hosted or third-party proxy
// endpoints that speak a simple {prompt, model, max_tokens} request /
// {content, usage} response contract. No generic-proxy SDK appears anywhere
// in the retrieved example pack, so this single component is deliberately
// built on net/http rather than adapted from a teacher file; every other
// provider in this gateway wraps a real vendor SDK.
package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maice.ai/orchestrator/runtime/agent/model"
)

// Options configures the custom proxy client.
type Options struct {
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
}

// Client implements model.Client against a custom completion proxy.
// It does not support Stream; spec.md does not require streaming from the
// custom provider, and no response format for incremental delivery is
// defined for a generic proxy.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New builds a custom-provider client.
func New(opts Options) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("custom: base url is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("custom: default model is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: base, model: modelID, http: httpClient}, nil
}

type completionRequest struct {
	Model      string `json:"model"`
	Prompt     string `json:"prompt"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

type completionResponse struct {
	Content string `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	StopReason string `json:"stop_reason"`
}

// Complete issues a single JSON request/response round trip to the proxy.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("custom: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	body := completionRequest{
		Model:       modelID,
		Prompt:      renderPrompt(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("custom: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/complete", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("custom: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("custom: do request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("custom: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: custom proxy returned 429", model.ErrRateLimited)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("custom: proxy returned status %d: %s", resp.StatusCode, string(data))
	}
	var out completionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("custom: decode response: %w", err)
	}
	return &model.Response{
		Content: []model.Message{{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: out.Content}},
		}},
		Usage: model.TokenUsage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			TotalTokens:  out.Usage.TotalTokens,
		},
		StopReason: out.StopReason,
	}, nil
}

// Stream is not supported by the custom proxy provider.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func renderPrompt(msgs []*model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m == nil {
			continue
		}
		for _, part := range m.Parts {
			if v, ok := part.(model.TextPart); ok {
				b.WriteString(string(m.Role))
				b.WriteString(": ")
				b.WriteString(v.Text)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
