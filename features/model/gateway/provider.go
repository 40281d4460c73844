package gateway

import (
	"context"
	"fmt"

	sdkAnthropic "github.com/anthropics/anthropic-sdk-go"
	sdkOpenAI "github.com/openai/openai-go"

	"maice.ai/orchestrator/config"
	"maice.ai/orchestrator/features/model/anthropic"
	"maice.ai/orchestrator/features/model/custom"
	"maice.ai/orchestrator/features/model/middleware"
	openaiprovider "maice.ai/orchestrator/features/model/openai"
	"maice.ai/orchestrator/runtime/agent/model"
)

// NewProvider builds the model.Client for cfg.LLMProvider, reading
// credentials from the environment the way each vendor SDK expects
// (ANTHROPIC_API_KEY, OPENAI_API_KEY). The "google" slot is accepted at
// configuration time but has no SDK anywhere in the retrieved example pack;
// selecting it at runtime is a configuration error rather than a silent
// fallback to another provider.
func NewProvider(cfg *config.Config) (model.Client, error) {
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		// NewClient with no options reads ANTHROPIC_API_KEY and the other
		// standard SDK environment variables.
		client := sdkAnthropic.NewClient()
		return anthropic.New(&client.Messages, anthropic.Options{
			DefaultModel: cfg.AnthropicModel,
		})
	case config.ProviderOpenAI:
		// NewClient with no options reads OPENAI_API_KEY and the other
		// standard SDK environment variables.
		client := sdkOpenAI.NewClient()
		return openaiprovider.New(&client.Chat.Completions, openaiprovider.Options{
			DefaultModel: cfg.OpenAIModel,
		})
	case config.ProviderCustom:
		return custom.New(custom.Options{
			BaseURL:      cfg.CustomBaseURL,
			DefaultModel: cfg.CustomModel,
		})
	case config.ProviderGoogle:
		return nil, fmt.Errorf("%w: google provider has no SDK wired in this build", ErrProviderRequired)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProviderRequired, cfg.LLMProvider)
	}
}

// NewServerFromConfig builds a gateway.Server for cfg's selected provider,
// wrapped in the adaptive rate limiter and the Clue telemetry middleware.
// The limiter is built with no rmap, so it is process-local: each worker
// process gets its own instance, and its fixed key "maice:llm:tpm" has no
// effect. initialTPM or maxTPM of zero fall back to the limiter's defaults.
func NewServerFromConfig(ctx context.Context, cfg *config.Config, initialTPM, maxTPM float64) (*Server, error) {
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "maice:llm:tpm", initialTPM, maxTPM)
	limited := limiter.Middleware()(provider)
	unaryMW, streamMW := WithClueTelemetry()
	return NewServer(WithProvider(limited), WithUnary(unaryMW), WithStream(streamMW))
}
