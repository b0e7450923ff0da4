package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/config"
)

// AnthropicClient streams replies from the Anthropic Messages API
type AnthropicClient struct {
	client       anthropic.Client
	model        string
	systemPrompt string
	maxTokens    int64
	logger       zerolog.Logger
}

// NewAnthropicClient creates a direct Anthropic client
func NewAnthropicClient(cfg *config.Config, logger zerolog.Logger) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(
			option.WithAPIKey(cfg.AnthropicAPIKey),
			option.WithBaseURL(strings.TrimRight(cfg.AnthropicURL, "/")+"/"),
			option.WithHTTPClient(newHTTPClient(cfg.LLMRequestTimeout())),
			option.WithMaxRetries(0),
		),
		model:        cfg.AnthropicModel,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    int64(cfg.LLMMaxTokens),
		logger:       logger.With().Str("provider", config.ProviderAnthropic).Logger(),
	}
}

func (c *AnthropicClient) Name() string {
	return config.ProviderAnthropic
}

func (c *AnthropicClient) params(history []Message) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
		// system turns travel in the top-level field
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if c.systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.systemPrompt}}
	}
	return params
}

// StreamResponse implements Client
func (c *AnthropicClient) StreamResponse(ctx context.Context, history []Message) <-chan string {
	out := make(chan string, fragmentBuffer)
	if len(history) == 0 {
		close(out)
		return out
	}

	go func() {
		defer close(out)

		stream := c.client.Messages.NewStreaming(ctx, c.params(history))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
				if !ok || delta.Text == "" {
					continue
				}
				if !emit(ctx, out, delta.Text) {
					return
				}
			case anthropic.MessageStopEvent:
				return
			}
		}

		err := stream.Err()
		if err == nil || ctx.Err() != nil {
			return
		}

		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			c.logger.Error().Err(err).Int("status", apiErr.StatusCode).Msg("Anthropic returned an error status")
		} else {
			c.logger.Error().Err(err).Msg("Anthropic stream failed")
		}
		emit(ctx, out, ApologyGeneric)
	}()

	return out
}
