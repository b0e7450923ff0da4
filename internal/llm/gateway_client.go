package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/config"
)

// GatewayClient streams chat completions from an OpenAI-compatible gateway.
// The agent id is sent as the model and the session key as the user.
type GatewayClient struct {
	client       openai.Client
	agentID      string
	sessionKey   string
	systemPrompt string
	maxTokens    int64
	gatewayURL   string
	logger       zerolog.Logger
}

// NewGatewayClient creates a gateway-backed client
func NewGatewayClient(cfg *config.Config, logger zerolog.Logger) *GatewayClient {
	base := strings.TrimRight(cfg.GatewayURL, "/")

	opts := []option.RequestOption{
		option.WithBaseURL(base + "/v1/"),
		option.WithHTTPClient(newHTTPClient(cfg.LLMRequestTimeout())),
		option.WithMaxRetries(0),
		option.WithHeader("Accept", "text/event-stream"),
	}
	if cfg.GatewayToken != "" {
		opts = append(opts, option.WithAPIKey(cfg.GatewayToken))
	} else {
		// drop any key the SDK picked up from OPENAI_API_KEY
		opts = append(opts, option.WithHeaderDel("Authorization"))
	}

	return &GatewayClient{
		client:       openai.NewClient(opts...),
		agentID:      cfg.GatewayAgentID,
		sessionKey:   cfg.GatewaySessionKey,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    int64(cfg.LLMMaxTokens),
		gatewayURL:   base,
		logger:       logger.With().Str("provider", config.ProviderGateway).Logger(),
	}
}

func (g *GatewayClient) Name() string {
	return config.ProviderGateway
}

func (g *GatewayClient) messages(history []Message) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if g.systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(g.systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		}
	}
	return messages
}

// StreamResponse implements Client
func (g *GatewayClient) StreamResponse(ctx context.Context, history []Message) <-chan string {
	out := make(chan string, fragmentBuffer)
	if len(history) == 0 {
		close(out)
		return out
	}

	go func() {
		defer close(out)

		stream := g.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model:     openai.ChatModel(g.agentID),
			Messages:  g.messages(history),
			MaxTokens: openai.Int(g.maxTokens),
			User:      openai.String(g.sessionKey),
		})
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !emit(ctx, out, choice.Delta.Content) {
					return
				}
			}
			if choice.FinishReason == "stop" {
				return
			}
		}

		err := stream.Err()
		if err == nil || ctx.Err() != nil {
			return
		}

		emit(ctx, out, g.apology(err))
	}()

	return out
}

// apology picks the fragment for a failed request and logs the cause
func (g *GatewayClient) apology(err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		g.logger.Error().Err(err).Int("status", apiErr.StatusCode).Msg("Gateway returned an error status")
		return ApologyStatus
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		g.logger.Error().Err(err).Str("gateway_url", g.gatewayURL).Msg("Cannot reach gateway, make sure it is running")
		return ApologyUnreachable
	}

	g.logger.Error().Err(err).Msg("Gateway stream failed")
	return ApologyGeneric
}
