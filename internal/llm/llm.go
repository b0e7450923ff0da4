package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

// New selects the backend named by LLM_PROVIDER. It fails when the Anthropic
// key is missing; callers may fall back to NewUnavailable. The gateway token is
// optional and only sent when set.
func New(cfg *config.Config, logger zerolog.Logger) (Client, error) {
	logger = observability.ComponentLogger(logger, "llm")

	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set: %w", resilience.ErrMissingCredentials)
		}
		return NewAnthropicClient(cfg, logger), nil
	case config.ProviderGateway, "":
		if cfg.GatewayToken == "" {
			logger.Warn().Msg("GATEWAY_TOKEN is not set, calling gateway without authorization")
		}
		return NewGatewayClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

// Unavailable stands in for a backend that could not be constructed.
// Every turn is answered with a single apology.
type Unavailable struct {
	name string
}

// NewUnavailable creates a placeholder client reporting the configured provider name
func NewUnavailable(name string) *Unavailable {
	return &Unavailable{name: name}
}

func (u *Unavailable) Name() string {
	return u.name
}

func (u *Unavailable) StreamResponse(ctx context.Context, history []Message) <-chan string {
	out := make(chan string, 1)
	if len(history) > 0 {
		out <- ApologyGeneric
	}
	close(out)
	return out
}
