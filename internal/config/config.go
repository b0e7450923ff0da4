package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LLM provider names accepted by LLM_PROVIDER
const (
	ProviderGateway   = "gateway"
	ProviderAnthropic = "anthropic"
)

// Config holds all configuration for the voice pipeline service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8000"`

	// Deepgram STT configuration
	DeepgramAPIKey            string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramURL               string `envconfig:"DEEPGRAM_URL" default:"wss://api.deepgram.com/v1/listen"`
	DeepgramModel             string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage          string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`
	DeepgramEndpointing       int    `envconfig:"DEEPGRAM_ENDPOINTING" default:"500"`        // milliseconds of silence before speech_final
	DeepgramUtteranceEndMs    int    `envconfig:"DEEPGRAM_UTTERANCE_END_MS" default:"1200"`  // milliseconds before UtteranceEnd
	DeepgramKeepAliveInterval int    `envconfig:"DEEPGRAM_KEEPALIVE_INTERVAL" default:"5"`   // seconds without audio before KeepAlive

	// ElevenLabs TTS configuration
	ElevenLabsAPIKey            string `envconfig:"ELEVENLABS_API_KEY"`
	ElevenLabsURL               string `envconfig:"ELEVENLABS_URL" default:"wss://api.elevenlabs.io/v1/text-to-speech"`
	ElevenLabsVoiceID           string `envconfig:"ELEVENLABS_VOICE_ID" default:"JBFqnCBsd6RMkjVDRZzb"`
	ElevenLabsModelID           string `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_flash_v2_5"`
	ElevenLabsOutputFormat      string `envconfig:"ELEVENLABS_OUTPUT_FORMAT" default:"mp3_44100_128"`
	ElevenLabsInactivityTimeout int    `envconfig:"ELEVENLABS_INACTIVITY_TIMEOUT" default:"180"` // seconds

	// Synthesis pacing
	TTSVoiceStability       float64 `envconfig:"TTS_VOICE_STABILITY" default:"0.5"`
	TTSVoiceSimilarityBoost float64 `envconfig:"TTS_VOICE_SIMILARITY_BOOST" default:"0.75"`
	TTSVoiceSpeed           float64 `envconfig:"TTS_VOICE_SPEED" default:"1.0"`
	TTSMinTextChars         int     `envconfig:"TTS_MIN_TEXT_CHARS" default:"50"`
	TTSMinTextCharsFirst    int     `envconfig:"TTS_MIN_TEXT_CHARS_FIRST" default:"20"`
	TTSKeepAliveInterval    int     `envconfig:"TTS_KEEPALIVE_INTERVAL" default:"15"` // seconds
	TTSPrebufferBytes       int     `envconfig:"TTS_PREBUFFER_BYTES" default:"4000"`
	TTSFlushTimeout         int     `envconfig:"TTS_FLUSH_TIMEOUT" default:"10"` // seconds

	// Language model configuration
	LLMProvider       string `envconfig:"LLM_PROVIDER" default:"gateway"` // gateway or anthropic
	GatewayURL        string `envconfig:"GATEWAY_URL" default:"http://127.0.0.1:18789"`
	GatewayToken      string `envconfig:"GATEWAY_TOKEN"`
	GatewayAgentID    string `envconfig:"GATEWAY_AGENT_ID" default:"main"`
	GatewaySessionKey string `envconfig:"GATEWAY_SESSION_KEY" default:"voice-pipeline"`
	AnthropicAPIKey   string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicURL      string `envconfig:"ANTHROPIC_URL" default:"https://api.anthropic.com"`
	AnthropicModel    string `envconfig:"ANTHROPIC_MODEL" default:"claude-3-5-haiku-20241022"`
	LLMMaxTokens      int    `envconfig:"LLM_MAX_TOKENS" default:"1024"`
	LLMTimeout        int    `envconfig:"LLM_TIMEOUT" default:"60"` // seconds
	SystemPrompt      string `envconfig:"SYSTEM_PROMPT" default:"You are Garvis, a voice AI assistant. Keep replies to 1-2 sentences max. Be direct."`
	MaxHistoryTurns   int    `envconfig:"MAX_CONVERSATION_TURNS" default:"10"`

	// Conversation gating
	AssistantMode           bool     `envconfig:"ASSISTANT_MODE" default:"true"`
	WakeWord                string   `envconfig:"WAKE_WORD" default:"garvis"`
	WakeWordAliases         []string `envconfig:"WAKE_WORD_ALIASES" default:"jarvis,travis"`
	EchoCooldownMs          int      `envconfig:"ECHO_COOLDOWN_MS" default:"1000"`
	EchoWindow              int      `envconfig:"ECHO_WINDOW" default:"15"` // seconds
	EchoSimilarityThreshold float64  `envconfig:"ECHO_SIMILARITY_THRESHOLD" default:"0.5"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges. Missing credentials are not an error here;
// they are reported through MissingCredentials and the health endpoint.
func (c *Config) Validate() error {
	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	if c.LLMProvider != ProviderGateway && c.LLMProvider != ProviderAnthropic {
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderGateway, ProviderAnthropic, c.LLMProvider)
	}
	if c.MaxHistoryTurns <= 0 {
		return fmt.Errorf("MAX_CONVERSATION_TURNS must be positive, got %d", c.MaxHistoryTurns)
	}
	if c.TTSPrebufferBytes <= 0 {
		return fmt.Errorf("TTS_PREBUFFER_BYTES must be positive, got %d", c.TTSPrebufferBytes)
	}
	if c.TTSMinTextChars <= 0 || c.TTSMinTextCharsFirst <= 0 {
		return fmt.Errorf("TTS_MIN_TEXT_CHARS and TTS_MIN_TEXT_CHARS_FIRST must be positive")
	}
	if c.EchoSimilarityThreshold < 0 || c.EchoSimilarityThreshold > 1 {
		return fmt.Errorf("ECHO_SIMILARITY_THRESHOLD must be within [0,1], got %f", c.EchoSimilarityThreshold)
	}
	if strings.TrimSpace(c.WakeWord) == "" {
		return fmt.Errorf("WAKE_WORD must not be empty")
	}
	return nil
}

// MissingCredentials lists the API key variables the configured providers need but are unset
func (c *Config) MissingCredentials() []string {
	var missing []string
	if c.DeepgramAPIKey == "" {
		missing = append(missing, "DEEPGRAM_API_KEY")
	}
	switch c.LLMProvider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			missing = append(missing, "ANTHROPIC_API_KEY")
		}
	default:
		if c.GatewayToken == "" {
			missing = append(missing, "GATEWAY_TOKEN")
		}
	}
	if c.ElevenLabsAPIKey == "" {
		missing = append(missing, "ELEVENLABS_API_KEY")
	}
	return missing
}

func (c *Config) RecognitionKeepAlive() time.Duration {
	return time.Duration(c.DeepgramKeepAliveInterval) * time.Second
}

func (c *Config) SynthesisKeepAlive() time.Duration {
	return time.Duration(c.TTSKeepAliveInterval) * time.Second
}

func (c *Config) FlushTimeout() time.Duration {
	return time.Duration(c.TTSFlushTimeout) * time.Second
}

func (c *Config) LLMRequestTimeout() time.Duration {
	return time.Duration(c.LLMTimeout) * time.Second
}

// EchoCooldown is how long inbound audio stays muted after speaking ends
func (c *Config) EchoCooldown() time.Duration {
	return time.Duration(c.EchoCooldownMs) * time.Millisecond
}

// EchoWindowDuration bounds how long the last spoken text is used for echo comparison
func (c *Config) EchoWindowDuration() time.Duration {
	return time.Duration(c.EchoWindow) * time.Second
}

func (c *Config) CircuitBreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
