package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/llm"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/transport"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	missing := cfg.MissingCredentials()
	logger.Info().
		Str("port", cfg.Port).
		Str("llm_provider", cfg.LLMProvider).
		Str("wake_word", cfg.WakeWord).
		Bool("assistant_mode", cfg.AssistantMode).
		Strs("missing_keys", missing).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice pipeline starting")

	// A missing model credential degrades replies instead of refusing clients
	model, err := llm.New(cfg, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Language model unavailable, replies will apologise")
		model = llm.NewUnavailable(cfg.LLMProvider)
	}

	manager := transport.NewConnectionManager()

	mux := http.NewServeMux()
	mux.Handle("/ws/voice", transport.NewHandler(cfg, model, manager))

	llmKey := "GATEWAY_TOKEN"
	if cfg.LLMProvider == config.ProviderAnthropic {
		llmKey = "ANTHROPIC_API_KEY"
	}
	health := observability.HealthInfo{
		MissingKeys: missing,
		LLM:         model.Name(),
		Clients:     manager.Count,
		Dependencies: map[string]string{
			"deepgram":   "DEEPGRAM_API_KEY",
			"elevenlabs": "ELEVENLABS_API_KEY",
			"llm":        llmKey,
		},
	}
	mux.HandleFunc("/health", observability.HealthCheckHandler(health))
	mux.HandleFunc("/ready", observability.ReadinessHandler(health))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Timeouts apply to the HTTP handshake; upgraded sockets manage their own deadlines
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/voice", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("clients", manager.Count()).Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown does not track hijacked websocket connections
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if !manager.CloseAll(shutdownTimeout) {
		logger.Warn().Msg("Some connections did not close in time")
	}

	logger.Info().Msg("Server exited gracefully")
}
