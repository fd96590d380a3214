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

	"github.com/expertline/voicepipe/internal/call"
	"github.com/expertline/voicepipe/internal/config"
	"github.com/expertline/voicepipe/internal/expert"
	"github.com/expertline/voicepipe/internal/generate"
	"github.com/expertline/voicepipe/internal/observability"
	"github.com/expertline/voicepipe/internal/session"
	"github.com/expertline/voicepipe/internal/stt"
	"github.com/expertline/voicepipe/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("generate_model", cfg.GenerateModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Pipeline Service starting")

	// Wire the turn pipeline's collaborators
	store := session.NewMemoryStore()
	transcriber := stt.NewDeepgramClient(cfg)
	resolver := expert.NewOpenAIResolver(cfg)
	generator := generate.NewOpenAIGenerator(cfg)
	synthesizer := tts.NewElevenLabsClient(cfg)

	handler := call.NewHandler(cfg, store, transcriber, resolver, generator, synthesizer)

	mux := http.NewServeMux()
	handler.Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness checks validate configuration without spending API calls
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"deepgram": func(ctx context.Context) (bool, error) {
			if cfg.DeepgramAPIKey == "" {
				return false, fmt.Errorf("deepgram API key not configured")
			}
			return true, nil
		},
		"elevenlabs": func(ctx context.Context) (bool, error) {
			if cfg.ElevenLabsAPIKey == "" {
				return false, fmt.Errorf("elevenlabs API key not configured")
			}
			return true, nil
		},
		"openai": func(ctx context.Context) (bool, error) {
			if cfg.OpenAIAPIKey == "" {
				return false, fmt.Errorf("openai API key not configured")
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Turn streams stay open for the whole reply, so no WriteTimeout here;
	// each turn enforces its own deadline.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/calls", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
