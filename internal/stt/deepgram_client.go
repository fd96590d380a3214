package stt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	restv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/expertline/voicepipe/internal/config"
	"github.com/expertline/voicepipe/internal/observability"
	"github.com/expertline/voicepipe/internal/resilience"
)

// DeepgramClient implements Transcriber against Deepgram's prerecorded REST
// API. One request per utterance; the circuit breaker keeps a flapping
// backend from stalling every turn.
type DeepgramClient struct {
	config         *config.Config
	client         *restv1api.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramClient creates a prerecorded transcription client.
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	rest := listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})

	return &DeepgramClient{
		config: cfg,
		client: restv1api.New(rest),
		circuitBreaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.GetLogger().With().Str("component", "stt").Logger(),
	}
}

// Transcribe sends one utterance and returns the best transcript.
func (d *DeepgramClient) Transcribe(ctx context.Context, audio io.Reader) (*Result, error) {
	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.config.DeepgramModel,
		Language:    d.config.DeepgramLanguage,
		Punctuate:   true,
		SmartFormat: true,
	}

	var result *Result
	err := d.circuitBreaker.Call(func() error {
		response, err := d.client.FromStream(ctx, audio, options)
		if err != nil {
			return fmt.Errorf("deepgram request failed: %w", err)
		}

		if len(response.Results.Channels) == 0 || len(response.Results.Channels[0].Alternatives) == 0 {
			return fmt.Errorf("deepgram returned no transcription alternatives")
		}

		alt := response.Results.Channels[0].Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			return fmt.Errorf("deepgram returned an empty transcript")
		}

		result = &Result{
			Text:        text,
			Confidence:  alt.Confidence,
			DurationSec: response.Metadata.Duration,
		}
		return nil
	})

	observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.State()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
		return nil, err
	}

	d.logger.Debug().
		Float64("confidence", result.Confidence).
		Float64("duration_sec", result.DurationSec).
		Msg("Transcription complete")
	return result, nil
}
