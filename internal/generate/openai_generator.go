package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"github.com/expertline/voicepipe/internal/config"
	"github.com/expertline/voicepipe/internal/observability"
	"github.com/expertline/voicepipe/internal/resilience"
)

// OpenAIGenerator implements Generator using the OpenAI chat completions
// streaming API. The circuit breaker guards stream startup; failures after
// the stream opens are delivered in-band.
type OpenAIGenerator struct {
	client         oai.Client
	model          string
	maxTokens      int
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewOpenAIGenerator creates a streaming reply generator.
func NewOpenAIGenerator(cfg *config.Config) *OpenAIGenerator {
	return &OpenAIGenerator{
		client:    oai.NewClient(option.WithAPIKey(cfg.OpenAIAPIKey)),
		model:     cfg.GenerateModel,
		maxTokens: cfg.GenerateMaxTok,
		circuitBreaker: resilience.NewCircuitBreaker(
			"openai_generate",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.GetLogger().With().Str("component", "generate").Logger(),
	}
}

// Stream starts generation and returns a channel of reply fragments. The
// channel closes at end-of-stream; a mid-stream failure is delivered as the
// final delta with Err set.
func (g *OpenAIGenerator) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	params := buildParams(g.model, g.maxTokens, req)

	var stream *ssestream.Stream[oai.ChatCompletionChunk]
	err := g.circuitBreaker.Call(func() error {
		stream = g.client.Chat.Completions.NewStreaming(ctx, params)
		return stream.Err()
	})
	observability.UpdateCircuitBreakerState("openai_generate", int(g.circuitBreaker.State()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("openai_generate")
		return nil, fmt.Errorf("failed to start generation stream: %w", err)
	}

	ch := make(chan Delta, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case ch <- Delta{Text: text}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			g.logger.Warn().Err(err).Msg("Generation stream failed mid-turn")
			select {
			case ch <- Delta{Err: fmt.Errorf("generation stream failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// buildParams assembles the chat completion request: expert persona as the
// system prompt, prior turns, then the current question.
func buildParams(model string, maxTokens int, req Request) oai.ChatCompletionNewParams {
	messages := []oai.ChatCompletionMessageParamUnion{
		oai.SystemMessage(personaPrompt(req.ExpertName, req.Expertise)),
	}
	for _, m := range req.History {
		switch m.Role {
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}
	messages = append(messages, oai.UserMessage(req.Question))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}
	return params
}

// personaPrompt phrases the resolved expert as a spoken-voice system prompt.
// Replies are synthesized to audio, so the prompt steers away from markup
// and long enumerations.
func personaPrompt(name string, expertise []string) string {
	var b strings.Builder
	if name == "" {
		name = "a knowledgeable assistant"
	}
	fmt.Fprintf(&b, "You are %s, answering a caller's question out loud.", name)
	if len(expertise) > 0 {
		fmt.Fprintf(&b, " Your areas of expertise: %s.", strings.Join(expertise, ", "))
	}
	b.WriteString(" Answer in complete sentences suitable for speech synthesis.")
	b.WriteString(" Do not use markdown, bullet points, or headings.")
	b.WriteString(" Keep the answer focused and conversational.")
	return b.String()
}
