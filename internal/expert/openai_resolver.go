package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"github.com/expertline/voicepipe/internal/config"
	"github.com/expertline/voicepipe/internal/observability"
)

const resolverSystemPrompt = `You select the best expert persona to answer a caller's question.
Respond with a JSON object with exactly these fields:
"name": the expert's display name, like "Dr. Maria Chen, Cardiologist",
"expertiseAreas": an array of two to four short topic strings,
"reasoning": one sentence on why this expert fits the question.`

// OpenAIResolver implements Resolver using a JSON-mode chat completion.
type OpenAIResolver struct {
	client oai.Client
	model  string
	logger zerolog.Logger
}

// NewOpenAIResolver creates a persona resolver.
func NewOpenAIResolver(cfg *config.Config) *OpenAIResolver {
	return &OpenAIResolver{
		client: oai.NewClient(option.WithAPIKey(cfg.OpenAIAPIKey)),
		model:  cfg.ResolverModel,
		logger: observability.GetLogger().With().Str("component", "expert").Logger(),
	}
}

// Resolve picks an expert for the question. A backend failure is returned to
// the caller; a malformed model reply falls back to a general persona so one
// bad completion does not fail the whole turn.
func (r *OpenAIResolver) Resolve(ctx context.Context, question, priorContext string) (*Profile, error) {
	user := question
	if priorContext != "" {
		user = fmt.Sprintf("Conversation so far:\n%s\n\nCurrent question: %s", priorContext, question)
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(r.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(resolverSystemPrompt),
			oai.UserMessage(user),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("expert resolution failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("expert resolution returned no choices")
	}

	profile, err := parseProfile(resp.Choices[0].Message.Content)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Falling back to general expert profile")
		return fallbackProfile(), nil
	}
	return profile, nil
}

// parseProfile decodes the model's JSON reply into a Profile.
func parseProfile(content string) (*Profile, error) {
	var profile Profile
	if err := json.Unmarshal([]byte(content), &profile); err != nil {
		return nil, fmt.Errorf("malformed resolver reply: %w", err)
	}
	if strings.TrimSpace(profile.Name) == "" {
		return nil, fmt.Errorf("resolver reply has no expert name")
	}
	return &profile, nil
}

func fallbackProfile() *Profile {
	return &Profile{
		Name:      "General Expert",
		Reasoning: "No specific expert matched the question",
	}
}
