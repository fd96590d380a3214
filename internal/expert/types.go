package expert

import "context"

// Profile is the persona chosen to answer one question.
type Profile struct {
	Name           string   `json:"name"`
	ExpertiseAreas []string `json:"expertiseAreas,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// Resolver picks the expert persona for a question, given any prior
// conversation context.
type Resolver interface {
	Resolve(ctx context.Context, question, priorContext string) (*Profile, error)
}
