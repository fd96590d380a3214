package generate

import "context"

// Message is one prior conversation entry, oldest first.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request describes one reply to generate.
type Request struct {
	Question   string
	ExpertName string
	Expertise  []string
	History    []Message
}

// Delta is one fragment of the generated reply. A terminal failure arrives
// as the last delta with Err set; the channel closes after it.
type Delta struct {
	Text string
	Err  error
}

// Generator streams a reply as an ordered sequence of text fragments.
type Generator interface {
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}
