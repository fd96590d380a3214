// Package callclient consumes the voice pipeline's call API: it sends
// turns, parses the NDJSON reply stream incrementally, and tracks the call's
// conversational state for a playback UI.
package callclient

// Wire event types, mirroring the server's stream protocol.
const (
	TypeMetadata   = "metadata"
	TypeTextDelta  = "text_delta"
	TypeAudioChunk = "audio_chunk"
	TypeComplete   = "complete"
	TypeError      = "error"
	TypeDone       = "done"
)

// Expert is the persona answering the turn, from the metadata event.
type Expert struct {
	Name           string   `json:"name"`
	ExpertiseAreas []string `json:"expertiseAreas,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// Event is the decoded envelope of one stream line. Only the fields for the
// event's type are populated.
type Event struct {
	Type             string `json:"type"`
	Transcript       string `json:"transcript,omitempty"`
	Expert           Expert `json:"expert,omitempty"`
	Delta            string `json:"delta,omitempty"`
	Index            int    `json:"index,omitempty"`
	Text             string `json:"text,omitempty"`
	AudioBase64      string `json:"audioBase64,omitempty"`
	ProcessingTimeMs int64  `json:"processingTimeMs,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Handlers receives decoded events in stream order. Nil handlers are
// skipped. OnMalformed is informational; malformed lines are always skipped.
type Handlers struct {
	OnMetadata   func(transcript string, expert Expert)
	OnTextDelta  func(delta string)
	OnAudioChunk func(index int, text, audioBase64 string)
	OnComplete   func(text string, processingTimeMs int64)
	OnError      func(message string)
	OnDone       func()
	OnMalformed  func(line string, err error)
}
