// Package wire defines the newline-delimited JSON events that carry one
// turn's text, audio, and metadata over a single ordered response stream.
package wire

// Event type discriminators, carried in every event's "type" field.
const (
	TypeMetadata   = "metadata"
	TypeTextDelta  = "text_delta"
	TypeAudioChunk = "audio_chunk"
	TypeComplete   = "complete"
	TypeError      = "error"
	TypeDone       = "done"
)

// Expert describes the persona answering the turn.
type Expert struct {
	Name           string   `json:"name"`
	ExpertiseAreas []string `json:"expertiseAreas,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// MetadataEvent opens every stream: the recognized transcript plus the
// resolved expert.
type MetadataEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Expert     Expert `json:"expert"`
}

// TextDeltaEvent carries one incremental fragment of the generated reply.
type TextDeltaEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// AudioChunkEvent pairs one synthesized audio chunk with the text that
// produced it. Index is the chunk's sequence number, contiguous from 1.
type AudioChunkEvent struct {
	Type        string `json:"type"`
	Index       int    `json:"index"`
	Text        string `json:"text"`
	AudioBase64 string `json:"audioBase64"`
}

// CompleteEvent carries the full reply text once generation has finished.
type CompleteEvent struct {
	Type             string `json:"type"`
	Text             string `json:"text"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
}

// ErrorEvent reports a mid-stream failure. At most one per turn.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DoneEvent terminates the stream. Exactly one per turn, always last.
type DoneEvent struct {
	Type string `json:"type"`
}
