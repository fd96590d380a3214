package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Flusher is the subset of http.Flusher the multiplexer needs. Writers that
// do not implement it are still supported; events are just not pushed
// eagerly.
type Flusher interface {
	Flush()
}

// Multiplexer serializes one turn's events onto a single NDJSON stream.
//
// All writes go through one mutex, so events from the generation loop, the
// synthesis callbacks, and the error path interleave at event granularity
// and never corrupt a line. Once the underlying writer fails (client
// disconnect), every later write is swallowed so producers can finish
// without special-casing a dead transport.
type Multiplexer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher Flusher
	onEvent func(eventType string)

	metadataSent bool
	errorSent    bool
	doneSent     bool
	dead         bool
}

// NewMultiplexer wraps w. If w implements Flusher each event is flushed as
// it is written. onEvent may be nil; when set it fires once per event
// actually written, for metrics.
func NewMultiplexer(w io.Writer, onEvent func(eventType string)) *Multiplexer {
	m := &Multiplexer{w: w, onEvent: onEvent}
	if f, ok := w.(Flusher); ok {
		m.flusher = f
	}
	return m
}

// Metadata writes the stream-opening metadata event. It must be the first
// event of the turn.
func (m *Multiplexer) Metadata(transcript string, expert Expert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.metadataSent {
		return fmt.Errorf("metadata already sent")
	}
	if err := m.writeLocked(TypeMetadata, MetadataEvent{Type: TypeMetadata, Transcript: transcript, Expert: expert}); err != nil {
		return err
	}
	m.metadataSent = true
	return nil
}

// TextDelta writes one reply fragment.
func (m *Multiplexer) TextDelta(delta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(TypeTextDelta, TextDeltaEvent{Type: TypeTextDelta, Delta: delta})
}

// AudioChunk writes one synthesized chunk paired with its source text.
func (m *Multiplexer) AudioChunk(index int, text, audioBase64 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(TypeAudioChunk, AudioChunkEvent{Type: TypeAudioChunk, Index: index, Text: text, AudioBase64: audioBase64})
}

// Complete writes the full reply text and the turn's processing time.
func (m *Multiplexer) Complete(text string, processingTimeMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(TypeComplete, CompleteEvent{Type: TypeComplete, Text: text, ProcessingTimeMs: processingTimeMs})
}

// Error writes the turn's error event. Only the first error is written;
// later ones are dropped so the client sees at most one.
func (m *Multiplexer) Error(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.errorSent || m.doneSent {
		return nil
	}
	if err := m.writeLocked(TypeError, ErrorEvent{Type: TypeError, Message: message}); err != nil {
		return err
	}
	m.errorSent = true
	return nil
}

// Done writes the terminal event. Idempotent, so the handler can defer it
// and every exit path still produces exactly one.
func (m *Multiplexer) Done() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.doneSent {
		return nil
	}
	if err := m.writeLocked(TypeDone, DoneEvent{Type: TypeDone}); err != nil {
		return err
	}
	m.doneSent = true
	return nil
}

// Started reports whether the stream has begun, for callers that need to
// choose between a plain HTTP error and a mid-stream error event.
func (m *Multiplexer) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadataSent
}

func (m *Multiplexer) writeLocked(eventType string, event any) error {
	if m.dead {
		return nil
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	line = append(line, '\n')
	if _, err := m.w.Write(line); err != nil {
		// The client went away. Later writes become no-ops.
		m.dead = true
		return nil
	}
	if m.flusher != nil {
		m.flusher.Flush()
	}
	if m.onEvent != nil {
		m.onEvent(eventType)
	}
	return nil
}
