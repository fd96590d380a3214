package tts

import "context"

// Callbacks receives synthesis events from a realtime stream. All callbacks
// fire from the stream's read goroutine, one at a time, so implementations
// need no internal locking against each other.
type Callbacks struct {
	// OnAudio delivers one base64-encoded PCM audio chunk.
	OnAudio func(audioBase64 string)

	// OnFinal fires when the synthesis service marks the stream complete.
	OnFinal func()

	// OnError fires on a non-recoverable stream failure. A transport timeout
	// after at least one audio chunk was delivered is treated as completion
	// and does not reach OnError.
	OnError func(err error)

	// OnClose fires exactly once when the stream is finished, whether it
	// ended cleanly, errored, or was closed by the caller.
	OnClose func()
}

// StreamConfig selects the voice and output format for one stream.
type StreamConfig struct {
	VoiceID    string
	ModelID    string
	SampleRate int // PCM output sample rate in Hz
}

// StreamHandle is one open realtime synthesis stream. Text goes in, audio
// comes back through the Callbacks in input order.
type StreamHandle interface {
	// SendText submits a chunk of text. When flush is true the service
	// synthesizes everything buffered so far instead of waiting for more.
	SendText(text string, flush bool) error

	// End signals that no further text is coming. The service finishes any
	// buffered synthesis and then closes the stream from its side.
	End() error

	// Close tears the stream down immediately.
	Close() error

	// AudioChunks returns how many audio chunks have been delivered so far.
	AudioChunks() int
}

// Synthesizer opens realtime synthesis streams.
type Synthesizer interface {
	Open(ctx context.Context, cfg StreamConfig, cb Callbacks) (StreamHandle, error)
}
