package stt

import (
	"context"
	"io"
)

// Result is one finished transcription of a complete utterance.
type Result struct {
	// Text is the transcribed text
	Text string

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// DurationSec is the audio duration in seconds if reported
	DurationSec float64
}

// Transcriber converts one recorded utterance into text. Implementations
// must be safe for concurrent use across turns.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader) (*Result, error)
}
