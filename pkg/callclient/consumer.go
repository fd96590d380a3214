package callclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// readChunkSize is how much of the response body is pulled per read. Events
// must be dispatched as lines arrive, not after the body ends.
const readChunkSize = 4096

// Consume reads an NDJSON event stream from r until EOF, the done event, or
// context cancellation, dispatching each event to h in order.
//
// Lines are parsed incrementally: a read may end mid-line, in which case the
// fragment is kept until its newline arrives. A final line without a
// trailing newline is parsed at EOF. Malformed lines are skipped.
// Cancellation is not an error; Consume just stops reading.
func Consume(ctx context.Context, r io.Reader, h Handlers) error {
	var pending bytes.Buffer
	buf := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			for {
				line, ok := nextLine(&pending)
				if !ok {
					break
				}
				if done := dispatch(line, h); done {
					return nil
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				// Tolerate an unterminated final line.
				if rest := strings.TrimSpace(pending.String()); rest != "" {
					dispatch(rest, h)
				}
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", readErr)
		}
	}
}

// nextLine extracts one complete newline-terminated line from the buffer.
func nextLine(pending *bytes.Buffer) (string, bool) {
	data := pending.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(data[:idx])
	pending.Next(idx + 1)
	return line, true
}

// dispatch decodes one line and invokes the matching handler. It reports
// whether the stream's terminal event was seen.
func dispatch(line string, h Handlers) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	var event Event
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		if h.OnMalformed != nil {
			h.OnMalformed(line, err)
		}
		return false
	}

	switch event.Type {
	case TypeMetadata:
		if h.OnMetadata != nil {
			h.OnMetadata(event.Transcript, event.Expert)
		}
	case TypeTextDelta:
		if h.OnTextDelta != nil {
			h.OnTextDelta(event.Delta)
		}
	case TypeAudioChunk:
		if h.OnAudioChunk != nil {
			h.OnAudioChunk(event.Index, event.Text, event.AudioBase64)
		}
	case TypeComplete:
		if h.OnComplete != nil {
			h.OnComplete(event.Text, event.ProcessingTimeMs)
		}
	case TypeError:
		if h.OnError != nil {
			h.OnError(event.Message)
		}
	case TypeDone:
		if h.OnDone != nil {
			h.OnDone()
		}
		return true
	default:
		if h.OnMalformed != nil {
			h.OnMalformed(line, fmt.Errorf("unknown event type %q", event.Type))
		}
	}
	return false
}
