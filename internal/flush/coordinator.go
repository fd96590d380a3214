// Package flush batches segmented sentences into synthesis requests.
//
// The Coordinator owns all per-turn flush state: the pending text
// accumulator, the sequence counter, the FIFO of chunks awaiting audio, and
// the debounce timer. Callers interact with it only through its methods, so
// the timer goroutine and the generation loop never share raw state.
package flush

import (
	"strings"
	"sync"
	"time"
)

// Flush reasons, reported to the sink's metrics hook.
const (
	ReasonChars    = "chars"
	ReasonWords    = "words"
	ReasonDebounce = "debounce"
	ReasonFinal    = "final"
)

// Chunk is an immutable flushed unit of text. Sequence numbers are contiguous
// and start at 1 within a turn.
type Chunk struct {
	Sequence int
	Text     string
}

// Config holds the flush policy thresholds for one turn.
type Config struct {
	// FirstChars is the character threshold for the first chunk of a turn.
	// Kept low so the first synthesis request goes out quickly.
	FirstChars int
	// StableChars is the character threshold for every later chunk.
	StableChars int
	// MaxWords flushes a chunk regardless of character count.
	MaxWords int
	// Debounce flushes a quiet non-empty chunk after this delay.
	Debounce time.Duration
}

// Sink receives each flushed chunk, in sequence order.
type Sink func(Chunk) error

// Coordinator applies the flush policy to incoming sentences and correlates
// synthesized audio back to the text that produced it via FIFO dequeue.
type Coordinator struct {
	cfg     Config
	sink    Sink
	onFlush func(reason string)

	mu       sync.Mutex
	pending  strings.Builder
	seq      int
	awaiting []Chunk
	finished bool
	sinkErr  error

	debounce delayedTask
}

// New creates a Coordinator. onFlush may be nil; when set it is called once
// per flush with the policy reason that triggered it.
func New(cfg Config, sink Sink, onFlush func(reason string)) *Coordinator {
	return &Coordinator{cfg: cfg, sink: sink, onFlush: onFlush}
}

// Append adds one complete sentence to the pending chunk and applies the
// flush policy. Any sink error is returned here and on every later call.
func (c *Coordinator) Append(sentence string) error {
	sentence = strings.TrimSpace(sentence)
	if sentence == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sinkErr != nil {
		return c.sinkErr
	}
	if c.finished {
		return nil
	}

	if c.pending.Len() > 0 {
		c.pending.WriteByte(' ')
	}
	c.pending.WriteString(sentence)

	threshold := c.cfg.StableChars
	if c.seq == 0 {
		threshold = c.cfg.FirstChars
	}

	switch {
	case c.pending.Len() >= threshold:
		return c.flushLocked(ReasonChars)
	case len(strings.Fields(c.pending.String())) >= c.cfg.MaxWords:
		return c.flushLocked(ReasonWords)
	default:
		// New input re-arms the debounce window.
		c.debounce.Arm(c.cfg.Debounce, c.fireDebounce)
		return nil
	}
}

// Finish force-flushes any pending text and stops the debounce timer. The
// Coordinator accepts no further sentences afterwards.
func (c *Coordinator) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.debounce.Cancel()
	c.finished = true
	if c.sinkErr != nil {
		return c.sinkErr
	}
	if c.pending.Len() == 0 {
		return nil
	}
	return c.flushLocked(ReasonFinal)
}

// Dequeue pops the oldest chunk awaiting audio. The synthesis transport
// guarantees input-order audio delivery, so FIFO pairing is exact.
func (c *Coordinator) Dequeue() (Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.awaiting) == 0 {
		return Chunk{}, false
	}
	chunk := c.awaiting[0]
	c.awaiting = c.awaiting[1:]
	return chunk, true
}

// AwaitingAudio returns the number of flushed chunks not yet paired with audio.
func (c *Coordinator) AwaitingAudio() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.awaiting)
}

// FlushCount returns the number of flushes performed so far this turn.
func (c *Coordinator) FlushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *Coordinator) fireDebounce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished || c.sinkErr != nil || c.pending.Len() == 0 {
		return
	}
	// The sink error surfaces on the next Append/Finish call.
	_ = c.flushLocked(ReasonDebounce)
}

// flushLocked assigns the next sequence number, records the chunk on the
// awaiting-audio FIFO, and forwards it to the sink. Caller holds c.mu; the
// sink runs under the lock so flushes reach the transport in sequence order.
func (c *Coordinator) flushLocked(reason string) error {
	c.debounce.Cancel()

	c.seq++
	chunk := Chunk{Sequence: c.seq, Text: c.pending.String()}
	c.pending.Reset()
	c.awaiting = append(c.awaiting, chunk)

	if c.onFlush != nil {
		c.onFlush(reason)
	}
	if err := c.sink(chunk); err != nil {
		c.sinkErr = err
		return err
	}
	return nil
}
