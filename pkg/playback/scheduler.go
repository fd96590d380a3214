// Package playback schedules decoded audio chunks for gapless output.
//
// Chunks arrive as they are synthesized, usually faster than they play. The
// scheduler keeps a playback cursor and assigns each chunk a start time of
// max(cursor, now+margin), then advances the cursor by the chunk's duration,
// so consecutive chunks land back to back with no overlap and no silence
// beyond the safety margin.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMargin is the scheduling safety margin: a chunk never starts
// earlier than now plus this, giving the output device time to accept it.
const DefaultMargin = 50 * time.Millisecond

const defaultQueueSize = 32

// Chunk is one decoded audio segment. PCM is 16-bit mono little-endian.
type Chunk struct {
	Index int
	PCM   []byte
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Sink receives scheduled chunks. Play is called from the scheduler's single
// consumer goroutine, in order, with the chunk's assigned start time and
// duration; start times are usually in the future, so the sink holds chunks
// until they are due. Stop revokes everything Play accepted that has not
// finished playing yet. The sink owns the actual audio output.
type Sink interface {
	Play(chunk Chunk, start time.Time, duration time.Duration) error
	Stop()
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMargin overrides the scheduling safety margin.
func WithMargin(d time.Duration) Option {
	return func(s *Scheduler) { s.margin = d }
}

// WithQueueSize bounds how many chunks may wait for scheduling.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) { s.queueSize = n }
}

type queued struct {
	chunk Chunk
	gen   uint64
}

// Scheduler assigns gapless start times to enqueued chunks and feeds them to
// the sink from one consumer goroutine.
type Scheduler struct {
	sampleRate int
	margin     time.Duration
	queueSize  int
	clock      Clock
	sink       Sink

	queue chan queued
	done  chan struct{}

	mu       sync.Mutex
	cursor   time.Time
	gen      uint64
	disposed bool
}

// NewScheduler creates a scheduler for 16-bit mono PCM at sampleRate and
// starts its consumer. Dispose releases it.
func NewScheduler(sampleRate int, sink Sink, opts ...Option) (*Scheduler, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if sink == nil {
		return nil, fmt.Errorf("sink must not be nil")
	}

	s := &Scheduler{
		sampleRate: sampleRate,
		margin:     DefaultMargin,
		queueSize:  defaultQueueSize,
		clock:      systemClock{},
		sink:       sink,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan queued, s.queueSize)

	go s.consume()
	return s, nil
}

// Enqueue adds a chunk for playback. It blocks while the queue is full and
// returns nil once the chunk is accepted. Cancelling ctx abandons the wait
// without error; chunks enqueued before a Stop are accepted and then
// silently dropped by the consumer.
func (s *Scheduler) Enqueue(ctx context.Context, chunk Chunk) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is disposed")
	}
	gen := s.gen
	s.mu.Unlock()

	select {
	case s.queue <- queued{chunk: chunk, gen: gen}:
		return nil
	case <-ctx.Done():
		return nil
	case <-s.done:
		return nil
	}
}

// Stop halts playback and resets the cursor. Chunks still queued never reach
// the sink; chunks the sink already accepted are revoked through Sink.Stop,
// so nothing scheduled for a future start time ever plays. The scheduler
// stays usable for a fresh sequence.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.gen++
	s.cursor = time.Time{}
	s.mu.Unlock()

	s.sink.Stop()
}

// Dispose stops the consumer goroutine and revokes any audio still scheduled
// at the sink. The scheduler is unusable after.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()
	close(s.done)

	s.sink.Stop()
}

// Duration returns the playback time of pcm at the scheduler's sample rate.
func (s *Scheduler) Duration(pcm []byte) time.Duration {
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(s.sampleRate)
}

func (s *Scheduler) consume() {
	for {
		select {
		case <-s.done:
			return
		case item := <-s.queue:
			s.mu.Lock()
			if item.gen != s.gen {
				// Stopped after this chunk was queued.
				s.mu.Unlock()
				continue
			}
			duration := s.Duration(item.chunk.PCM)
			start := s.clock.Now().Add(s.margin)
			if s.cursor.After(start) {
				start = s.cursor
			}
			s.cursor = start.Add(duration)
			s.mu.Unlock()

			if err := s.sink.Play(item.chunk, start, duration); err != nil {
				// The sink failed this chunk; scheduling continues so a
				// transient output error does not wedge the queue.
				continue
			}
		}
	}
}
