package callclient

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/expertline/voicepipe/pkg/playback"
)

// Turn record roles.
const (
	RoleUser   = "user"
	RoleExpert = "expert"
)

// Player schedules decoded reply audio. *playback.Scheduler satisfies it.
type Player interface {
	Enqueue(ctx context.Context, chunk playback.Chunk) error
	Stop()
}

// TurnRecord is the client-side record of one side of an exchange.
type TurnRecord struct {
	Role string
	Text string
	Err  string
}

// Turn accumulates one exchange from the reply stream and drives the call
// state machine and playback from it:
//
//   - metadata records the recognized utterance as a user turn and opens an
//     empty expert turn
//   - each text delta grows the open expert turn
//   - each audio chunk is decoded and enqueued for playback; the first chunk
//     accepted by the player moves the call to speaking
//   - complete replaces the expert turn's text with the authoritative reply
//   - an error is recorded on the expert turn without stopping playback that
//     is already queued
//   - done finishes the turn and returns the call to idle
//
// Cancelling the turn's context, or calling Interrupt, halts the stream read
// and stops the player in one action, so interrupted audio never keeps
// playing. A turn that reaches done keeps its queued audio playing out.
//
// The state machine and player are optional; a nil player skips playback and
// the call then goes straight from processing to idle.
type Turn struct {
	ctx      context.Context
	cancel   context.CancelFunc
	states   *StateMachine
	player   Player
	stopOnce sync.Once
	doneOnce sync.Once
	doneCh   chan struct{}

	mu           sync.Mutex
	transcript   string
	expert       Expert
	records      []TurnRecord
	audioStarted bool
	finished     bool
}

// NewTurn creates the tracker for one exchange. Pass the returned turn's
// Context to Consume or Client.SendTurn; cancelling ctx (or the turn's own
// Interrupt) then tears down the stream and playback together.
func NewTurn(ctx context.Context, states *StateMachine, player Player) *Turn {
	t := &Turn{states: states, player: player, doneCh: make(chan struct{})}
	t.ctx, t.cancel = context.WithCancel(ctx)

	if player != nil {
		go func() {
			select {
			case <-t.ctx.Done():
				t.stopPlayer()
			case <-t.doneCh:
				// Stream finished; queued audio plays out.
			}
		}()
	}
	return t
}

// Context is the turn's context. Use it for the stream read so one
// cancellation covers both reading and playback.
func (t *Turn) Context() context.Context {
	return t.ctx
}

// Interrupt cancels the turn: the stream read stops and queued playback is
// halted. Used for barge-in and error aborts.
func (t *Turn) Interrupt() {
	t.cancel()
	t.stopPlayer()
}

func (t *Turn) stopPlayer() {
	if t.player == nil {
		return
	}
	t.stopOnce.Do(t.player.Stop)
}

// Handlers returns the event handlers that feed this turn. Pass them to
// Consume or Client.SendTurn.
func (t *Turn) Handlers() Handlers {
	return Handlers{
		OnMetadata:   t.onMetadata,
		OnTextDelta:  t.onTextDelta,
		OnAudioChunk: t.onAudioChunk,
		OnComplete:   t.onComplete,
		OnError:      t.onError,
		OnDone:       t.onDone,
	}
}

func (t *Turn) onMetadata(transcript string, expert Expert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transcript = transcript
	t.expert = expert
	t.records = append(t.records,
		TurnRecord{Role: RoleUser, Text: transcript},
		TurnRecord{Role: RoleExpert},
	)
}

func (t *Turn) onTextDelta(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.expertRecord(); rec != nil {
		rec.Text += delta
	}
}

func (t *Turn) onAudioChunk(index int, text, audioBase64 string) {
	if t.player == nil {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return
	}
	if err := t.player.Enqueue(t.ctx, playback.Chunk{Index: index, PCM: pcm}); err != nil {
		return
	}
	if t.ctx.Err() != nil {
		return
	}

	t.mu.Lock()
	first := !t.audioStarted
	t.audioStarted = true
	t.mu.Unlock()

	if first && t.states != nil {
		_ = t.states.StartSpeaking()
	}
}

func (t *Turn) onComplete(text string, processingTimeMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.expertRecord(); rec != nil {
		rec.Text = text
	}
}

func (t *Turn) onError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.expertRecord(); rec != nil {
		rec.Err = message
	}
}

func (t *Turn) onDone() {
	t.mu.Lock()
	t.finished = true
	t.mu.Unlock()

	t.doneOnce.Do(func() { close(t.doneCh) })
	if t.states != nil {
		_ = t.states.TurnFinished()
	}
}

// expertRecord returns the open expert record, or nil before metadata. The
// caller holds the lock.
func (t *Turn) expertRecord() *TurnRecord {
	for i := len(t.records) - 1; i >= 0; i-- {
		if t.records[i].Role == RoleExpert {
			return &t.records[i]
		}
	}
	return nil
}

// Transcript returns the recognized user utterance from the metadata event.
func (t *Turn) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transcript
}

// Expert returns the persona answering the turn.
func (t *Turn) Expert() Expert {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expert
}

// ReplyText returns the expert reply accumulated so far.
func (t *Turn) ReplyText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.expertRecord(); rec != nil {
		return rec.Text
	}
	return ""
}

// ErrMessage returns the stream's error message, or "" if none was emitted.
func (t *Turn) ErrMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.expertRecord(); rec != nil {
		return rec.Err
	}
	return ""
}

// Records returns a copy of the turn records accumulated so far.
func (t *Turn) Records() []TurnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TurnRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Finished reports whether the stream's terminal event was seen.
func (t *Turn) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// AudioStarted reports whether any reply audio was accepted for playback.
func (t *Turn) AudioStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audioStarted
}
