package callclient

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/expertline/voicepipe/pkg/playback"
)

// fakePlayer records enqueued chunks and halts. Stop may arrive from the
// turn's cancellation goroutine, so access is locked.
type fakePlayer struct {
	mu       sync.Mutex
	chunks   []playback.Chunk
	stopped  int
	stopSeen chan struct{}
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{stopSeen: make(chan struct{}, 4)}
}

func (p *fakePlayer) Enqueue(ctx context.Context, chunk playback.Chunk) error {
	p.mu.Lock()
	p.chunks = append(p.chunks, chunk)
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	p.stopped++
	p.mu.Unlock()
	p.stopSeen <- struct{}{}
}

func (p *fakePlayer) all() []playback.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]playback.Chunk, len(p.chunks))
	copy(out, p.chunks)
	return out
}

func (p *fakePlayer) stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// readyStates returns a machine already in processing, as it is when a turn
// has been submitted and the reply stream starts.
func readyStates(t *testing.T, onChange func(from, to State)) *StateMachine {
	t.Helper()
	m := NewStateMachine(onChange)
	if err := m.StartListening(); err != nil {
		t.Fatalf("StartListening() failed: %v", err)
	}
	if err := m.StopListening(); err != nil {
		t.Fatalf("StopListening() failed: %v", err)
	}
	return m
}

func TestTurn_FullStream(t *testing.T) {
	var transitions []State
	states := readyStates(t, func(from, to State) { transitions = append(transitions, to) })
	player := newFakePlayer()
	turn := NewTurn(context.Background(), states, player)

	if err := Consume(turn.Context(), strings.NewReader(sampleStream), turn.Handlers()); err != nil {
		t.Fatalf("Consume() failed: %v", err)
	}

	if turn.Transcript() != "hello" {
		t.Errorf("Transcript() = %q", turn.Transcript())
	}
	if turn.Expert().Name != "Dr. Chen" {
		t.Errorf("Expert().Name = %q", turn.Expert().Name)
	}
	records := turn.Records()
	if len(records) != 2 {
		t.Fatalf("Records() = %+v, want user and expert", records)
	}
	if records[0].Role != RoleUser || records[0].Text != "hello" {
		t.Errorf("user record = %+v", records[0])
	}
	if records[1].Role != RoleExpert || records[1].Text != "Hi there." {
		t.Errorf("expert record = %+v", records[1])
	}

	chunks := player.all()
	if len(chunks) != 1 || chunks[0].Index != 1 {
		t.Fatalf("player chunks = %+v", chunks)
	}
	// "cGNt" decodes to "pcm".
	if string(chunks[0].PCM) != "pcm" {
		t.Errorf("decoded PCM = %q", chunks[0].PCM)
	}

	if !turn.Finished() || !turn.AudioStarted() {
		t.Errorf("Finished=%v AudioStarted=%v", turn.Finished(), turn.AudioStarted())
	}
	if states.Current() != StateIdle {
		t.Errorf("state after done = %s, want idle", states.Current())
	}
	want := []State{StateSpeaking, StateIdle}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i, s := range want {
		if transitions[i] != s {
			t.Errorf("transitions[%d] = %s, want %s", i, transitions[i], s)
		}
	}
}

func TestTurn_CompleteReplacesDeltas(t *testing.T) {
	stream := `{"type":"metadata","transcript":"q","expert":{"name":"E"}}` + "\n" +
		`{"type":"text_delta","delta":"Hel"}` + "\n" +
		`{"type":"complete","text":"Hello there.","processingTimeMs":5}` + "\n" +
		`{"type":"done"}` + "\n"

	turn := NewTurn(context.Background(), nil, nil)
	if err := Consume(context.Background(), strings.NewReader(stream), turn.Handlers()); err != nil {
		t.Fatalf("Consume() failed: %v", err)
	}

	// A dropped delta must not leave the record at the partial text.
	if turn.ReplyText() != "Hello there." {
		t.Errorf("ReplyText() = %q, want the authoritative complete text", turn.ReplyText())
	}
}

func TestTurn_ErrorRecordedWithoutStoppingPlayback(t *testing.T) {
	stream := `{"type":"metadata","transcript":"q","expert":{"name":"E"}}` + "\n" +
		`{"type":"text_delta","delta":"Partial "}` + "\n" +
		`{"type":"audio_chunk","index":1,"text":"Partial","audioBase64":"cGNt"}` + "\n" +
		`{"type":"error","message":"speech synthesis failed"}` + "\n" +
		`{"type":"done"}` + "\n"

	states := readyStates(t, nil)
	player := newFakePlayer()
	turn := NewTurn(context.Background(), states, player)
	if err := Consume(turn.Context(), strings.NewReader(stream), turn.Handlers()); err != nil {
		t.Fatalf("Consume() failed: %v", err)
	}

	if turn.ErrMessage() != "speech synthesis failed" {
		t.Errorf("ErrMessage() = %q", turn.ErrMessage())
	}
	if turn.ReplyText() != "Partial " {
		t.Errorf("ReplyText() = %q, partial text must survive the error", turn.ReplyText())
	}
	if player.stops() != 0 {
		t.Errorf("player stopped %d times, queued audio must keep playing", player.stops())
	}
	if states.Current() != StateIdle {
		t.Errorf("state after done = %s, want idle", states.Current())
	}
}

func TestTurn_NoAudioGoesStraightToIdle(t *testing.T) {
	stream := `{"type":"metadata","transcript":"q","expert":{"name":"E"}}` + "\n" +
		`{"type":"error","message":"speech synthesis unavailable"}` + "\n" +
		`{"type":"done"}` + "\n"

	var transitions []State
	states := readyStates(t, func(from, to State) { transitions = append(transitions, to) })
	turn := NewTurn(context.Background(), states, newFakePlayer())
	if err := Consume(turn.Context(), strings.NewReader(stream), turn.Handlers()); err != nil {
		t.Fatalf("Consume() failed: %v", err)
	}

	if turn.AudioStarted() {
		t.Error("AudioStarted() = true, no audio chunk was streamed")
	}
	if len(transitions) != 1 || transitions[0] != StateIdle {
		t.Errorf("transitions = %v, want a single move to idle", transitions)
	}
}

func TestTurn_InvalidAudioSkipped(t *testing.T) {
	stream := `{"type":"metadata","transcript":"q","expert":{"name":"E"}}` + "\n" +
		`{"type":"audio_chunk","index":1,"text":"x","audioBase64":"!!bad!!"}` + "\n" +
		`{"type":"done"}` + "\n"

	player := newFakePlayer()
	turn := NewTurn(context.Background(), nil, player)
	if err := Consume(turn.Context(), strings.NewReader(stream), turn.Handlers()); err != nil {
		t.Fatalf("Consume() failed: %v", err)
	}

	if len(player.all()) != 0 {
		t.Errorf("player chunks = %+v, undecodable audio must not be enqueued", player.all())
	}
	if turn.AudioStarted() {
		t.Error("AudioStarted() = true after undecodable audio")
	}
}

func TestTurn_InterruptStopsStreamAndPlayback(t *testing.T) {
	player := newFakePlayer()
	turn := NewTurn(context.Background(), nil, player)

	turn.Interrupt()

	select {
	case <-player.stopSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("Interrupt() never stopped the player")
	}
	if turn.Context().Err() == nil {
		t.Error("Interrupt() must cancel the turn context")
	}

	// The cancelled context keeps the stream read from dispatching anything.
	c := &collector{}
	if err := Consume(turn.Context(), strings.NewReader(sampleStream), c.handlers()); err != nil {
		t.Fatalf("Consume() after Interrupt failed: %v", err)
	}
	if len(c.deltas) != 0 || c.done != 0 {
		t.Errorf("Events dispatched after Interrupt: deltas=%v done=%d", c.deltas, c.done)
	}
}

func TestTurn_ContextCancelStopsPlayback(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	player := newFakePlayer()
	NewTurn(parent, nil, player)

	cancel()

	select {
	case <-player.stopSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancelling the parent context never stopped the player")
	}
	if got := player.stops(); got != 1 {
		t.Errorf("player stopped %d times, want 1", got)
	}
}

func TestTurn_FinishedTurnKeepsPlaybackRunning(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	player := newFakePlayer()
	turn := NewTurn(parent, nil, player)

	if err := Consume(turn.Context(), strings.NewReader(sampleStream), turn.Handlers()); err != nil {
		t.Fatalf("Consume() failed: %v", err)
	}
	if !turn.Finished() {
		t.Fatal("Turn must be finished after done")
	}

	// A cancellation after the stream finished must not cut off audio that
	// is still playing out.
	cancel()
	select {
	case <-player.stopSeen:
		t.Error("Cancellation after done stopped the player")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTurn_DeltasBeforeMetadataIgnored(t *testing.T) {
	stream := `{"type":"text_delta","delta":"orphan"}` + "\n" +
		`{"type":"done"}` + "\n"

	turn := NewTurn(context.Background(), nil, nil)
	if err := Consume(context.Background(), strings.NewReader(stream), turn.Handlers()); err != nil {
		t.Fatalf("Consume() failed: %v", err)
	}

	if len(turn.Records()) != 0 {
		t.Errorf("Records() = %+v, want none without metadata", turn.Records())
	}
	if !turn.Finished() {
		t.Error("Finished() = false")
	}
}
