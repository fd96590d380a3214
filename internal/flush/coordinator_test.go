package flush

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/expertline/voicepipe/internal/segment"
)

// testSink collects flushed chunks in order.
type testSink struct {
	mu     sync.Mutex
	chunks []Chunk
	err    error
}

func (s *testSink) sink(c Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, c)
	return nil
}

func (s *testSink) all() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func testConfig() Config {
	return Config{
		FirstChars:  10,
		StableChars: 160,
		MaxWords:    32,
		Debounce:    time.Hour, // effectively disabled unless a test overrides
	}
}

func TestAppend_FirstChunkFlushesAtLowerThreshold(t *testing.T) {
	sink := &testSink{}
	c := New(testConfig(), sink.sink, nil)

	// 12 chars: above the 10-char first threshold, far below the stable one
	if err := c.Append("Hello there."); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	chunks := sink.all()
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 flush, got %d", len(chunks))
	}
	if chunks[0].Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", chunks[0].Sequence)
	}
}

func TestAppend_StableThresholdAfterFirstFlush(t *testing.T) {
	sink := &testSink{}
	c := New(testConfig(), sink.sink, nil)

	if err := c.Append("Hello there."); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if got := c.FlushCount(); got != 1 {
		t.Fatalf("Expected 1 flush, got %d", got)
	}

	// Over the first threshold but under the stable one: no second flush yet
	if err := c.Append("This second sentence is the same length as that first."); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if got := c.FlushCount(); got != 1 {
		t.Errorf("Expected still 1 flush under stable threshold, got %d", got)
	}

	if err := c.Finish(); err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}
	chunks := sink.all()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 flushes after Finish, got %d", len(chunks))
	}
	if chunks[1].Sequence != 2 {
		t.Errorf("Expected sequence 2, got %d", chunks[1].Sequence)
	}
}

func TestAppend_WordThresholdIndependentOfChars(t *testing.T) {
	cfg := testConfig()
	cfg.FirstChars = 1000
	cfg.StableChars = 1000
	cfg.MaxWords = 8
	sink := &testSink{}
	c := New(cfg, sink.sink, nil)

	// 9 short words, far under any character threshold
	if err := c.Append("a b c d e f g h i."); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	if len(sink.all()) != 1 {
		t.Errorf("Expected word threshold to force a flush")
	}
}

func TestDebounce_FlushesQuietChunk(t *testing.T) {
	cfg := testConfig()
	cfg.Debounce = 20 * time.Millisecond
	sink := &testSink{}
	c := New(cfg, sink.sink, nil)

	if err := c.Append("Short."); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if len(sink.all()) != 0 {
		t.Fatal("Chunk flushed before debounce elapsed")
	}

	deadline := time.Now().Add(time.Second)
	for len(sink.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	chunks := sink.all()
	if len(chunks) != 1 {
		t.Fatalf("Expected debounce flush, got %d chunks", len(chunks))
	}
	if chunks[0].Text != "Short." {
		t.Errorf("Flushed text = %q", chunks[0].Text)
	}
}

func TestDebounce_RearmedByNewSentence(t *testing.T) {
	cfg := testConfig()
	cfg.FirstChars = 100 // keep both appends under the char threshold
	cfg.Debounce = 60 * time.Millisecond
	sink := &testSink{}
	c := New(cfg, sink.sink, nil)

	if err := c.Append("First."); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := c.Append("Second."); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	// 30ms after re-arm: the original deadline has passed but the timer was reset
	time.Sleep(30 * time.Millisecond)
	if len(sink.all()) != 0 {
		t.Error("Debounce fired despite being re-armed")
	}

	deadline := time.Now().Add(time.Second)
	for len(sink.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	chunks := sink.all()
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 flush, got %d", len(chunks))
	}
	if chunks[0].Text != "First. Second." {
		t.Errorf("Flushed text = %q", chunks[0].Text)
	}
}

func TestFinish_ForceFlushesPending(t *testing.T) {
	sink := &testSink{}
	c := New(testConfig(), sink.sink, nil)

	if err := c.Append("Leftover."); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}

	chunks := sink.all()
	if len(chunks) != 1 || chunks[0].Text != "Leftover." {
		t.Fatalf("Expected final flush of pending text, got %v", chunks)
	}

	// Appends after Finish are ignored
	if err := c.Append("Too late."); err != nil {
		t.Fatalf("Append() after Finish failed: %v", err)
	}
	if len(sink.all()) != 1 {
		t.Error("Append after Finish must not flush")
	}
}

func TestFinish_EmptyPendingIsNoop(t *testing.T) {
	sink := &testSink{}
	c := New(testConfig(), sink.sink, nil)

	if err := c.Finish(); err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}
	if len(sink.all()) != 0 {
		t.Error("Finish with empty pending must not flush")
	}
}

func TestSequenceNumbers_ContiguousFromOne(t *testing.T) {
	cfg := testConfig()
	cfg.FirstChars = 5
	cfg.StableChars = 5
	sink := &testSink{}
	c := New(cfg, sink.sink, nil)

	for _, s := range []string{"Alpha one.", "Bravo two.", "Charlie three."} {
		if err := c.Append(s); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	chunks := sink.all()
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 flushes, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Sequence != i+1 {
			t.Errorf("chunk[%d].Sequence = %d, want %d", i, chunk.Sequence, i+1)
		}
	}
}

func TestDequeue_FIFOPairing(t *testing.T) {
	cfg := testConfig()
	cfg.FirstChars = 1
	cfg.StableChars = 1
	sink := &testSink{}
	c := New(cfg, sink.sink, nil)

	c.Append("One.")
	c.Append("Two.")

	if got := c.AwaitingAudio(); got != 2 {
		t.Fatalf("AwaitingAudio() = %d, want 2", got)
	}

	first, ok := c.Dequeue()
	if !ok || first.Text != "One." || first.Sequence != 1 {
		t.Errorf("Dequeue() = %+v, ok=%v", first, ok)
	}
	second, ok := c.Dequeue()
	if !ok || second.Text != "Two." || second.Sequence != 2 {
		t.Errorf("Dequeue() = %+v, ok=%v", second, ok)
	}
	if _, ok := c.Dequeue(); ok {
		t.Error("Dequeue() on empty queue must report not-ok")
	}
}

func TestSinkError_SurfacesAndSticks(t *testing.T) {
	cfg := testConfig()
	cfg.FirstChars = 1
	sink := &testSink{err: errors.New("transport gone")}
	c := New(cfg, sink.sink, nil)

	if err := c.Append("Boom."); err == nil {
		t.Fatal("Expected sink error from Append")
	}
	if err := c.Append("Again."); err == nil {
		t.Error("Expected sticky sink error on later Append")
	}
	if err := c.Finish(); err == nil {
		t.Error("Expected sticky sink error from Finish")
	}
}

func TestOnFlush_ReportsReason(t *testing.T) {
	cfg := testConfig()
	cfg.FirstChars = 1
	var reasons []string
	sink := &testSink{}
	c := New(cfg, sink.sink, func(reason string) { reasons = append(reasons, reason) })

	c.Append("Quick one.")
	if len(reasons) != 1 || reasons[0] != ReasonChars {
		t.Errorf("reasons = %v, want [%s]", reasons, ReasonChars)
	}
}

// End-to-end scenario from the segmenter through the flush policy: the text
// fed one character at a time must produce exactly two chunks, split at the
// sentence boundary. The first sentence crosses the first-chunk threshold by
// itself and the remainder is force-flushed at end of input.
func TestScenario_TwoChunksCharacterAtATime(t *testing.T) {
	cfg := testConfig()
	sink := &testSink{}
	c := New(cfg, sink.sink, nil)
	seg := segment.New()

	input := "Hello there. How can I help you today?"
	// The split depends on the configured thresholds, so pin the fixture to them:
	// the first sentence must cross the first-chunk threshold on its own, and
	// the second must stay under both the stable and word thresholds.
	if len("Hello there.") < cfg.FirstChars {
		t.Fatal("fixture broken: first sentence must reach the first-chunk threshold")
	}
	if len("How can I help you today?") >= cfg.StableChars {
		t.Fatal("fixture broken: second sentence must be under the stable threshold")
	}
	if words := len(strings.Fields("How can I help you today?")); words >= cfg.MaxWords {
		t.Fatal("fixture broken: second sentence must be under the word threshold")
	}

	for _, r := range input {
		for _, sentence := range seg.Feed(string(r)) {
			if err := c.Append(sentence); err != nil {
				t.Fatalf("Append() failed: %v", err)
			}
		}
	}
	if tail := seg.Flush(); tail != "" {
		if err := c.Append(tail); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}

	chunks := sink.all()
	if len(chunks) != 2 {
		t.Fatalf("Expected exactly 2 flushed chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0].Text != "Hello there." {
		t.Errorf("chunks[0].Text = %q, want %q", chunks[0].Text, "Hello there.")
	}
	if chunks[1].Text != "How can I help you today?" {
		t.Errorf("chunks[1].Text = %q, want %q", chunks[1].Text, "How can I help you today?")
	}
}
