package callclient

import (
	"fmt"
	"sync"
)

// State is the call UI's conversational state.
type State string

const (
	// StateIdle means nothing is happening: no recording, no pending turn.
	StateIdle State = "idle"
	// StateListening means the microphone is open and capturing the user.
	StateListening State = "listening"
	// StateProcessing means a turn was sent and the reply has not started
	// playing yet.
	StateProcessing State = "processing"
	// StateSpeaking means reply audio is playing.
	StateSpeaking State = "speaking"
)

// StateMachine tracks the call state and validates transitions. A change
// callback, when set, fires outside the lock after every transition.
type StateMachine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewStateMachine starts in StateIdle.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	return &StateMachine{state: StateIdle, onChange: onChange}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartListening opens the microphone. Allowed from idle, and from speaking
// as a barge-in: the caller interrupts playback to ask something new.
func (m *StateMachine) StartListening() error {
	return m.transition(StateListening, StateIdle, StateSpeaking)
}

// StopListening ends the recording and submits the turn.
func (m *StateMachine) StopListening() error {
	return m.transition(StateProcessing, StateListening)
}

// StartSpeaking marks reply audio as playing. Allowed from processing only;
// the first audio chunk drives this.
func (m *StateMachine) StartSpeaking() error {
	return m.transition(StateSpeaking, StateProcessing)
}

// TurnFinished returns to idle once the stream terminates. Valid from
// processing (turn failed or had no audio) and speaking.
func (m *StateMachine) TurnFinished() error {
	return m.transition(StateIdle, StateProcessing, StateSpeaking)
}

// Reset forces the machine back to idle from any state.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	from := m.state
	m.state = StateIdle
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil && from != StateIdle {
		onChange(from, StateIdle)
	}
}

func (m *StateMachine) transition(to State, validFrom ...State) error {
	m.mu.Lock()
	from := m.state
	allowed := false
	for _, s := range validFrom {
		if from == s {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	m.state = to
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(from, to)
	}
	return nil
}
