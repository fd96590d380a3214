// Package session keeps per-call conversation state in process memory.
// History is lost on restart; callers that need durability would put a
// persistent implementation behind the same Store interface.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTurnInProgress is returned when a call already has an active turn.
// A call processes one turn at a time; the client must wait for the
// current stream to finish before sending the next utterance.
var ErrTurnInProgress = fmt.Errorf("a turn is already in progress for this call")

// ErrNotFound is returned for an unknown call ID.
var ErrNotFound = fmt.Errorf("call session not found")

// Turn records one completed question/answer exchange.
type Turn struct {
	Question   string
	Answer     string
	ExpertName string
	At         time.Time
}

// Session is a snapshot of one call's state. Mutations go through the Store.
type Session struct {
	ID        string
	CreatedAt time.Time
	Turns     []Turn
	Context   string
}

// Store manages call sessions.
type Store interface {
	Create() *Session
	Get(id string) (*Session, error)
	BeginTurn(id string) error
	EndTurn(id string)
	AppendTurn(id string, turn Turn) error
	SetContext(id, value string) error
}

type memorySession struct {
	id        string
	createdAt time.Time
	turns     []Turn
	context   string
	turnOpen  bool
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

// Create registers a new call session with a generated ID.
func (s *MemoryStore) Create() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &memorySession{
		id:        uuid.New().String(),
		createdAt: time.Now(),
	}
	s.sessions[session.id] = session
	return snapshot(session)
}

// Get returns a snapshot of the session.
func (s *MemoryStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(session), nil
}

// BeginTurn marks the session as processing. Exactly one turn may be open
// per call; a second BeginTurn fails until EndTurn runs.
func (s *MemoryStore) BeginTurn(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if session.turnOpen {
		return ErrTurnInProgress
	}
	session.turnOpen = true
	return nil
}

// EndTurn releases the session for the next turn. Safe to call on an
// unknown ID so handlers can defer it unconditionally.
func (s *MemoryStore) EndTurn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[id]; ok {
		session.turnOpen = false
	}
}

// AppendTurn records a completed exchange on the session's history.
func (s *MemoryStore) AppendTurn(id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	session.turns = append(session.turns, turn)
	return nil
}

// SetContext replaces the session's free-form context value.
func (s *MemoryStore) SetContext(id, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.context = value
	return nil
}

func snapshot(m *memorySession) *Session {
	turns := make([]Turn, len(m.turns))
	copy(turns, m.turns)
	return &Session{
		ID:        m.id,
		CreatedAt: m.createdAt,
		Turns:     turns,
		Context:   m.context,
	}
}
