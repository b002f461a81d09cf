package session

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"sparkle-gateway/internal/models"
)

// ErrTurnInFlight indicates a new turn was started before the previous one
// reached a terminal state.
var ErrTurnInFlight = errors.New("a turn is already in flight")

var greetings = []string{
	"Hi there! What would you like to talk about?",
	"Hello! Ask me anything, or request an image.",
	"Hey! Ready when you are.",
	"Welcome back. What's on your mind?",
}

// Session holds the conversation state for one interactive session: an
// append-only message history and a busy flag that serialises turns. It
// replaces what would otherwise be ambient module-level state.
type Session struct {
	id string

	mu      sync.Mutex
	busy    bool
	history []models.ChatMessage
}

// New starts a session seeded with a randomly chosen assistant greeting.
func New() *Session {
	return &Session{
		id: uuid.NewString(),
		history: []models.ChatMessage{
			{Role: models.RoleAssistant, Content: greetings[rand.Intn(len(greetings))]},
		},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Begin marks the session busy for one turn. It fails if a turn is already
// in flight; End must be called once the turn completes or fails.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return ErrTurnInFlight
	}
	s.busy = true
	return nil
}

// End releases the busy flag.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// Append adds a message to the history. Messages are never reordered or
// removed.
func (s *Session) Append(msg models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
}

// History returns a copy of the conversation so far.
func (s *Session) History() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
