package usecase

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

type State int

const (
	StateIdle State = iota
	StateFormatting
	StateStreaming
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFormatting:
		return "formatting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Session owns one conversation and its controller state. The controller is
// its only writer; the mutex guards individual mutations so readers can take
// snapshots while a reply is streaming.
type Session struct {
	ID         string
	Credential string
	CreatedAt  time.Time

	mu           sync.Mutex
	conversation *Conversation
	state        State
	notice       string
	categories   []string
	closed       bool
}

type SessionSnapshot struct {
	ID         string               `json:"session_id"`
	State      string               `json:"state"`
	Notice     string               `json:"notice,omitempty"`
	Categories []string             `json:"categories,omitempty"`
	Messages   []domain.ChatMessage `json:"messages"`
}

func newSession(id, greeting, credential string) *Session {
	return &Session{
		ID:           id,
		Credential:   credential,
		CreatedAt:    time.Now(),
		conversation: NewConversation(greeting),
	}
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:         s.ID,
		State:      s.state.String(),
		Notice:     s.notice,
		Categories: append([]string(nil), s.categories...),
		Messages:   s.conversation.Messages(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// begin moves an idle or completed session into Formatting and returns the
// state it left. It fails when the session is aborted or already busy.
func (s *Session) begin() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if s.closed {
		return prev, domain.ErrSessionNotFound
	}
	switch prev {
	case StateAborted:
		return prev, domain.ErrConversationAborted
	case StateFormatting, StateStreaming:
		return prev, domain.ErrSessionBusy
	}
	s.state = StateFormatting
	return prev, nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) abort(notice string, categories []string) {
	s.mu.Lock()
	s.state = StateAborted
	s.notice = notice
	s.categories = categories
	s.mu.Unlock()
}

// reset clears the conversation back to the greeting. A session with a turn
// in flight is left untouched.
func (s *Session) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy() {
		return domain.ErrSessionBusy
	}
	s.conversation.Reset()
	s.state = StateIdle
	s.notice = ""
	s.categories = nil
	return nil
}

// busy must be called with s.mu held.
func (s *Session) busy() bool {
	return s.state == StateFormatting || s.state == StateStreaming
}

func (s *Session) withConversation(fn func(c *Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.conversation)
}

// SessionRegistry keys every conversation by session id; nothing is shared
// across sessions.
type SessionRegistry struct {
	greeting string

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry(greeting string) *SessionRegistry {
	return &SessionRegistry{
		greeting: greeting,
		sessions: make(map[string]*Session),
	}
}

func (r *SessionRegistry) Open(credential string) *Session {
	s := newSession(uuid.NewString(), r.greeting, credential)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

func (r *SessionRegistry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

func (r *SessionRegistry) Close(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		delete(r.sessions, id)
	}
	r.mu.Unlock()
}

// CloseIdle removes a session that has no turn in flight. Once closed, the
// session refuses new turns even through a reference fetched earlier.
func (r *SessionRegistry) CloseIdle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy() {
		return domain.ErrSessionBusy
	}
	s.closed = true
	delete(r.sessions, id)
	return nil
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
