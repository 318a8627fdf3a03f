// Package stream holds the per-request state of a streaming completion.
package stream

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Error codes sent to streaming consumers
const (
	CodeUsageLimitExceeded = "USAGE_LIMIT_EXCEEDED"
	CodeAIServiceError     = "AI_SERVICE_ERROR"
)

// Transport delivers session events to the consumer that owns the session
type Transport interface {
	SendToken(text string) error
	SendEnd() error
	SendError(code, message string) error
}

// State of a session. Every state but Active is terminal.
type State int

const (
	Active State = iota
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Session forwards one provider stream to one transport. Forward, Complete,
// Fail and Cancel may be called concurrently; the first terminal call wins.
type Session struct {
	ID       string
	UserID   string
	Provider string
	Model    string
	Position int

	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex
	state  State
	text   strings.Builder
	tokens int
}

// New creates an active session. cancel stops the upstream call and may be nil.
func New(userID, provider, model string, position int, transport Transport, cancel context.CancelFunc) *Session {
	if cancel == nil {
		cancel = func() {}
	}
	return &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  provider,
		Model:     model,
		Position:  position,
		transport: transport,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Forward sends one token if the session is still active. A transport
// failure means the consumer is gone and cancels the session.
func (s *Session) Forward(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return false
	}
	if err := s.transport.SendToken(token); err != nil {
		s.finish(Cancelled)
		return false
	}
	s.text.WriteString(token)
	s.tokens++
	return true
}

// Complete ends the session normally and sends the end event
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return false
	}
	_ = s.transport.SendEnd()
	s.finish(Completed)
	return true
}

// Fail ends the session with a single error event
func (s *Session) Fail(code, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return false
	}
	_ = s.transport.SendError(code, message)
	s.finish(Failed)
	return true
}

// Cancel stops forwarding and asks the upstream call to stop. No event is
// sent. Calling it again, or after the session ended, does nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return
	}
	s.finish(Cancelled)
}

// finish must be called with mu held
func (s *Session) finish(state State) {
	s.state = state
	s.cancel()
	close(s.done)
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches a terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Text returns everything forwarded so far
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// TokenCount returns how many fragments were forwarded
func (s *Session) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}
