package memory

import (
	"context"
	"sync"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionRepository. Ended
// sessions stay readable until the exam is started again.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*app.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*app.Session),
	}
}

func (s *SessionStore) Create(_ context.Context, session *app.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.ExamID()]; ok && !existing.Ended() {
		return domain.ErrAlreadyActive
	}
	s.sessions[session.ExamID()] = session
	return nil
}

func (s *SessionStore) Get(examID string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[examID]
	return session, ok
}

func (s *SessionStore) MarkEnded(context.Context, *app.Session) {}

// Active counts sessions that have not ended.
func (s *SessionStore) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, session := range s.sessions {
		if !session.Ended() {
			n++
		}
	}
	return n
}
