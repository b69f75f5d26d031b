package memory

import (
	"context"
	"sync"

	"live-quiz-service/internal/domain"
)

// AnswerLog keeps accepted answers in process, first write per
// (session, participant, question) wins.
type AnswerLog struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	entries []domain.AnswerEvent
}

func NewAnswerLog() *AnswerLog {
	return &AnswerLog{seen: make(map[string]struct{})}
}

func (l *AnswerLog) Record(_ context.Context, ev domain.AnswerEvent) error {
	key := ev.SessionID + "/" + ev.ParticipantID + "/" + ev.QuestionID
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[key]; dup {
		return nil
	}
	l.seen[key] = struct{}{}
	l.entries = append(l.entries, ev)
	return nil
}

// Entries returns the recorded answers of a session in arrival order.
func (l *AnswerLog) Entries(sessionID string) []domain.AnswerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.AnswerEvent
	for _, ev := range l.entries {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}
