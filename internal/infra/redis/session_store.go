package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// SessionStore keeps sessions in a local map for in-process broadcast and
// claims each exam in Redis, so only one hub instance runs a live session for
// an exam at a time. The claim key is quiz:session:{examID} -> session id.
type SessionStore struct {
	client   *redis.Client
	ttl      time.Duration
	mu       sync.RWMutex
	sessions map[string]*app.Session
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:   client,
		ttl:      ttl,
		sessions: make(map[string]*app.Session),
	}
}

func (s *SessionStore) Create(ctx context.Context, session *app.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.ExamID()]; ok && !existing.Ended() {
		return domain.ErrAlreadyActive
	}
	claimed, err := s.client.SetNX(ctx, s.key(session.ExamID()), session.ID(), s.ttl).Result()
	if err != nil {
		return domain.ErrInternal.Wrap(err)
	}
	if !claimed {
		return domain.ErrAlreadyActive.Withf("exam %q is live on another hub instance", session.ExamID())
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

// MarkEnded releases the exam claim if it still belongs to session.
func (s *SessionStore) MarkEnded(ctx context.Context, session *app.Session) {
	key := s.key(session.ExamID())
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != session.ID() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID()).Msg("release exam claim")
	}
}

// Refresh extends the claims of every live session. The server calls it
// periodically so a crashed instance's claims lapse after ttl.
func (s *SessionStore) Refresh(ctx context.Context) {
	s.mu.RLock()
	live := make([]*app.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if !session.Ended() {
			live = append(live, session)
		}
	}
	s.mu.RUnlock()

	if len(live) == 0 || s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	for _, session := range live {
		pipe.Expire(ctx, s.key(session.ExamID()), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("refresh exam claims")
	}
}

func (s *SessionStore) key(examID string) string {
	return "quiz:session:" + examID
}
