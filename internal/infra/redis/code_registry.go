package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"live-quiz-service/internal/domain"
)

const maxAllocateAttempts = 32

// CodeRegistry stores join codes as quiz:code:{CODE} -> CodeEntry JSON.
// Active codes have no expiry; retired codes are rewritten with Ended set and
// expire after tombstoneTTL. SET NX keeps codes unique across hub instances.
type CodeRegistry struct {
	client       *redis.Client
	tombstoneTTL time.Duration
	generate     func() (string, error)
}

func NewCodeRegistry(client *redis.Client, tombstoneTTL time.Duration) *CodeRegistry {
	return &CodeRegistry{
		client:       client,
		tombstoneTTL: tombstoneTTL,
		generate:     domain.NewCode,
	}
}

func (r *CodeRegistry) Allocate(ctx context.Context, sessionID, examID string) (string, error) {
	for i := 0; i < maxAllocateAttempts; i++ {
		code, err := r.generate()
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(domain.CodeEntry{Code: code, SessionID: sessionID, ExamID: examID})
		if err != nil {
			return "", fmt.Errorf("marshal code entry: %w", err)
		}
		ok, err := r.client.SetNX(ctx, r.key(code), data, 0).Result()
		if err != nil {
			return "", fmt.Errorf("allocate code: %w", err)
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("allocate code: no free code after %d attempts", maxAllocateAttempts)
}

func (r *CodeRegistry) Resolve(ctx context.Context, code string) (domain.CodeEntry, error) {
	code = domain.NormalizeCode(code)
	data, err := r.client.Get(ctx, r.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CodeEntry{}, domain.ErrInvalidCode
	}
	if err != nil {
		return domain.CodeEntry{}, fmt.Errorf("resolve code: %w", err)
	}
	var entry domain.CodeEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.CodeEntry{}, fmt.Errorf("decode code entry: %w", err)
	}
	if entry.Ended {
		return entry, domain.ErrSessionEnded
	}
	return entry, nil
}

func (r *CodeRegistry) Retire(ctx context.Context, code string) error {
	code = domain.NormalizeCode(code)
	entry, err := r.Resolve(ctx, code)
	if errors.Is(err, domain.ErrInvalidCode) || errors.Is(err, domain.ErrSessionEnded) {
		return nil
	}
	if err != nil {
		return err
	}
	entry.Ended = true
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal code entry: %w", err)
	}
	ttl := r.tombstoneTTL
	if ttl <= 0 {
		return r.client.Del(ctx, r.key(code)).Err()
	}
	if err := r.client.SetXX(ctx, r.key(code), data, ttl).Err(); err != nil {
		return fmt.Errorf("retire code: %w", err)
	}
	return nil
}

func (r *CodeRegistry) key(code string) string {
	return "quiz:code:" + code
}
