package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
)

const maxAllocateAttempts = 32

// CodeRegistry keeps join codes in process. Retired codes are tombstoned for
// tombstoneTTL and are never handed out while tombstoned.
type CodeRegistry struct {
	tombstoneTTL time.Duration
	clock        func() time.Time
	generate     func() (string, error)

	mu         sync.Mutex
	active     map[string]domain.CodeEntry
	tombstones map[string]tombstone
}

type tombstone struct {
	entry     domain.CodeEntry
	expiresAt time.Time
}

func NewCodeRegistry(tombstoneTTL time.Duration) *CodeRegistry {
	return &CodeRegistry{
		tombstoneTTL: tombstoneTTL,
		clock:        time.Now,
		generate:     domain.NewCode,
		active:       make(map[string]domain.CodeEntry),
		tombstones:   make(map[string]tombstone),
	}
}

func (r *CodeRegistry) Allocate(_ context.Context, sessionID, examID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	for i := 0; i < maxAllocateAttempts; i++ {
		code, err := r.generate()
		if err != nil {
			return "", err
		}
		if _, taken := r.active[code]; taken {
			continue
		}
		if _, dead := r.tombstones[code]; dead {
			continue
		}
		r.active[code] = domain.CodeEntry{Code: code, SessionID: sessionID, ExamID: examID}
		return code, nil
	}
	return "", fmt.Errorf("allocate code: no free code after %d attempts", maxAllocateAttempts)
}

func (r *CodeRegistry) Resolve(_ context.Context, code string) (domain.CodeEntry, error) {
	code = domain.NormalizeCode(code)
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.active[code]; ok {
		return entry, nil
	}
	if t, ok := r.tombstones[code]; ok && t.expiresAt.After(r.clock()) {
		return t.entry, domain.ErrSessionEnded
	}
	return domain.CodeEntry{}, domain.ErrInvalidCode
}

func (r *CodeRegistry) Retire(_ context.Context, code string) error {
	code = domain.NormalizeCode(code)
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.active[code]
	if !ok {
		return nil
	}
	delete(r.active, code)
	entry.Ended = true
	r.tombstones[code] = tombstone{entry: entry, expiresAt: r.clock().Add(r.tombstoneTTL)}
	return nil
}

func (r *CodeRegistry) sweepLocked() {
	now := r.clock()
	for code, t := range r.tombstones {
		if !t.expiresAt.After(now) {
			delete(r.tombstones, code)
		}
	}
}
