// session/memory.go
package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// MemoryStore keeps sessions in a mutex-guarded map. It backs tests and
// local single-instance runs; production uses PostgresStore so state
// survives restarts and is shared across instances.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &Session{
		UserID:     sess.UserID,
		ActiveFlow: sess.ActiveFlow,
		Step:       sess.Step,
		Data:       copyData(sess.Data),
		UpdatedAt:  sess.UpdatedAt,
	}, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, userID, flow string, step int, data map[string]string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[userID]

	merged := copyData(data)
	if ok && existing.ActiveFlow == flow {
		merged = mergeData(existing.Data, data)
	} else if ok {
		log.Printf("🔀 Flow switch for %s: %s (step %d) -> %s", userID, existing.ActiveFlow, existing.Step, flow)
	}

	sess := &Session{
		UserID:     userID,
		ActiveFlow: flow,
		Step:       step,
		Data:       merged,
		UpdatedAt:  time.Now(),
	}
	s.sessions[userID] = sess

	return &Session{
		UserID:     sess.UserID,
		ActiveFlow: sess.ActiveFlow,
		Step:       sess.Step,
		Data:       copyData(sess.Data),
		UpdatedAt:  sess.UpdatedAt,
	}, nil
}

func (s *MemoryStore) SafeDelete(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return false, nil
	}
	if ShouldPreserve(sess) {
		return false, nil
	}
	delete(s.sessions, userID)
	return true, nil
}

func (s *MemoryStore) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, userID)
	return nil
}

// DeleteStale mirrors the Postgres reaper for single-instance runs.
func (s *MemoryStore) DeleteStale(ctx context.Context, neutralTTL, abandonTTL time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	reaped := 0
	for userID, sess := range s.sessions {
		idle := now.Sub(sess.UpdatedAt)
		if !ShouldPreserve(sess) && idle > neutralTTL {
			delete(s.sessions, userID)
			reaped++
			continue
		}
		if ShouldPreserve(sess) && idle > abandonTTL {
			log.Printf("🗑️ Abandoned session reaped: user=%s flow=%s step=%d", userID, sess.ActiveFlow, sess.Step)
			delete(s.sessions, userID)
			reaped++
		}
	}
	return reaped, nil
}
