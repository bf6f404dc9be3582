// session/session.go
package session

import (
	"context"
	"time"
)

// StepDone marks a session whose flow reached its terminal step but whose
// record has not been cleared yet. The arbitrator treats such sessions as
// neutral.
const StepDone = -1

// Session tracks one user's position inside a multi-step conversation.
// At most one flow owns a session at a time; Step is only meaningful
// relative to ActiveFlow.
type Session struct {
	UserID     string
	ActiveFlow string
	Step       int
	Data       map[string]string
	UpdatedAt  time.Time
}

// Neutral reports whether the session has no flow in progress: either no
// active flow at all, or the active flow has reached its terminal step.
func (s *Session) Neutral() bool {
	return s == nil || s.ActiveFlow == "" || s.Step == StepDone
}

// ShouldPreserve reports whether the session holds in-progress multi-step
// input that must not be lost by a routine delete. Explicit cancellation
// and flow completion bypass this rule via Clear.
func ShouldPreserve(s *Session) bool {
	return s != nil && s.ActiveFlow != "" && s.Step != StepDone
}

// Store is the persistence contract for sessions, keyed by the user's
// external id. Production uses Postgres; tests use the in-memory store.
type Store interface {
	// Get fetches the current session. A missing session is not an
	// error: it returns (nil, nil), meaning the user is neutral.
	Get(ctx context.Context, userID string) (*Session, error)

	// Upsert creates or mutates the session for the given flow. If a
	// session exists under a different flow this is a flow switch: the
	// old flow's step and data are overwritten, not merged. Same-flow
	// upserts merge data and update the step.
	Upsert(ctx context.Context, userID, flow string, step int, data map[string]string) (*Session, error)

	// SafeDelete removes the session only when ShouldPreserve is false.
	// Returns whether a deletion occurred.
	SafeDelete(ctx context.Context, userID string) (bool, error)

	// Clear removes the session unconditionally. Used on flow
	// completion and explicit user cancellation.
	Clear(ctx context.Context, userID string) error
}

// mergeData overlays updates onto existing without mutating either map.
func mergeData(existing, updates map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(updates))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}

// copyData returns a copy so callers can't mutate stored state.
func copyData(data map[string]string) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
