// session/postgres.go
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// PostgresStore persists sessions in the bot_sessions table:
//
//	CREATE TABLE bot_sessions (
//	    user_id     TEXT PRIMARY KEY,
//	    active_flow TEXT NOT NULL,
//	    step        INT  NOT NULL,
//	    data        JSONB NOT NULL DEFAULT '{}',
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
// Writes run inside a transaction with a row-level lock so duplicate
// webhook deliveries for the same user serialize instead of racing.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Session, error) {
	sess := &Session{UserID: userID}
	var rawData []byte
	err := s.db.QueryRowContext(ctx, `
        SELECT active_flow, step, data, updated_at
        FROM bot_sessions
        WHERE user_id = $1
    `, userID).Scan(&sess.ActiveFlow, &sess.Step, &rawData, &sess.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching session: %v", err)
	}

	if err := json.Unmarshal(rawData, &sess.Data); err != nil {
		return nil, fmt.Errorf("error decoding session data: %v", err)
	}
	return sess, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, userID, flow string, step int, data map[string]string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	// Lock the session row to prevent concurrent step advances
	var currentFlow string
	var currentStep int
	var rawData []byte
	err = tx.QueryRowContext(ctx, `
        SELECT active_flow, step, data
        FROM bot_sessions
        WHERE user_id = $1
        FOR UPDATE
    `, userID).Scan(&currentFlow, &currentStep, &rawData)

	switch {
	case err == sql.ErrNoRows:
		// First contact with this user under this flow
		sess, insErr := s.insert(ctx, tx, userID, flow, step, data)
		if insErr != nil {
			return nil, insErr
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("error committing session insert: %v", err)
		}
		log.Printf("✨ Created session for %s (flow: %s)", userID, flow)
		return sess, nil

	case err != nil:
		return nil, fmt.Errorf("error locking session: %v", err)
	}

	merged := data
	if currentFlow == flow {
		var currentData map[string]string
		if err := json.Unmarshal(rawData, &currentData); err != nil {
			return nil, fmt.Errorf("error decoding session data: %v", err)
		}
		merged = mergeData(currentData, data)
	} else {
		// Flow switch: the new flow wins, prior step and data are
		// overwritten. Logged here so abandonment is never silent.
		log.Printf("🔀 Flow switch for %s: %s (step %d) -> %s", userID, currentFlow, currentStep, flow)
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("error encoding session data: %v", err)
	}

	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
        UPDATE bot_sessions
        SET active_flow = $1, step = $2, data = $3, updated_at = NOW()
        WHERE user_id = $4
        RETURNING updated_at
    `, flow, step, encoded, userID).Scan(&updatedAt)
	if err != nil {
		return nil, fmt.Errorf("error updating session: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing session update: %v", err)
	}

	return &Session{
		UserID:     userID,
		ActiveFlow: flow,
		Step:       step,
		Data:       merged,
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *PostgresStore) insert(ctx context.Context, tx *sql.Tx, userID, flow string, step int, data map[string]string) (*Session, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("error encoding session data: %v", err)
	}

	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
        INSERT INTO bot_sessions (user_id, active_flow, step, data, updated_at)
        VALUES ($1, $2, $3, $4, NOW())
        RETURNING updated_at
    `, userID, flow, step, encoded).Scan(&updatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %v", err)
	}

	return &Session{
		UserID:     userID,
		ActiveFlow: flow,
		Step:       step,
		Data:       copyData(data),
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *PostgresStore) SafeDelete(ctx context.Context, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	var activeFlow string
	var step int
	err = tx.QueryRowContext(ctx, `
        SELECT active_flow, step
        FROM bot_sessions
        WHERE user_id = $1
        FOR UPDATE
    `, userID).Scan(&activeFlow, &step)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error locking session: %v", err)
	}

	if ShouldPreserve(&Session{UserID: userID, ActiveFlow: activeFlow, Step: step}) {
		log.Printf("🛡️ Preserving mid-flow session for %s (flow: %s, step: %d)", userID, activeFlow, step)
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_sessions WHERE user_id = $1`, userID); err != nil {
		return false, fmt.Errorf("error deleting session: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("error committing session delete: %v", err)
	}
	return true, nil
}

func (s *PostgresStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bot_sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("error clearing session: %v", err)
	}
	return nil
}

// DeleteStale reaps old sessions: neutral or terminal sessions idle past
// neutralTTL, and mid-flow sessions idle past abandonTTL. Abandoned
// mid-flow sessions are logged per user so the loss is visible.
func (s *PostgresStore) DeleteStale(ctx context.Context, neutralTTL, abandonTTL time.Duration) (int, error) {
	result, err := s.db.ExecContext(ctx, `
        DELETE FROM bot_sessions
        WHERE (step = $1 OR active_flow = '') AND updated_at < NOW() - $2::interval
    `, StepDone, fmt.Sprintf("%d seconds", int(neutralTTL.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("error reaping neutral sessions: %v", err)
	}
	reaped, _ := result.RowsAffected()

	rows, err := s.db.QueryContext(ctx, `
        DELETE FROM bot_sessions
        WHERE step != $1 AND active_flow != '' AND updated_at < NOW() - $2::interval
        RETURNING user_id, active_flow, step
    `, StepDone, fmt.Sprintf("%d seconds", int(abandonTTL.Seconds())))
	if err != nil {
		return int(reaped), fmt.Errorf("error reaping abandoned sessions: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID, activeFlow string
		var step int
		if err := rows.Scan(&userID, &activeFlow, &step); err != nil {
			continue
		}
		log.Printf("🗑️ Abandoned session reaped: user=%s flow=%s step=%d", userID, activeFlow, step)
		reaped++
	}
	return int(reaped), rows.Err()
}
