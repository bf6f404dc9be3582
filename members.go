// members.go
package main

import (
	"context"
	"database/sql"
	"fmt"
)

// memberRegistrar writes confirmed registrations to the members table:
//
//	CREATE TABLE members (
//	    user_id    TEXT PRIMARY KEY,
//	    name       TEXT NOT NULL,
//	    phone      TEXT NOT NULL,
//	    location   TEXT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
// Re-registration updates in place, so a user tapping confirm twice (or
// registering again later) is harmless.
type memberRegistrar struct {
	db *sql.DB
}

func (m *memberRegistrar) RegisterMember(ctx context.Context, userID, name, phone, location string) error {
	_, err := m.db.ExecContext(ctx, `
        INSERT INTO members (user_id, name, phone, location)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id) DO UPDATE
        SET name = EXCLUDED.name,
            phone = EXCLUDED.phone,
            location = EXCLUDED.location,
            updated_at = NOW()
    `, userID, name, phone, location)
	if err != nil {
		return fmt.Errorf("error saving member: %v", err)
	}

	LogInfo("🎉 Registered member %s (%s, %s)", name, userID, location)
	return nil
}
