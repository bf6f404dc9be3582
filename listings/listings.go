// listings/listings.go
package listings

import (
	"context"
	"database/sql"
	"fmt"
)

// Listing is one marketplace item the quick-search flow can surface.
type Listing struct {
	ID       int64
	Category string
	Title    string
	Price    int64
	Location string
	SellerID string
}

// Finder is the external data collaborator behind the marketplace
// quick-search flow.
type Finder interface {
	// Search returns active listings matching a category code and/or a
	// free-text keyword, newest first, capped at limit.
	Search(ctx context.Context, category, keyword string, limit int) ([]Listing, error)
}

// PostgresFinder reads the community's listings table:
//
//	CREATE TABLE listings (
//	    id        BIGSERIAL PRIMARY KEY,
//	    category  TEXT NOT NULL,
//	    title     TEXT NOT NULL,
//	    price     BIGINT NOT NULL,
//	    location  TEXT NOT NULL DEFAULT '',
//	    seller_id TEXT NOT NULL,
//	    status    TEXT NOT NULL DEFAULT 'active',
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PostgresFinder struct {
	db *sql.DB
}

func NewPostgresFinder(db *sql.DB) *PostgresFinder {
	return &PostgresFinder{db: db}
}

func (f *PostgresFinder) Search(ctx context.Context, category, keyword string, limit int) ([]Listing, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := f.db.QueryContext(ctx, `
        SELECT id, category, title, price, location, seller_id
        FROM listings
        WHERE status = 'active'
          AND ($1 = '' OR category = $1)
          AND ($2 = '' OR title ILIKE '%' || $2 || '%')
        ORDER BY created_at DESC
        LIMIT $3
    `, category, keyword, limit)
	if err != nil {
		return nil, fmt.Errorf("error searching listings: %v", err)
	}
	defer rows.Close()

	var results []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.Category, &l.Title, &l.Price, &l.Location, &l.SellerID); err != nil {
			return nil, fmt.Errorf("error scanning listing: %v", err)
		}
		results = append(results, l)
	}
	return results, rows.Err()
}
