// session/dedup.go
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper drops redelivered webhook events. Messenger redelivers on slow
// or failed webhook responses, and a redelivered event must not advance a
// flow's step twice. Keys are message ids (or postback id+timestamp).
//
// Redis is optional: with a client the check is SET NX with TTL, shared
// across instances; without one it degrades to an in-memory TTL map,
// which is fine for single-instance deployments.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{
		client: client,
		ttl:    ttl,
		seen:   make(map[string]time.Time),
	}
}

// Seen marks the event id and reports whether it was already marked. A
// redis failure counts as not-seen: processing a duplicate is better
// than dropping a real message.
func (d *Deduper) Seen(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return false
	}

	if d.client != nil {
		set, err := d.client.SetNX(ctx, "dedup:"+eventID, 1, d.ttl).Result()
		if err != nil {
			log.Printf("⚠️ Dedup check failed for %s, processing anyway: %v", eventID, err)
			return false
		}
		return !set
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if expires, ok := d.seen[eventID]; ok && now.Before(expires) {
		return true
	}

	// Opportunistic sweep keeps the map from growing unbounded
	for id, expires := range d.seen {
		if now.After(expires) {
			delete(d.seen, id)
		}
	}

	d.seen[eventID] = now.Add(d.ttl)
	return false
}
