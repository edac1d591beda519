// Package purchase persists completed registrar orders and guards each
// domain with a short-lived lock so concurrent purchase requests cannot
// double-buy.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "purchase:"
	lockKeyPrefix   = "purchase:lock:"
	// lockTTL bounds how long a crashed purchase can wedge a domain.
	lockTTL = 5 * time.Minute
)

// Record is one completed (or attempted) registrar order.
type Record struct {
	Domain    string    `json:"domain"`
	Owner     string    `json:"owner"`
	TxHash    string    `json:"txHash"`
	OrderID   string    `json:"orderId"`
	PricePaid float64   `json:"pricePaid"`
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"domainExpiryDate"`
	CreatedAt time.Time `json:"creationTime"`
}

// Store keeps purchase records in Redis.
type Store struct {
	rdb redis.Cmdable
}

// NewStore creates a purchase store over the given Redis client.
func NewStore(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

// Save writes the record for its domain, replacing any earlier attempt.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("purchase: encode record for %s: %w", rec.Domain, err)
	}
	if err := s.rdb.Set(ctx, recordKeyPrefix+rec.Domain, raw, 0).Err(); err != nil {
		return fmt.Errorf("purchase: store record for %s: %w", rec.Domain, err)
	}
	return nil
}

// Get returns the record for a domain, or nil when none exists.
func (s *Store) Get(ctx context.Context, domain string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, recordKeyPrefix+domain).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("purchase: load record for %s: %w", domain, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("purchase: decode record for %s: %w", domain, err)
	}
	return &rec, nil
}

// Lock claims the per-domain purchase lock. It returns false when another
// purchase for the domain is already in flight.
func (s *Store) Lock(ctx context.Context, domain string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKeyPrefix+domain, "1", lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("purchase: lock %s: %w", domain, err)
	}
	return ok, nil
}

// Unlock releases the per-domain purchase lock.
func (s *Store) Unlock(ctx context.Context, domain string) error {
	if err := s.rdb.Del(ctx, lockKeyPrefix+domain).Err(); err != nil {
		return fmt.Errorf("purchase: unlock %s: %w", domain, err)
	}
	return nil
}
