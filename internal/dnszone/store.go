package dnszone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Apex is the record name for the zone root.
const Apex = "@"

// ChallengeRecord is the record name ACME dns-01 validation reads.
const ChallengeRecord = "_acme-challenge"

// casScript swaps a hash field only if its current value matches the expected
// one. An empty expected value means the field must be absent; an empty new
// value deletes the field.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if (cur == false and ARGV[2] == '') or cur == ARGV[2] then
	if ARGV[3] == '' then
		redis.call('HDEL', KEYS[1], ARGV[1])
	else
		redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	end
	return 1
end
return 0
`)

// Config carries the zone-store parameters that seed new zones.
type Config struct {
	TLD      string
	ServerIP string // A record published at every apex
	SOA      SOARecord
}

// Store reads and writes DNS record sets in Redis. It serializes
// read-modify-write cycles per (zone, name) so that concurrent challenge
// mutations for the same record cannot lose updates.
type Store struct {
	rdb    redis.Cmdable
	cfg    Config
	logger *zap.Logger

	locks sync.Map // (zone + "\x00" + name) -> *sync.Mutex
}

// NewStore creates a zone store over the given Redis client.
func NewStore(rdb redis.Cmdable, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, cfg: cfg, logger: logger}
}

// Zone returns the Redis zone key for a second-level domain label.
func (s *Store) Zone(sld string) string {
	return sld + "." + s.cfg.TLD + "."
}

// Get fetches the record set stored under (zone, name). A missing field
// returns (nil, nil).
func (s *Store) Get(ctx context.Context, zone, name string) (*RecordSet, error) {
	val, err := s.rdb.HGet(ctx, zone, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dnszone: get %s %s: %w", zone, name, err)
	}
	return UnmarshalRecordSet([]byte(val))
}

// Set writes the record set under (zone, name), validating its shape first.
func (s *Store) Set(ctx context.Context, zone, name string, rs *RecordSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	b, err := rs.Marshal()
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, zone, name, string(b)).Err(); err != nil {
		return fmt.Errorf("dnszone: set %s %s: %w", zone, name, err)
	}
	return nil
}

// Delete removes the record set under (zone, name).
func (s *Store) Delete(ctx context.Context, zone, name string) error {
	if err := s.rdb.HDel(ctx, zone, name).Err(); err != nil {
		return fmt.Errorf("dnszone: delete %s %s: %w", zone, name, err)
	}
	return nil
}

// Update applies fn to the current record set under an exclusive per-record
// lock. fn receives nil when the record is absent; returning an empty set (or
// nil) deletes the record.
func (s *Store) Update(ctx context.Context, zone, name string, fn func(*RecordSet) (*RecordSet, error)) error {
	mu := s.lock(zone, name)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.Get(ctx, zone, name)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next.Empty() {
		return s.Delete(ctx, zone, name)
	}
	return s.Set(ctx, zone, name, next)
}

// CompareAndSwap atomically replaces the record set under (zone, name) only if
// the stored value still equals old. old == nil requires the record to be
// absent; next == nil (or empty) deletes it. Returns false when the stored
// value changed underneath the caller.
func (s *Store) CompareAndSwap(ctx context.Context, zone, name string, old, next *RecordSet) (bool, error) {
	var oldVal, nextVal string
	if !old.Empty() {
		b, err := old.Marshal()
		if err != nil {
			return false, err
		}
		oldVal = string(b)
	}
	if !next.Empty() {
		if err := next.Validate(); err != nil {
			return false, err
		}
		b, err := next.Marshal()
		if err != nil {
			return false, err
		}
		nextVal = string(b)
	}

	n, err := casScript.Run(ctx, s.rdb, []string{zone}, name, oldVal, nextVal).Int()
	if err != nil {
		return false, fmt.Errorf("dnszone: cas %s %s: %w", zone, name, err)
	}
	return n == 1, nil
}

// SeedApex writes the baseline apex records for a domain: the server A record,
// the SOA, and CAA records authorizing letsencrypt.org and pki.goog. The CAA
// records must exist before any issuance because the CA checks them first.
func (s *Store) SeedApex(ctx context.Context, domain string) error {
	soa := s.cfg.SOA
	rs := &RecordSet{
		A:   []ARecord{{IP: s.cfg.ServerIP, TTL: 300}},
		SOA: &soa,
		CAA: []CAARecord{
			{TTL: 300, Flag: 0, Tag: "issue", Value: "letsencrypt.org"},
			{TTL: 300, Flag: 0, Tag: "issue", Value: "pki.goog"},
		},
	}
	if err := s.Set(ctx, domain+".", Apex, rs); err != nil {
		return err
	}
	s.logger.Debug("seeded apex records", zap.String("domain", domain))
	return nil
}

// redirectTargetsField is the hash field holding the JSON map of subdomain
// to destination URL the redirect servers consume. It lives beside the DNS
// records in the zone hash but is not a record set.
const redirectTargetsField = "_redirects"

func (s *Store) redirectTargets(ctx context.Context, zone string) (map[string]string, error) {
	val, err := s.rdb.HGet(ctx, zone, redirectTargetsField).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dnszone: get redirect targets %s: %w", zone, err)
	}
	targets := map[string]string{}
	if err := json.Unmarshal([]byte(val), &targets); err != nil {
		return nil, fmt.Errorf("dnszone: decode redirect targets %s: %w", zone, err)
	}
	return targets, nil
}

func (s *Store) writeRedirectTargets(ctx context.Context, zone string, targets map[string]string) error {
	if len(targets) == 0 {
		if err := s.rdb.HDel(ctx, zone, redirectTargetsField).Err(); err != nil {
			return fmt.Errorf("dnszone: delete redirect targets %s: %w", zone, err)
		}
		return nil
	}
	b, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("dnszone: encode redirect targets %s: %w", zone, err)
	}
	if err := s.rdb.HSet(ctx, zone, redirectTargetsField, string(b)).Err(); err != nil {
		return fmt.Errorf("dnszone: set redirect targets %s: %w", zone, err)
	}
	return nil
}

// SetRedirectTarget records the destination URL for a redirected subdomain.
func (s *Store) SetRedirectTarget(ctx context.Context, zone, name, target string) error {
	mu := s.lock(zone, redirectTargetsField)
	mu.Lock()
	defer mu.Unlock()
	targets, err := s.redirectTargets(ctx, zone)
	if err != nil {
		return err
	}
	targets[name] = target
	return s.writeRedirectTargets(ctx, zone, targets)
}

// RedirectTarget returns the destination URL for a redirected subdomain, or
// "" when none is set.
func (s *Store) RedirectTarget(ctx context.Context, zone, name string) (string, error) {
	targets, err := s.redirectTargets(ctx, zone)
	if err != nil {
		return "", err
	}
	return targets[name], nil
}

// DeleteRedirectTarget removes the destination URL for a subdomain.
func (s *Store) DeleteRedirectTarget(ctx context.Context, zone, name string) error {
	mu := s.lock(zone, redirectTargetsField)
	mu.Lock()
	defer mu.Unlock()
	targets, err := s.redirectTargets(ctx, zone)
	if err != nil {
		return err
	}
	delete(targets, name)
	return s.writeRedirectTargets(ctx, zone, targets)
}

func (s *Store) lock(zone, name string) *sync.Mutex {
	key := zone + "\x00" + name
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
