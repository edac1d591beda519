// Package acme issues Let's Encrypt certificates for relay-managed domains
// and publishes them to Certificate Manager.
package acme

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/bucket"
	"github.com/hiddenstate/registrar-relay/internal/dnszone"
)

// ChallengeTTL is the TTL of published DNS challenge records.
const ChallengeTTL = 300

// HTTPChallengePrefix is the object-key prefix under which HTTP-01 challenge
// bodies are served by the load balancer.
const HTTPChallengePrefix = ".well-known/http-challenge/"

// Solver publishes and withdraws one kind of ACME challenge response.
// value is the challenge-type-specific payload: the TXT record value for
// dns-01, the key authorization body for http-01.
type Solver interface {
	Type() string
	Present(ctx context.Context, domain, token, value string) error
	Cleanup(ctx context.Context, domain, token, value string) error
}

// DNS01Solver answers dns-01 challenges by appending TXT records to the
// domain's _acme-challenge name in the zone store. Concurrent issuances for
// the naked and wildcard identifiers of one domain share that name, so
// records are added and removed individually rather than replaced wholesale.
type DNS01Solver struct {
	zones    *dnszone.Store
	reloader *dnszone.Reloader
	logger   *zap.Logger
}

// NewDNS01Solver creates a dns-01 solver over the zone store.
func NewDNS01Solver(zones *dnszone.Store, reloader *dnszone.Reloader, logger *zap.Logger) *DNS01Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNS01Solver{zones: zones, reloader: reloader, logger: logger}
}

func (s *DNS01Solver) Type() string { return "dns-01" }

// checkLabels rejects identifiers deeper than sld.tld before any store
// access. Certificates are only ever issued at the second level; anything
// else would create a zone the relay does not own.
func checkLabels(domain string) error {
	if strings.Count(domain, ".") != 1 {
		return fmt.Errorf("%w: %q", ErrMultiLabel, domain)
	}
	return nil
}

func (s *DNS01Solver) Present(ctx context.Context, domain, _, value string) error {
	if err := checkLabels(domain); err != nil {
		return err
	}
	zone := domain + "."
	err := s.zones.Update(ctx, zone, dnszone.ChallengeRecord, func(cur *dnszone.RecordSet) (*dnszone.RecordSet, error) {
		if cur == nil {
			cur = &dnszone.RecordSet{}
		}
		for _, rec := range cur.TXT {
			if rec.Text == value {
				return cur, nil
			}
		}
		cur.TXT = append(cur.TXT, dnszone.TXTRecord{Text: value, TTL: ChallengeTTL})
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("acme: present dns challenge for %s: %w", domain, err)
	}
	if s.reloader != nil {
		_ = s.reloader.Reload(ctx, zone)
	}
	return nil
}

func (s *DNS01Solver) Cleanup(ctx context.Context, domain, _, value string) error {
	if err := checkLabels(domain); err != nil {
		return err
	}
	zone := domain + "."
	err := s.zones.Update(ctx, zone, dnszone.ChallengeRecord, func(cur *dnszone.RecordSet) (*dnszone.RecordSet, error) {
		if cur == nil {
			return nil, nil
		}
		kept := cur.TXT[:0]
		for _, rec := range cur.TXT {
			if rec.Text != value {
				kept = append(kept, rec)
			}
		}
		cur.TXT = kept
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("acme: cleanup dns challenge for %s: %w", domain, err)
	}
	return nil
}

// objectStore is the bucket surface HTTP01Solver needs.
type objectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

// HTTP01Solver answers http-01 challenges by publishing the key authorization
// as a public bucket object the load balancer serves at the well-known path.
// Bucket writes are retried briefly; object propagation is otherwise
// immediate.
type HTTP01Solver struct {
	store  objectStore
	logger *zap.Logger
}

// NewHTTP01Solver creates an http-01 solver over the challenge bucket.
func NewHTTP01Solver(store objectStore, logger *zap.Logger) *HTTP01Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP01Solver{store: store, logger: logger}
}

func (s *HTTP01Solver) Type() string { return "http-01" }

func (s *HTTP01Solver) Present(ctx context.Context, domain, token, value string) error {
	key := HTTPChallengePrefix + token
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(time.Second)), 4), ctx)
	err := backoff.Retry(func() error {
		return s.store.Put(ctx, key, []byte(value), "text/plain")
	}, policy)
	if err != nil {
		return fmt.Errorf("acme: present http challenge for %s: %w", domain, err)
	}
	s.logger.Debug("http challenge published", zap.String("domain", domain), zap.String("key", key))
	return nil
}

func (s *HTTP01Solver) Cleanup(ctx context.Context, domain, token, _ string) error {
	err := s.store.Delete(ctx, HTTPChallengePrefix+token)
	if err != nil && !errors.Is(err, bucket.ErrNotExist) {
		return fmt.Errorf("acme: cleanup http challenge for %s: %w", domain, err)
	}
	return nil
}
