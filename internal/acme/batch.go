package acme

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	xacme "golang.org/x/crypto/acme"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Batch sizing. DNS seeding is cheap and parallel; map-entry creation is a
// long-running cloud operation and goes in small sequential chunks.
const (
	dnsSeedChunkSize  = 50
	mapEntryChunkSize = 10
)

// BatchOptions adjusts IssueBatch behavior.
type BatchOptions struct {
	// SkipInitDNS skips apex seeding, for domains whose zones already exist.
	SkipInitDNS bool
	// MapEntryWait is slept between map-entry chunks.
	MapEntryWait time.Duration
}

// IssueBatch obtains one certificate covering every domain in slds (naked and
// wildcard each) under the given batch resource ID, then binds map entries
// for all of them. An existing certificate under batchID is reused, so a
// partially-bound batch can be resumed by rerunning with the same ID.
// Map-entry chunks fail independently; one bad chunk does not abort the rest.
func (is *Issuer) IssueBatch(ctx context.Context, batchID string, slds []string, opts BatchOptions) error {
	if len(slds) == 0 {
		return nil
	}
	slds = append([]string(nil), slds...)
	sort.Strings(slds)

	domains := make([]string, 0, len(slds))
	for _, sld := range slds {
		domain, err := is.domainFor(sld)
		if err != nil {
			return err
		}
		domains = append(domains, domain)
	}

	if !opts.SkipInitDNS {
		if err := is.seedZones(ctx, domains); err != nil {
			return err
		}
	}

	certName, err := is.batchCert(ctx, batchID, domains)
	if err != nil {
		return err
	}

	var failed int
	for start := 0; start < len(domains); start += mapEntryChunkSize {
		end := start + mapEntryChunkSize
		if end > len(domains) {
			end = len(domains)
		}
		if start > 0 && opts.MapEntryWait > 0 {
			select {
			case <-time.After(opts.MapEntryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, domain := range domains[start:end] {
			if err := is.bindMapEntries(ctx, domain, certName); err != nil {
				failed++
				is.logger.Error("batch map entry failed", zap.String("domain", domain), zap.Error(err))
			}
		}
	}
	is.logger.Info("batch issued",
		zap.String("batch", batchID),
		zap.Int("domains", len(domains)),
		zap.Int("failed", failed))
	return nil
}

func (is *Issuer) seedZones(ctx context.Context, domains []string) error {
	for start := 0; start < len(domains); start += dnsSeedChunkSize {
		end := start + dnsSeedChunkSize
		if end > len(domains) {
			end = len(domains)
		}
		var wg sync.WaitGroup
		errs := make([]error, end-start)
		for i, domain := range domains[start:end] {
			wg.Add(1)
			go func(i int, domain string) {
				defer wg.Done()
				if err := is.zones.SeedApex(ctx, domain); err != nil {
					errs[i] = err
					return
				}
				if is.reloader != nil {
					_ = is.reloader.Reload(ctx, domain+".")
				}
			}(i, domain)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// batchCert returns the existing certificate under batchID, or orders a new
// one covering every domain and its wildcard.
func (is *Issuer) batchCert(ctx context.Context, batchID string, domains []string) (string, error) {
	existing, err := is.certs.GetCertificateByID(ctx, batchID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		is.logger.Info("reusing batch certificate", zap.String("batch", batchID))
		return existing.GetName(), nil
	}

	if err := is.ensureRegistered(ctx); err != nil {
		return "", err
	}
	ids := make([]xacme.AuthzID, 0, 2*len(domains))
	sans := make([]string, 0, 2*len(domains))
	for _, domain := range domains {
		ids = append(ids,
			xacme.AuthzID{Type: "dns", Value: domain},
			xacme.AuthzID{Type: "dns", Value: "*." + domain})
		sans = append(sans, domain, "*."+domain)
	}

	order, err := is.client.AuthorizeOrder(ctx, ids)
	if err != nil {
		return "", err
	}
	for _, authzURL := range order.AuthzURLs {
		if err := is.solveAuthz(ctx, authzURL, false); err != nil {
			return "", err
		}
	}
	if _, err := is.client.WaitOrder(ctx, order.URI); err != nil {
		return "", err
	}

	certPEM, keyPEM, err := is.finalize(ctx, order, domains[0], sans)
	if err != nil {
		return "", err
	}
	return is.certs.CreateCertificateByID(ctx, batchID, certPEM, keyPEM)
}

// bindMapEntries creates both entries for a domain, tolerating ones already
// bound by an earlier run of the same batch.
func (is *Issuer) bindMapEntries(ctx context.Context, domain, certName string) error {
	if _, err := is.certs.CreateCertificateMapEntry(ctx, domain, certName); err != nil && status.Code(err) != codes.AlreadyExists {
		return err
	}
	if _, err := is.certs.CreateWildcardCertificateMapEntry(ctx, domain, certName); err != nil && status.Code(err) != codes.AlreadyExists {
		return err
	}
	return nil
}
