// certbatch bulk-issues certificates for short premium domains: it enumerates
// every one- and two-character SLD, skips the ones already covered by a map
// entry, and orders one large SAN certificate per chunk of fifty.
//
// Campaign knobs come from BATCH_* environment variables:
//
//	BATCH_ID             batch ID prefix (default: today's date)
//	BATCH_EXCLUDED       comma-separated SLDs to skip
//	BATCH_INCLUDE        comma-separated SLDs to add to the enumeration
//	BATCH_CHUNK_SLEEP    pause between chunks (default 60s)
//	BATCH_MAP_ENTRY_WAIT pause between map-entry sub-chunks (default 60s)
//	BATCH_PROBE_NS       nameserver to probe for zone convergence (off if empty)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/acme"
	"github.com/hiddenstate/registrar-relay/internal/certmanager"
	"github.com/hiddenstate/registrar-relay/internal/config"
	"github.com/hiddenstate/registrar-relay/internal/dnszone"
	"github.com/hiddenstate/registrar-relay/internal/logging"
)

const (
	chunkSize    = 50
	probeTimeout = 2 * time.Minute
)

// Short SLDs reserved for relay services; never issued batch certificates.
var defaultExcluded = []string{"li", "ml", "ba", "ec", "au"}

func main() {
	boot := logging.Bootstrap()
	cfg, err := config.Load(boot)
	if err != nil {
		boot.Fatal("configuration", zap.Error(err))
	}
	logger := logging.MustBuild(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.DNS.RedisURL)
	if err != nil {
		logger.Fatal("redis url", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	zones := dnszone.NewStore(rdb, dnszone.Config{
		TLD:      cfg.TLD,
		ServerIP: cfg.DNS.ServerIP,
		SOA:      dnszone.SOARecord(cfg.DNS.SOA),
	}, logger)
	reloader := dnszone.NewReloader(cfg.DNS.ServerAPI, logger)

	api, err := certmanager.NewGCPAPI(ctx, cfg.GCP.CredFile)
	if err != nil {
		logger.Fatal("certificate manager client", zap.Error(err))
	}
	certs := certmanager.NewManager(api, cfg.GCP.ProjectID, cfg.TLD, cfg.GCP.CertificateMapID, logger)

	accountKey, err := acme.LoadOrCreateAccountKey(cfg.ACME.KeyFile)
	if err != nil {
		logger.Fatal("acme account key", zap.Error(err))
	}
	issuer := acme.NewIssuer(acme.IssuerConfig{
		AccountKey: accountKey,
		Email:      cfg.ACME.Email,
		Staging:    cfg.ACME.Staging,
		TLD:        cfg.TLD,
	}, certs, zones, reloader, acme.NewDNS01Solver(zones, reloader, logger), nil, logger)

	prefix := envOr("BATCH_ID", time.Now().UTC().Format("20060102"))
	excluded := envList("BATCH_EXCLUDED", defaultExcluded)
	include := envList("BATCH_INCLUDE", nil)
	chunkSleep := envDuration("BATCH_CHUNK_SLEEP", time.Minute, logger)
	mapEntryWait := envDuration("BATCH_MAP_ENTRY_WAIT", time.Minute, logger)
	probeNS := os.Getenv("BATCH_PROBE_NS")

	candidates := enumerateSLDs(excluded, include)
	logger.Info("probing certificate coverage", zap.Int("candidates", len(candidates)))
	needed, err := certs.FilterSLDsWithoutCert(ctx, candidates, certmanager.FilterOptions{CheckWildcard: true})
	if err != nil {
		logger.Fatal("coverage probe", zap.Error(err))
	}
	sort.Strings(needed)
	logger.Info("batch campaign", zap.String("prefix", prefix), zap.Int("domains", len(needed)))

	for start := 0; start < len(needed); start += chunkSize {
		end := start + chunkSize
		if end > len(needed) {
			end = len(needed)
		}
		chunk := needed[start:end]
		batchID := fmt.Sprintf("%s-%s-%s", prefix, chunk[0], chunk[len(chunk)-1])

		if err := seedChunk(ctx, zones, reloader, cfg.TLD, chunk); err != nil {
			logger.Error("zone seeding failed, skipping chunk", zap.String("batch", batchID), zap.Error(err))
			continue
		}
		if probeNS != "" {
			if err := waitForApex(ctx, probeNS, chunk[0]+"."+cfg.TLD, cfg.DNS.ServerIP); err != nil {
				logger.Warn("zone convergence probe", zap.String("batch", batchID), zap.Error(err))
			}
		}

		if err := issuer.IssueBatch(ctx, batchID, chunk, acme.BatchOptions{
			SkipInitDNS:  true,
			MapEntryWait: mapEntryWait,
		}); err != nil {
			logger.Error("batch failed", zap.String("batch", batchID), zap.Error(err))
		}

		if end < len(needed) {
			select {
			case <-time.After(chunkSleep):
			case <-ctx.Done():
				logger.Info("interrupted", zap.Int("issued_through", end))
				return
			}
		}
	}
	logger.Info("batch campaign done")
}

// enumerateSLDs lists every 1- and 2-character alphanumeric SLD, minus the
// excluded set, plus the forced includes.
func enumerateSLDs(excluded, include []string) []string {
	skip := make(map[string]struct{}, len(excluded))
	for _, s := range excluded {
		skip[s] = struct{}{}
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	seen := map[string]struct{}{}
	var out []string
	add := func(sld string) {
		if _, ok := skip[sld]; ok {
			return
		}
		if _, ok := seen[sld]; ok {
			return
		}
		seen[sld] = struct{}{}
		out = append(out, sld)
	}
	for _, a := range alphabet {
		add(string(a))
		for _, b := range alphabet {
			add(string(a) + string(b))
		}
	}
	for _, sld := range include {
		add(sld)
	}
	return out
}

func seedChunk(ctx context.Context, zones *dnszone.Store, reloader *dnszone.Reloader, tld string, slds []string) error {
	for _, sld := range slds {
		domain := sld + "." + tld
		if err := zones.SeedApex(ctx, domain); err != nil {
			return err
		}
		_ = reloader.Reload(ctx, domain+".")
	}
	return nil
}

// waitForApex polls the nameserver until the domain's apex A record resolves
// to the expected IP, proving the freshly seeded zones are being served.
func waitForApex(ctx context.Context, server, domain, wantIP string) error {
	if !strings.Contains(server, ":") {
		server += ":53"
	}
	client := &dns.Client{Timeout: 5 * time.Second}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	deadline := time.Now().Add(probeTimeout)
	for time.Now().Before(deadline) {
		resp, _, err := client.ExchangeContext(ctx, msg, server)
		if err == nil {
			for _, ans := range resp.Answer {
				if a, ok := ans.(*dns.A); ok && a.A.String() == wantIP {
					return nil
				}
			}
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("apex %s did not converge to %s within %s", domain, wantIP, probeTimeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDuration(key string, def time.Duration, logger *zap.Logger) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn("bad duration, using default", zap.String("key", key), zap.String("value", v))
		return def
	}
	return d
}
