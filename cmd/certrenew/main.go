// certrenew sweeps issued certificates and renews the ones whose on-chain
// registration outlives the certificate, so active domains never serve an
// expired chain. Set RENEW_SLD_LIST (comma-separated) to renew a fixed set
// instead of scanning every certificate resource.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/acme"
	"github.com/hiddenstate/registrar-relay/internal/certmanager"
	"github.com/hiddenstate/registrar-relay/internal/chain"
	"github.com/hiddenstate/registrar-relay/internal/config"
	"github.com/hiddenstate/registrar-relay/internal/dnszone"
	"github.com/hiddenstate/registrar-relay/internal/logging"
)

// renewMargin is how far past the certificate expiry the on-chain
// registration must extend for a renewal to be worthwhile.
const renewMargin = 7 * 24 * time.Hour

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

	oracle, err := chain.Dial(ctx, cfg.Chain.ProviderURL, cfg.Chain.RegistrarController, logger)
	if err != nil {
		logger.Fatal("chain provider", zap.Error(err))
	}

	accountKey, err := acme.LoadOrCreateAccountKey(cfg.ACME.KeyFile)
	if err != nil {
		logger.Fatal("acme account key", zap.Error(err))
	}
	issuer := acme.NewIssuer(acme.IssuerConfig{
		AccountKey: accountKey,
		Email:      cfg.ACME.Email,
		Staging:    cfg.ACME.Staging,
		TLD:        cfg.TLD,
		SwapPause:  cfg.MapEntrySwapPause,
	}, certs, zones, reloader, acme.NewDNS01Solver(zones, reloader, logger), nil, logger)

	slds, err := renewCandidates(ctx, certs, cfg.TLD, logger)
	if err != nil {
		logger.Fatal("list certificates", zap.Error(err))
	}
	logger.Info("renewal sweep", zap.Int("candidates", len(slds)))

	var renewed, skipped, failed int
	for _, sld := range slds {
		ok, err := renewOne(ctx, oracle, certs, issuer, sld, logger)
		switch {
		case err != nil:
			failed++
			logger.Error("renewal failed", zap.String("sld", sld), zap.Error(err))
		case ok:
			renewed++
		default:
			skipped++
		}
		if ctx.Err() != nil {
			break
		}
	}
	logger.Info("renewal sweep done",
		zap.Int("renewed", renewed),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed))
}

// renewCandidates returns the SLDs to consider: RENEW_SLD_LIST when set,
// otherwise every unsuffixed certificate resource under the TLD.
func renewCandidates(ctx context.Context, certs *certmanager.Manager, tld string, logger *zap.Logger) ([]string, error) {
	if v := os.Getenv("RENEW_SLD_LIST"); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}

	list, err := certs.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, cert := range list {
		id, err := certmanager.ParseCertID(tld, cert.GetName())
		if err != nil {
			// Batch certificates and foreign resources do not decompose.
			if !errors.Is(err, certmanager.ErrInvalidCertID) {
				logger.Warn("unparseable certificate ID", zap.String("name", cert.GetName()), zap.Error(err))
			}
			continue
		}
		if id.Suffix != "" {
			continue
		}
		sld := id.SLD()
		if _, ok := seen[sld]; ok {
			continue
		}
		seen[sld] = struct{}{}
		out = append(out, sld)
	}
	sort.Strings(out)
	return out, nil
}

// renewOne renews sld when its registration outlives the current certificate
// by more than renewMargin. It reports whether a renewal happened.
func renewOne(ctx context.Context, oracle *chain.Oracle, certs *certmanager.Manager, issuer *acme.Issuer, sld string, logger *zap.Logger) (bool, error) {
	nameExpires, err := oracle.NameExpires(ctx, sld)
	if err != nil {
		return false, err
	}
	if nameExpires.IsZero() || nameExpires.Before(time.Now()) {
		logger.Debug("registration expired, skipping", zap.String("sld", sld))
		return false, nil
	}

	cert, err := certs.GetCertificate(ctx, sld, "")
	if err != nil {
		return false, err
	}
	if cert == nil || cert.GetExpireTime() == nil {
		return false, nil
	}
	certExpires := cert.GetExpireTime().AsTime()
	if !nameExpires.After(certExpires.Add(renewMargin)) {
		logger.Debug("registration does not outlive certificate, skipping",
			zap.String("sld", sld),
			zap.Time("name_expires", nameExpires),
			zap.Time("cert_expires", certExpires))
		return false, nil
	}

	certName, err := issuer.Renew(ctx, sld)
	if err != nil {
		return false, err
	}
	logger.Info("renewed", zap.String("sld", sld), zap.String("cert", certName))
	return true, nil
}
