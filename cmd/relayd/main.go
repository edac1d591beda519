// relayd is the registrar relay daemon: it serves the HTTP API that turns
// on-chain name registrations into real-world domains, DNS records, and TLS
// certificates.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/acme"
	"github.com/hiddenstate/registrar-relay/internal/bucket"
	"github.com/hiddenstate/registrar-relay/internal/certjobs"
	"github.com/hiddenstate/registrar-relay/internal/certmanager"
	"github.com/hiddenstate/registrar-relay/internal/chain"
	"github.com/hiddenstate/registrar-relay/internal/config"
	"github.com/hiddenstate/registrar-relay/internal/dnszone"
	"github.com/hiddenstate/registrar-relay/internal/logging"
	"github.com/hiddenstate/registrar-relay/internal/metrics"
	"github.com/hiddenstate/registrar-relay/internal/purchase"
	"github.com/hiddenstate/registrar-relay/internal/registrar"
	"github.com/hiddenstate/registrar-relay/internal/server"
	"github.com/hiddenstate/registrar-relay/internal/subdomains"
)

func main() {
	boot := logging.Bootstrap()

	cfg, err := config.Load(boot)
	if err != nil {
		boot.Fatal("configuration", zap.Error(err))
	}
	logger := logging.MustBuild(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting relayd", zap.String("env", cfg.Env), zap.String("tld", cfg.TLD))

	metrics.RegisterDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.DNS.RedisURL)
	if err != nil {
		logger.Fatal("redis url", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(connectCtx).Err(); err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}

	zones := dnszone.NewStore(rdb, dnszone.Config{
		TLD:      cfg.TLD,
		ServerIP: cfg.DNS.ServerIP,
		SOA:      dnszone.SOARecord(cfg.DNS.SOA),
	}, logger)
	reloader := dnszone.NewReloader(cfg.DNS.ServerAPI, logger)

	api, err := certmanager.NewGCPAPI(connectCtx, cfg.GCP.CredFile)
	if err != nil {
		logger.Fatal("certificate manager client", zap.Error(err))
	}
	certs := certmanager.NewManager(api, cfg.GCP.ProjectID, cfg.TLD, cfg.GCP.CertificateMapID, logger)

	var http01 acme.Solver
	if cfg.GCP.CertBucket != "" {
		bkt, err := bucket.New(connectCtx, cfg.GCP.CertBucket, cfg.GCP.CredFile)
		if err != nil {
			logger.Fatal("challenge bucket", zap.Error(err))
		}
		defer func() { _ = bkt.Close() }()
		http01 = acme.NewHTTP01Solver(bkt, logger)
	} else {
		logger.Warn("no challenge bucket configured, http-01 disabled")
	}
	dns01 := acme.NewDNS01Solver(zones, reloader, logger)

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
	}, certs, zones, reloader, dns01, http01, logger)

	sched := certjobs.NewScheduler(certjobs.NewStore(rdb), issuer, certs.CertificateMapName(), certjobs.Config{
		MaxAttempts:  cfg.Jobs.MaxAttempts,
		InitialDelay: cfg.Jobs.InitialDelay,
	}, logger)
	defer sched.Close()

	oracle, err := chain.Dial(connectCtx, cfg.Chain.ProviderURL, cfg.Chain.RegistrarController, logger)
	if err != nil {
		logger.Fatal("chain provider", zap.Error(err))
	}

	reg, err := registrar.New(cfg.TLD, cfg.Registrar, logger)
	if err != nil {
		logger.Fatal("registrar", zap.Error(err))
	}

	subs := subdomains.NewManager(zones, nil, subdomains.Config{
		EWSIP:       cfg.DNS.EWSIP,
		EASIP:       cfg.DNS.EASIP,
		RedirectIPs: cfg.DNS.RedirectIPs,
	}, logger)

	srv := server.New(cfg, reg, oracle, subs, sched, issuer, purchase.NewStore(rdb), logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal("http server", zap.Error(err))
	}
	logger.Info("relayd stopped")
}
