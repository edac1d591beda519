// Package server is the relay's HTTP surface: registrar forwarding, DNS
// record management, and certificate provisioning endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/acme"
	"github.com/hiddenstate/registrar-relay/internal/certjobs"
	"github.com/hiddenstate/registrar-relay/internal/chain"
	"github.com/hiddenstate/registrar-relay/internal/config"
	"github.com/hiddenstate/registrar-relay/internal/httputil"
	"github.com/hiddenstate/registrar-relay/internal/logging"
	"github.com/hiddenstate/registrar-relay/internal/metrics"
	"github.com/hiddenstate/registrar-relay/internal/purchase"
	"github.com/hiddenstate/registrar-relay/internal/ratelimit"
	"github.com/hiddenstate/registrar-relay/internal/registrar"
	"github.com/hiddenstate/registrar-relay/internal/subdomains"
)

// Per-minute rate limits, looser for DNS record management than for
// registrar-backed endpoints.
const (
	dnsRateLimit       = 240
	registrarRateLimit = 60
)

// Oracle is the chain surface the handlers need.
type Oracle interface {
	RegistrationEvent(ctx context.Context, txHash common.Hash) (*chain.Registration, error)
	NameExpires(ctx context.Context, sld string) (time.Time, error)
	OwnerOf(ctx context.Context, sld string) (common.Address, error)
}

// Scheduler is the async certificate job surface.
type Scheduler interface {
	Schedule(ctx context.Context, sld string, wildcard, renew bool) (*certjobs.Job, error)
	Lookup(ctx context.Context, sld string, wildcard bool) (*certjobs.Job, error)
	LookupByJobID(ctx context.Context, id string) (*certjobs.Job, error)
	List(ctx context.Context) ([]*certjobs.Job, error)
}

// CertIssuer is the synchronous certificate surface.
type CertIssuer interface {
	Issue(ctx context.Context, sld string, mode acme.Mode) (string, error)
	Renew(ctx context.Context, sld string) (string, error)
	IssueManaged(ctx context.Context, sld string) (string, error)
}

// Server wires the HTTP handlers to their backends.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	registrar registrar.Client
	oracle    Oracle
	subs      *subdomains.Manager
	sched     Scheduler
	issuer    CertIssuer
	purchases *purchase.Store

	domainRe    *regexp.Regexp
	maintainers []common.Address
}

// New creates a server. Every backend is required.
func New(cfg *config.Config, reg registrar.Client, oracle Oracle, subs *subdomains.Manager,
	sched Scheduler, issuer CertIssuer, purchases *purchase.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	maintainers := make([]common.Address, 0, len(cfg.DNS.Maintainers))
	for _, m := range cfg.DNS.Maintainers {
		maintainers = append(maintainers, common.HexToAddress(m))
	}
	return &Server{
		cfg:         cfg,
		logger:      logger,
		registrar:   reg,
		oracle:      oracle,
		subs:        subs,
		sched:       sched,
		issuer:      issuer,
		purchases:   purchases,
		domainRe:    regexp.MustCompile(`^[a-z0-9-]{1,32}\.` + regexp.QuoteMeta(cfg.TLD) + `$`),
		maintainers: maintainers,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Recoverer(s.logger))
	r.Use(metrics.HTTPMetrics)
	r.Use(logging.RequestLogger(s.logger))
	if max := s.cfg.HTTP.MaxRequestBodyBytes; max > 0 {
		r.Use(limitBody(max))
	}
	if len(s.cfg.HTTP.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.HTTP.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			MaxAge:           300,
			AllowCredentials: false,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.JSONError(w, http.StatusNotFound, "not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httputil.JSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.PerMinute(registrarRateLimit))
		r.Post("/check-domain", s.handleCheckDomain)
		r.Post("/purchase", s.handlePurchase)
		r.Post("/cert", s.handleCert)
		r.Get("/cert/job/{jobID}", s.handleCertJob)
		r.Get("/cert/jobs", s.handleCertJobs)
	})

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.PerMinute(dnsRateLimit))
		r.Post("/enable-subdomains", s.handleEnableSubdomains)
		r.Post("/enable-mail", s.handleEnableMail)
		r.Post("/cname", s.handleCNAME)
		r.Post("/redirect", s.handleRedirect)
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.HTTP.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
		IdleTimeout:  s.cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func limitBody(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

// internalError hides backend failures from clients while logging them.
func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, zap.Error(err))
	httputil.JSONError(w, http.StatusInternalServerError, "internal error", "")
}
