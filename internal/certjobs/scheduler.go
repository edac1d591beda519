package certjobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/acme"
	"github.com/hiddenstate/registrar-relay/internal/metrics"
)

// Issuer is the certificate backend a scheduler drives.
type Issuer interface {
	Issue(ctx context.Context, sld string, mode acme.Mode) (string, error)
	Renew(ctx context.Context, sld string) (string, error)
}

// Scheduler accepts issuance requests, returns immediately with a job
// handle, and works each job in the background with bounded retries. One
// pending job per (domain, wildcard) pair; repeated requests are answered
// with the existing job.
type Scheduler struct {
	store        *Store
	issuer       Issuer
	certMapName  string
	maxAttempts  int
	initialDelay time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config sizes the retry policy.
type Config struct {
	// MaxAttempts is the total number of issuance attempts per job.
	MaxAttempts int
	// InitialDelay is the backoff interval after the first failure. The
	// first attempt runs immediately.
	InitialDelay time.Duration
}

// NewScheduler creates a scheduler. certMapName is recorded on successful
// jobs so pollers learn where the certificate was bound.
func NewScheduler(store *Store, issuer Issuer, certMapName string, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:        store,
		issuer:       issuer,
		certMapName:  certMapName,
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Schedule registers an issuance job for (domain, wildcard, renew) and
// starts it in the background. When a job for the same (domain, wildcard)
// pair is still pending, that job is returned instead of creating another.
func (s *Scheduler) Schedule(ctx context.Context, sld string, wildcard, renew bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, err := s.store.Pending(ctx, sld, wildcard); err != nil {
		return nil, err
	} else if id != "" {
		return s.store.Get(ctx, id)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Domain:    sld,
		Wildcard:  wildcard,
		Renew:     renew,
		State:     StateScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Put(ctx, job); err != nil {
		return nil, err
	}
	if _, err := s.store.SetPending(ctx, sld, wildcard, job.ID); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.run(*job)
	return job, nil
}

// Close stops accepting work and waits for in-flight jobs to finish their
// current attempt.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(job Job) {
	defer s.wg.Done()
	ctx := s.ctx

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(s.initialDelay)),
		uint64(s.maxAttempts-1)), ctx)

	attempt := func() error {
		job.Attempts++
		job.State = StateAttempting
		s.persist(ctx, &job)

		certName, err := s.issue(ctx, &job)
		if err != nil {
			job.State = StateFailed
			job.Error = err.Error()
			s.persist(ctx, &job)
			s.logger.Warn("cert job attempt failed",
				zap.String("job", job.ID),
				zap.String("domain", job.Domain),
				zap.Int("attempt", job.Attempts),
				zap.Error(err))
			return err
		}
		job.CertID = certName
		return nil
	}

	err := backoff.Retry(attempt, policy)

	if err != nil {
		job.State = StateExhausted
		job.Completed = true
		job.Success = false
		metrics.CertJobs.WithLabelValues("exhausted").Inc()
		s.logger.Error("cert job exhausted",
			zap.String("job", job.ID),
			zap.String("domain", job.Domain),
			zap.Int("attempts", job.Attempts),
			zap.Error(err))
	} else {
		job.State = StateSucceeded
		job.Completed = true
		job.Success = true
		job.Error = ""
		job.CertMapID = s.certMapName
		metrics.CertJobs.WithLabelValues("succeeded").Inc()
		s.logger.Info("cert job succeeded",
			zap.String("job", job.ID),
			zap.String("domain", job.Domain),
			zap.Int("attempts", job.Attempts))
	}
	s.persist(ctx, &job)

	if err := s.store.ClearPending(context.WithoutCancel(ctx), job.Domain, job.Wildcard); err != nil {
		s.logger.Error("cert job pending slot not released", zap.String("job", job.ID), zap.Error(err))
	}
}

func (s *Scheduler) issue(ctx context.Context, job *Job) (string, error) {
	if job.Renew {
		return s.issuer.Renew(ctx, job.Domain)
	}
	mode := acme.ModeNakedOnly
	if job.Wildcard {
		mode = acme.ModeWildcardOnly
	}
	return s.issuer.Issue(ctx, job.Domain, mode)
}

// Lookup returns the pending job for (sld, wildcard), or nil when none is
// running.
func (s *Scheduler) Lookup(ctx context.Context, sld string, wildcard bool) (*Job, error) {
	id, err := s.store.Pending(ctx, sld, wildcard)
	if err != nil || id == "" {
		return nil, err
	}
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

// LookupByJobID returns the job with the given ID, or nil when unknown.
func (s *Scheduler) LookupByJobID(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

// List returns every job, newest first.
func (s *Scheduler) List(ctx context.Context) ([]*Job, error) {
	return s.store.List(ctx)
}

func (s *Scheduler) persist(ctx context.Context, job *Job) {
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Error("cert job not persisted", zap.String("job", job.ID), zap.Error(err))
	}
}
