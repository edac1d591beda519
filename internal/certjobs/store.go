package certjobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Jobs are JSON blobs; the pending index maps one
// (domain, wildcard) pair to the job currently working on it.
const (
	jobKeyPrefix     = "certjob:"
	jobIDsKey        = "certjob:ids"
	pendingKeyPrefix = "certjob:pending:"
)

// ErrJobNotFound is returned by Get for unknown job IDs.
var ErrJobNotFound = errors.New("certjobs: job not found")

// Store persists jobs in Redis.
type Store struct {
	rdb redis.Cmdable
}

// NewStore creates a job store over the given Redis client.
func NewStore(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

func jobKey(id string) string { return jobKeyPrefix + id }

func pendingKey(domain string, wildcard bool) string {
	return pendingKeyPrefix + domain + ":" + strconv.FormatBool(wildcard)
}

// Put writes a job, inserting it into the ID index.
func (s *Store) Put(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("certjobs: encode job %s: %w", job.ID, err)
	}
	if err := s.rdb.Set(ctx, jobKey(job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("certjobs: store job %s: %w", job.ID, err)
	}
	if err := s.rdb.SAdd(ctx, jobIDsKey, job.ID).Err(); err != nil {
		return fmt.Errorf("certjobs: index job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("certjobs: load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("certjobs: decode job %s: %w", id, err)
	}
	return &job, nil
}

// List returns every known job, newest first.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	ids, err := s.rdb.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("certjobs: list jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

// Pending returns the ID of the job currently working on (domain, wildcard),
// or "" when none is.
func (s *Store) Pending(ctx context.Context, domain string, wildcard bool) (string, error) {
	id, err := s.rdb.Get(ctx, pendingKey(domain, wildcard)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("certjobs: pending lookup for %s: %w", domain, err)
	}
	return id, nil
}

// SetPending marks jobID as the active job for (domain, wildcard). It fails
// when another job already holds the slot.
func (s *Store) SetPending(ctx context.Context, domain string, wildcard bool, jobID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, pendingKey(domain, wildcard), jobID, 0).Result()
	if err != nil {
		return false, fmt.Errorf("certjobs: mark pending for %s: %w", domain, err)
	}
	return ok, nil
}

// ClearPending releases the (domain, wildcard) slot.
func (s *Store) ClearPending(ctx context.Context, domain string, wildcard bool) error {
	if err := s.rdb.Del(ctx, pendingKey(domain, wildcard)).Err(); err != nil {
		return fmt.Errorf("certjobs: clear pending for %s: %w", domain, err)
	}
	return nil
}
