// Package run tracks extraction runs in redis so the CLI and the HTTP status
// endpoint can watch progress without touching Postgres.
package run

import (
	"context"
	"fmt"
	"time"

	rds "harvester/internal/platform/redis"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is the redis-cached state of one extraction run for one site.
type Run struct {
	RunID     string    `json:"run_id"`
	SiteName  string    `json:"site_name"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	Discovered int64  `json:"discovered"`
	Registered int64  `json:"registered"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
	Exhausted  int64  `json:"exhausted"`
	LastError  string `json:"last_error,omitempty"`
}

type Service struct{ redis *rds.Service }

func NewService(redis *rds.Service) *Service { return &Service{redis: redis} }

// Start creates a new run record and returns its ID.
func (s *Service) Start(ctx context.Context, site string) (string, error) {
	runID := uuid.NewString()
	r := Run{
		RunID:     runID,
		SiteName:  site,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.redis.CacheSet(ctx, key(site), r, ttl(StatusRunning)); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return runID, nil
}

// Get returns the current run state for a site.
func (s *Service) Get(ctx context.Context, site string) (*Run, error) {
	var r Run
	if err := s.redis.CacheGet(ctx, key(site), &r); err != nil {
		return nil, fmt.Errorf("no run recorded for site %s", site)
	}
	return &r, nil
}

// Update applies fn to the stored run state. Missing state is tolerated so
// workers can report progress even after the run key expired.
func (s *Service) Update(ctx context.Context, site string, fn func(*Run)) error {
	var r Run
	_ = s.redis.CacheGet(ctx, key(site), &r)
	if r.SiteName == "" {
		r.SiteName = site
		r.Status = StatusRunning
		r.StartedAt = time.Now().UTC()
	}
	fn(&r)
	return s.redis.CacheSet(ctx, key(site), r, ttl(r.Status))
}

// Finish marks the run terminal.
func (s *Service) Finish(ctx context.Context, site string, status Status, lastError string) error {
	return s.Update(ctx, site, func(r *Run) {
		r.Status = status
		r.EndedAt = time.Now().UTC()
		if lastError != "" {
			r.LastError = lastError
		}
	})
}

func key(site string) string { return "run:" + site }

func ttl(s Status) time.Duration {
	if s == StatusCompleted || s == StatusFailed {
		return time.Hour
	}
	return 10 * time.Minute
}
