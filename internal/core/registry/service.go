package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"harvester/internal/adapters"
	"harvester/internal/logger"
	"harvester/internal/platform/postgres"

	"github.com/jackc/pgx/v5"
)

type Service struct {
	db  *postgres.Service
	log *logger.Logger
}

func NewService(db *postgres.Service) *Service {
	return &Service{db: db, log: logger.New("Registry")}
}

// Register inserts URLs as pending. Already-known URLs are left untouched in
// whatever state they are, so re-running discovery is idempotent. Returns the
// number of newly registered URLs.
func (s *Service) Register(ctx context.Context, site string, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO processed_urls (site_name, url)
		SELECT $1, u FROM unnest($2::text[]) AS u
		ON CONFLICT (site_name, url) DO NOTHING`,
		site, urls)
	if err != nil {
		return 0, fmt.Errorf("register urls: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.LogInfof("Registered %d new URLs for %s", n, site)
		return n, nil
	}
	return 0, nil
}

// LeaseBatch atomically claims up to limit pending URLs for one worker.
// Claimed rows move to processing with a fresh lease timestamp. SKIP LOCKED
// keeps concurrent workers from ever leasing the same row.
func (s *Service) LeaseBatch(ctx context.Context, site string, limit int) ([]ProcessedURL, error) {
	rows, err := s.db.Pool.Query(ctx, `
		UPDATE processed_urls p
		SET status = 'processing', processing_started_at = now(), updated_at = now()
		WHERE p.id IN (
			SELECT id FROM processed_urls
			WHERE site_name = $1 AND status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING p.id, p.site_name, p.url, p.status, p.retry_count,
		          COALESCE(p.error_message, ''), p.processing_started_at, p.created_at`,
		site, limit)
	if err != nil {
		return nil, fmt.Errorf("lease batch: %w", err)
	}
	defer rows.Close()

	var out []ProcessedURL
	for rows.Next() {
		var u ProcessedURL
		if err := rows.Scan(&u.ID, &u.SiteName, &u.URL, &u.Status, &u.RetryCount,
			&u.LastError, &u.LeasedAt, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan leased row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MarkCompleted finishes a processing URL. A row not in processing state
// yields InvalidTransitionError.
func (s *Service) MarkCompleted(ctx context.Context, site, url string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE processed_urls
		SET status = 'completed', processing_completed_at = now(), error_message = NULL, updated_at = now()
		WHERE site_name = $1 AND url = $2 AND status = 'processing'`,
		site, url)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &InvalidTransitionError{SiteName: site, URL: url, To: StatusCompleted}
	}
	return nil
}

// MarkFailed records a failed fetch on a processing URL and moves it to the
// status NextOnFailure dictates: pending while retries remain, exhausted when
// the budget is spent or the error kind is permanent.
func (s *Service) MarkFailed(ctx context.Context, site, url string, kind adapters.ErrorKind, cause string, maxRetries int) (Status, error) {
	row := s.db.Pool.QueryRow(ctx, `
		UPDATE processed_urls
		SET retry_count = retry_count + 1,
		    error_message = $3,
		    updated_at = now(),
		    status = CASE
		        WHEN $4::bool OR retry_count + 1 >= $5 THEN 'exhausted'
		        ELSE 'pending'
		    END
		WHERE site_name = $1 AND url = $2 AND status = 'processing'
		RETURNING status`,
		site, url, cause, Permanent(kind), maxRetries)

	var next Status
	if err := row.Scan(&next); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", &InvalidTransitionError{SiteName: site, URL: url, To: StatusFailed}
		}
		return "", fmt.Errorf("mark failed: %w", err)
	}
	return next, nil
}

// MarkExhausted forces a processing URL to exhausted without touching its
// retry count, for operator intervention on URLs known to be dead.
func (s *Service) MarkExhausted(ctx context.Context, site, url, cause string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE processed_urls
		SET status = 'exhausted', error_message = $3, updated_at = now()
		WHERE site_name = $1 AND url = $2 AND status = 'processing'`,
		site, url, cause)
	if err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &InvalidTransitionError{SiteName: site, URL: url, To: StatusExhausted}
	}
	return nil
}

// SweepStale returns processing rows whose lease is older than threshold back
// to pending. Crashed workers lose their lease here instead of wedging the
// pipeline.
func (s *Service) SweepStale(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE processed_urls
		SET status = 'pending', processing_started_at = NULL, updated_at = now()
		WHERE status = 'processing' AND processing_started_at < now() - $1::interval`,
		threshold.String())
	if err != nil {
		return 0, fmt.Errorf("sweep stale: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.LogWarnf("Swept %d stale leases back to pending", n)
		return n, nil
	}
	return 0, nil
}

// Requeue forces URLs back to pending with a fresh retry budget, regardless
// of their current state. Used by requeue-missing after a reconciliation run.
func (s *Service) Requeue(ctx context.Context, site string, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE processed_urls
		SET status = 'pending', retry_count = 0, error_message = NULL,
		    processing_started_at = NULL, processing_completed_at = NULL, updated_at = now()
		WHERE site_name = $1 AND url = ANY($2::text[])`,
		site, urls)
	if err != nil {
		return 0, fmt.Errorf("requeue urls: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Counts tallies the site's rows by status.
func (s *Service) Counts(ctx context.Context, site string) (Counts, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT status, count(*)
		FROM processed_urls
		WHERE site_name = $1
		GROUP BY status`,
		site)
	if err != nil {
		return Counts{}, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("scan count: %w", err)
		}
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusProcessing:
			c.Processing = n
		case StatusCompleted:
			c.Completed = n
		case StatusFailed:
			c.Failed = n
		case StatusExhausted:
			c.Exhausted = n
		}
	}
	return c, rows.Err()
}

// CompletedURLs returns the set of completed URLs for a site, the A side of
// reconciliation.
func (s *Service) CompletedURLs(ctx context.Context, site string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT url FROM processed_urls
		WHERE site_name = $1 AND status = 'completed'`,
		site)
	if err != nil {
		return nil, fmt.Errorf("completed urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}
