// Package extract orchestrates the two-phase pipeline: discovery walks
// search pages and registers lot URLs, detail batches lease registered URLs
// and fetch their detail pages. Work is scheduled through asynq with one
// queue per site so sites progress in round-robin.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"harvester/internal/adapters"
	"harvester/internal/auction"
	"harvester/internal/config"
	"harvester/internal/core/extractlog"
	"harvester/internal/core/registry"
	"harvester/internal/core/run"
	"harvester/internal/core/store"
	"harvester/internal/logger"
	"harvester/internal/platform/tasks"
	"harvester/internal/ratelimit"

	"github.com/hibiken/asynq"
)

// Registry is the URL lifecycle surface the pipeline drives.
type Registry interface {
	Register(ctx context.Context, site string, urls []string) (int64, error)
	LeaseBatch(ctx context.Context, site string, limit int) ([]registry.ProcessedURL, error)
	MarkCompleted(ctx context.Context, site, url string) error
	MarkFailed(ctx context.Context, site, url string, kind adapters.ErrorKind, cause string, maxRetries int) (registry.Status, error)
	SweepStale(ctx context.Context, threshold time.Duration) (int64, error)
	Counts(ctx context.Context, site string) (registry.Counts, error)
}

// Store is the persistence surface the pipeline writes to.
type Store interface {
	UpsertVehicles(ctx context.Context, lots []auction.Lot) (int, []*store.RowError)
	UpsertDetail(ctx context.Context, d auction.LotDetail) error
}

// EventLog records per-URL extraction events.
type EventLog interface {
	Append(ctx context.Context, e extractlog.Entry)
}

// RunState tracks run progress for status reporting.
type RunState interface {
	Start(ctx context.Context, site string) (string, error)
	Update(ctx context.Context, site string, fn func(*run.Run)) error
	Finish(ctx context.Context, site string, status run.Status, lastError string) error
}

// Enqueuer schedules follow-up tasks.
type Enqueuer interface {
	Enqueue(task *asynq.Task, queue string, maxRetries int) error
	EnqueueIn(task *asynq.Task, queue string, delay time.Duration) error
}

type Service struct {
	cfg      config.Config
	sites    map[string]config.Site
	adapters map[string]adapters.SiteAdapter
	limiters *ratelimit.Registry

	registry Registry
	store    Store
	elog     EventLog
	runs     RunState
	tasks    Enqueuer
	log      *logger.Logger
}

func NewService(cfg config.Config, sites []config.Site, reg Registry, st Store, elog EventLog, runs RunState, tc Enqueuer) (*Service, error) {
	siteMap := make(map[string]config.Site, len(sites))
	adapterMap := make(map[string]adapters.SiteAdapter, len(sites))
	for _, site := range sites {
		a, err := adapters.New(site)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", site.Name, err)
		}
		siteMap[site.Name] = site
		adapterMap[site.Name] = a
	}

	s := &Service{
		cfg:      cfg,
		sites:    siteMap,
		adapters: adapterMap,
		registry: reg,
		store:    st,
		elog:     elog,
		runs:     runs,
		tasks:    tc,
		log:      logger.New("Extract"),
	}
	s.limiters = ratelimit.NewRegistry(func(name string) *ratelimit.SiteLimiter {
		site := siteMap[name]
		return ratelimit.NewSiteLimiter(site.RateLimit.MaxConcurrent, site.MinInterval())
	})
	return s, nil
}

type discoveryPayload struct {
	Site       string    `json:"site"`
	RunID      string    `json:"run_id"`
	Pages      int       `json:"pages"`
	SearchDate time.Time `json:"search_date"`
}

type detailBatchPayload struct {
	Site  string `json:"site"`
	RunID string `json:"run_id"`
}

// StartExtraction opens a run for the site and enqueues its discovery task.
func (s *Service) StartExtraction(ctx context.Context, siteName string, pages int) (string, error) {
	if _, ok := s.sites[siteName]; !ok {
		return "", fmt.Errorf("unknown site %q", siteName)
	}
	if pages <= 0 {
		pages = s.cfg.DiscoveryPages
	}

	runID, err := s.runs.Start(ctx, siteName)
	if err != nil {
		return "", err
	}
	payload, _ := json.Marshal(discoveryPayload{
		Site:       siteName,
		RunID:      runID,
		Pages:      pages,
		SearchDate: time.Now().UTC().Truncate(24 * time.Hour),
	})
	task := asynq.NewTask(tasks.TaskTypeDiscovery, payload)
	if err := s.tasks.Enqueue(task, tasks.QueueForSite(siteName), 0); err != nil {
		return "", fmt.Errorf("enqueue discovery: %w", err)
	}
	s.log.LogInfof("Run %s started for %s (%d pages)", runID, siteName, pages)
	return runID, nil
}

// HandleDiscoveryTask walks search pages, stores listing rows and registers
// their lot URLs, then hands off to the detail phase.
func (s *Service) HandleDiscoveryTask(ctx context.Context, task *asynq.Task) error {
	var p discoveryPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("discovery payload: %w", err)
	}
	site, ok := s.sites[p.Site]
	if !ok {
		return fmt.Errorf("unknown site %q", p.Site)
	}
	adapter := s.adapters[p.Site]
	limiter := s.limiters.For(p.Site)

	var discovered, registered int64
	for page := 1; page <= p.Pages; page++ {
		lots, err := s.searchPage(ctx, site, adapter, limiter, adapters.SearchParams{
			Page:       page,
			SearchDate: p.SearchDate,
		}, p.RunID)
		if err != nil {
			s.log.LogErrorf("Discovery for %s stopped at page %d: %v", p.Site, page, err)
			_ = s.runs.Finish(ctx, p.Site, run.StatusFailed, err.Error())
			return err
		}
		if len(lots) == 0 {
			break
		}
		discovered += int64(len(lots))

		written, rowErrs := s.store.UpsertVehicles(ctx, lots)
		for _, re := range rowErrs {
			s.elog.Append(ctx, extractlog.Entry{
				RunID: p.RunID, SiteName: p.Site, Phase: extractlog.PhaseDiscovery,
				Outcome: extractlog.OutcomeFailure, Detail: re.Error(),
			})
		}

		var urls []string
		for _, lot := range lots {
			if lot.LotLink != "" {
				urls = append(urls, lot.LotLink)
			}
		}
		n, err := s.registry.Register(ctx, p.Site, urls)
		if err != nil {
			_ = s.runs.Finish(ctx, p.Site, run.StatusFailed, err.Error())
			return err
		}
		registered += n
		s.log.LogInfof("%s page %d: %d lots, %d stored, %d new URLs", p.Site, page, len(lots), written, n)
	}

	_ = s.runs.Update(ctx, p.Site, func(r *run.Run) {
		r.RunID = p.RunID
		r.Discovered += discovered
		r.Registered += registered
	})

	return s.enqueueDetailBatch(p.Site, p.RunID, 0)
}

// searchPage fetches one search page, retrying transient and throttled
// failures within the site's retry budget.
func (s *Service) searchPage(ctx context.Context, site config.Site, adapter adapters.SiteAdapter, limiter *ratelimit.SiteLimiter, params adapters.SearchParams, runID string) ([]auction.Lot, error) {
	var lastErr error
	for attempt := 0; attempt < site.MaxRetries; attempt++ {
		if err := limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
		lots, meta, err := adapter.SearchLots(fetchCtx, params)
		cancel()
		limiter.Release()

		if err == nil {
			s.elog.Append(ctx, extractlog.Entry{
				RunID: runID, SiteName: site.Name, Phase: extractlog.PhaseDiscovery,
				Outcome: extractlog.OutcomeSuccess, Latency: meta.Latency,
				Records: len(lots),
				Detail:  fmt.Sprintf("page %d: %d lots", params.Page, len(lots)),
			})
			return lots, nil
		}

		lastErr = err
		kind := adapters.KindOf(err)
		s.elog.Append(ctx, extractlog.Entry{
			RunID: runID, SiteName: site.Name, Phase: extractlog.PhaseDiscovery,
			Outcome: extractlog.OutcomeFailure, ErrorKind: string(kind),
			Detail: err.Error(), Latency: meta.Latency,
		})
		if registry.Permanent(kind) {
			return nil, err
		}
		if kind == adapters.KindThrottled {
			limiter.Throttle()
		}
	}
	return nil, fmt.Errorf("page %d failed after %d attempts: %w", params.Page, site.MaxRetries, lastErr)
}

// enqueueDetailBatch schedules the next detail batch for a site.
func (s *Service) enqueueDetailBatch(siteName, runID string, delay time.Duration) error {
	payload, _ := json.Marshal(detailBatchPayload{Site: siteName, RunID: runID})
	task := asynq.NewTask(tasks.TaskTypeDetailBatch, payload)
	if delay > 0 {
		return s.tasks.EnqueueIn(task, tasks.QueueForSite(siteName), delay)
	}
	return s.tasks.Enqueue(task, tasks.QueueForSite(siteName), 0)
}

// HandleDetailBatchTask leases one batch of pending URLs, fetches each detail
// page and records the outcome, then re-enqueues itself while the site still
// has work. The task returning nil with a re-enqueue (rather than looping
// internally) is what lets asynq interleave sites fairly.
func (s *Service) HandleDetailBatchTask(ctx context.Context, task *asynq.Task) error {
	var p detailBatchPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("detail batch payload: %w", err)
	}
	site, ok := s.sites[p.Site]
	if !ok {
		return fmt.Errorf("unknown site %q", p.Site)
	}

	leased, err := s.registry.LeaseBatch(ctx, p.Site, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(leased) == 0 {
		return s.settleOrRetry(ctx, p)
	}

	counts := s.processBatch(ctx, site, p.RunID, leased)
	_ = s.runs.Update(ctx, p.Site, func(r *run.Run) {
		r.RunID = p.RunID
		r.Completed += counts.completed
		r.Failed += counts.failed
		r.Exhausted += counts.exhausted
	})
	s.log.LogInfof("%s batch: %d leased, %d completed, %d retrying, %d failed, %d exhausted",
		p.Site, len(leased), counts.completed, counts.retrying, counts.failed, counts.exhausted)

	return s.enqueueDetailBatch(p.Site, p.RunID, 0)
}

type batchCounts struct {
	completed int64
	retrying  int64
	failed    int64
	exhausted int64
}

// processBatch fans the leased URLs over the site's worker budget. The site
// limiter still caps true request concurrency.
func (s *Service) processBatch(ctx context.Context, site config.Site, runID string, leased []registry.ProcessedURL) batchCounts {
	workers := s.cfg.WorkersPerSite
	if workers < 1 {
		workers = 1
	}
	if workers > len(leased) {
		workers = len(leased)
	}

	var mu sync.Mutex
	var counts batchCounts
	work := make(chan registry.ProcessedURL)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range work {
				outcome := s.processURL(ctx, site, runID, u)
				mu.Lock()
				switch outcome {
				case registry.StatusCompleted:
					counts.completed++
				case registry.StatusPending:
					counts.retrying++
				case registry.StatusFailed:
					counts.failed++
				case registry.StatusExhausted:
					counts.exhausted++
				}
				mu.Unlock()
			}
		}()
	}
	for _, u := range leased {
		work <- u
	}
	close(work)
	wg.Wait()
	return counts
}

// processURL runs one leased URL to a terminal or retriable status.
func (s *Service) processURL(ctx context.Context, site config.Site, runID string, u registry.ProcessedURL) registry.Status {
	limiter := s.limiters.For(site.Name)
	adapter := s.adapters[site.Name]

	if err := limiter.Acquire(ctx); err != nil {
		// Lease stays processing; the stale sweep returns it to pending.
		return registry.StatusProcessing
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
	detail, meta, err := adapter.FetchLot(fetchCtx, u.URL)
	cancel()
	limiter.Release()

	if err == nil {
		if detail.Extra == nil {
			detail.Extra = make(map[string]string)
		}
		detail.Extra["run_id"] = runID
		detail.Extra["adapter"] = site.Adapter
		detail.Extra["fetched_at"] = time.Now().UTC().Format(time.RFC3339)
		detail.Extra["fetch_ms"] = fmt.Sprintf("%d", meta.Latency.Milliseconds())

		err = s.store.UpsertDetail(ctx, detail)
		if err != nil {
			err = adapters.Transient(0, err)
		}
	}

	if err != nil {
		kind := adapters.KindOf(err)
		if kind == adapters.KindThrottled {
			limiter.Throttle()
		}
		next, mfErr := s.registry.MarkFailed(ctx, site.Name, u.URL, kind, err.Error(), site.MaxRetries)
		if mfErr != nil {
			s.log.LogErrorf("Mark failed %s: %v", u.URL, mfErr)
			return registry.StatusProcessing
		}
		s.elog.Append(ctx, extractlog.Entry{
			RunID: runID, SiteName: site.Name, Phase: extractlog.PhaseDetail,
			URL: u.URL, Outcome: extractlog.OutcomeFailure,
			ErrorKind: string(kind), Detail: err.Error(), Latency: meta.Latency,
		})
		return next
	}

	if err := s.registry.MarkCompleted(ctx, site.Name, u.URL); err != nil {
		s.log.LogErrorf("Mark completed %s: %v", u.URL, err)
		return registry.StatusProcessing
	}
	s.elog.Append(ctx, extractlog.Entry{
		RunID: runID, SiteName: site.Name, Phase: extractlog.PhaseDetail,
		URL: u.URL, Outcome: extractlog.OutcomeSuccess, Latency: meta.Latency,
	})
	return registry.StatusCompleted
}

// settleOrRetry decides what an empty lease means: other workers still hold
// leases (check again shortly) or the site is drained (finish the run).
func (s *Service) settleOrRetry(ctx context.Context, p detailBatchPayload) error {
	counts, err := s.registry.Counts(ctx, p.Site)
	if err != nil {
		return err
	}
	if counts.Processing > 0 {
		return s.enqueueDetailBatch(p.Site, p.RunID, s.cfg.SweepInterval)
	}
	if counts.Pending > 0 {
		return s.enqueueDetailBatch(p.Site, p.RunID, 0)
	}

	status := run.StatusCompleted
	if counts.Completed == 0 && (counts.Failed > 0 || counts.Exhausted > 0) {
		status = run.StatusFailed
	}
	s.log.LogSuccessf("%s drained: %d completed, %d failed, %d exhausted",
		p.Site, counts.Completed, counts.Failed, counts.Exhausted)
	return s.runs.Finish(ctx, p.Site, status, "")
}

// HandleSweepTask returns stale processing leases to pending.
func (s *Service) HandleSweepTask(ctx context.Context, task *asynq.Task) error {
	n, err := s.registry.SweepStale(ctx, s.cfg.StaleProcessing)
	if err != nil {
		return err
	}
	if n > 0 {
		s.elog.Append(ctx, extractlog.Entry{
			SiteName: "*", Phase: extractlog.PhaseSweep,
			Outcome: extractlog.OutcomeSuccess,
			Records: int(n),
			Detail:  fmt.Sprintf("requeued %d stale leases", n),
			RunID:   "00000000-0000-0000-0000-000000000000",
		})
	}
	return nil
}

// EnqueueSweep schedules one sweep pass on the default queue.
func (s *Service) EnqueueSweep() error {
	return s.tasks.Enqueue(asynq.NewTask(tasks.TaskTypeSweep, nil), "default", 0)
}

// WaitForCompletion polls the registry until the site has no pending or
// processing URLs, then returns the final counts. It also keeps the stale
// sweep running so crashed workers cannot wedge the wait.
func (s *Service) WaitForCompletion(ctx context.Context, siteName string, poll time.Duration) (registry.Counts, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	sweepEvery := s.cfg.SweepInterval
	lastSweep := time.Now()

	for {
		counts, err := s.registry.Counts(ctx, siteName)
		if err != nil {
			return registry.Counts{}, err
		}
		if !counts.Active() {
			return counts, nil
		}
		if time.Since(lastSweep) >= sweepEvery {
			if _, err := s.registry.SweepStale(ctx, s.cfg.StaleProcessing); err != nil {
				s.log.LogWarnf("Stale sweep during wait failed: %v", err)
			}
			lastSweep = time.Now()
		}
		select {
		case <-ctx.Done():
			return counts, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sites lists the configured site names.
func (s *Service) Sites() []string {
	names := make([]string, 0, len(s.sites))
	for name := range s.sites {
		names = append(names, name)
	}
	return names
}
