package extract

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"harvester/internal/adapters"
	"harvester/internal/auction"
	"harvester/internal/config"
	"harvester/internal/core/extractlog"
	"harvester/internal/core/registry"
	"harvester/internal/core/run"
	"harvester/internal/core/store"
	"harvester/internal/platform/tasks"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry mirrors the SQL registry's transition rules in memory.
type fakeRegistry struct {
	mu   sync.Mutex
	rows map[string]*registry.ProcessedURL
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{rows: make(map[string]*registry.ProcessedURL)}
}

func (f *fakeRegistry) Register(_ context.Context, site string, urls []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, u := range urls {
		if _, ok := f.rows[u]; ok {
			continue
		}
		f.rows[u] = &registry.ProcessedURL{SiteName: site, URL: u, Status: registry.StatusPending, CreatedAt: time.Now()}
		n++
	}
	return n, nil
}

func (f *fakeRegistry) LeaseBatch(_ context.Context, site string, limit int) ([]registry.ProcessedURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registry.ProcessedURL
	for _, r := range f.rows {
		if len(out) >= limit {
			break
		}
		if r.SiteName == site && r.Status == registry.StatusPending {
			r.Status = registry.StatusProcessing
			r.LeasedAt = time.Now()
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRegistry) MarkCompleted(_ context.Context, site, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[url]
	if !ok || r.Status != registry.StatusProcessing {
		return &registry.InvalidTransitionError{SiteName: site, URL: url, To: registry.StatusCompleted}
	}
	r.Status = registry.StatusCompleted
	return nil
}

func (f *fakeRegistry) MarkFailed(_ context.Context, site, url string, kind adapters.ErrorKind, cause string, maxRetries int) (registry.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[url]
	if !ok || r.Status != registry.StatusProcessing {
		return "", &registry.InvalidTransitionError{SiteName: site, URL: url, To: registry.StatusFailed}
	}
	r.Status = registry.NextOnFailure(kind, r.RetryCount, maxRetries)
	r.RetryCount++
	r.LastError = cause
	return r.Status, nil
}

func (f *fakeRegistry) SweepStale(_ context.Context, threshold time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.rows {
		if r.Status == registry.StatusProcessing && time.Since(r.LeasedAt) > threshold {
			r.Status = registry.StatusPending
			n++
		}
	}
	return n, nil
}

func (f *fakeRegistry) Counts(_ context.Context, site string) (registry.Counts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c registry.Counts
	for _, r := range f.rows {
		if r.SiteName != site {
			continue
		}
		switch r.Status {
		case registry.StatusPending:
			c.Pending++
		case registry.StatusProcessing:
			c.Processing++
		case registry.StatusCompleted:
			c.Completed++
		case registry.StatusFailed:
			c.Failed++
		case registry.StatusExhausted:
			c.Exhausted++
		}
	}
	return c, nil
}

func (f *fakeRegistry) status(url string) registry.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[url]; ok {
		return r.Status
	}
	return ""
}

type fakeStore struct {
	mu       sync.Mutex
	vehicles []auction.Lot
	details  []auction.LotDetail
	failKeys map[string]error
}

func newFakeStore() *fakeStore { return &fakeStore{failKeys: make(map[string]error)} }

func (f *fakeStore) UpsertVehicles(_ context.Context, lots []auction.Lot) (int, []*store.RowError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vehicles = append(f.vehicles, lots...)
	return len(lots), nil
}

func (f *fakeStore) UpsertDetail(_ context.Context, d auction.LotDetail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failKeys[d.LotNumber]; ok {
		return err
	}
	f.details = append(f.details, d)
	return nil
}

type fakeLog struct {
	mu      sync.Mutex
	entries []extractlog.Entry
}

func (f *fakeLog) Append(_ context.Context, e extractlog.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*run.Run
}

func newFakeRuns() *fakeRuns { return &fakeRuns{runs: make(map[string]*run.Run)} }

func (f *fakeRuns) Start(_ context.Context, site string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[site] = &run.Run{RunID: "run-" + site, SiteName: site, Status: run.StatusRunning}
	return "run-" + site, nil
}

func (f *fakeRuns) Update(_ context.Context, site string, fn func(*run.Run)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[site]
	if !ok {
		r = &run.Run{SiteName: site, Status: run.StatusRunning}
		f.runs[site] = r
	}
	fn(r)
	return nil
}

func (f *fakeRuns) Finish(_ context.Context, site string, status run.Status, lastError string) error {
	return f.Update(context.Background(), site, func(r *run.Run) {
		r.Status = status
		r.LastError = lastError
	})
}

type enqueued struct {
	task  *asynq.Task
	queue string
	delay time.Duration
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, queue string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, enqueued{task: task, queue: queue})
	return nil
}

func (f *fakeEnqueuer) EnqueueIn(task *asynq.Task, queue string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, enqueued{task: task, queue: queue, delay: delay})
	return nil
}

func (f *fakeEnqueuer) pop() *enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil
	}
	t := f.tasks[0]
	f.tasks = f.tasks[1:]
	return &t
}

func testSite() config.Site {
	s := config.Site{Name: "usstoyo", BaseURL: "https://mock.invalid", Adapter: "mock", MaxRetries: 3}
	s.RateLimit.MaxConcurrent = 4
	return s
}

func testConfig() config.Config {
	return config.Config{
		BatchSize:       50,
		WorkersPerSite:  4,
		AdapterTimeout:  5 * time.Second,
		DiscoveryPages:  2,
		StaleProcessing: time.Minute,
		SweepInterval:   10 * time.Millisecond,
	}
}

type fixture struct {
	svc *Service
	reg *fakeRegistry
	st  *fakeStore
	log *fakeLog
	rn  *fakeRuns
	q   *fakeEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg: newFakeRegistry(),
		st:  newFakeStore(),
		log: &fakeLog{},
		rn:  newFakeRuns(),
		q:   &fakeEnqueuer{},
	}
	svc, err := NewService(testConfig(), []config.Site{testSite()}, f.reg, f.st, f.log, f.rn, f.q)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestStartExtractionEnqueuesDiscovery(t *testing.T) {
	f := newFixture(t)

	runID, err := f.svc.StartExtraction(context.Background(), "usstoyo", 0)
	require.NoError(t, err)
	assert.Equal(t, "run-usstoyo", runID)

	e := f.q.pop()
	require.NotNil(t, e)
	assert.Equal(t, tasks.TaskTypeDiscovery, e.task.Type())
	assert.Equal(t, "site:usstoyo", e.queue)

	var p discoveryPayload
	require.NoError(t, json.Unmarshal(e.task.Payload(), &p))
	assert.Equal(t, 2, p.Pages) // falls back to DiscoveryPages

	_, err = f.svc.StartExtraction(context.Background(), "nope", 0)
	require.Error(t, err)
}

func TestDiscoveryStoresAndRegisters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	runID, err := f.svc.StartExtraction(ctx, "usstoyo", 2)
	require.NoError(t, err)
	disc := f.q.pop()
	require.NotNil(t, disc)

	require.NoError(t, f.svc.HandleDiscoveryTask(ctx, disc.task))

	// Two mock pages of ten lots each.
	assert.Len(t, f.st.vehicles, 20)
	counts, _ := f.reg.Counts(ctx, "usstoyo")
	assert.Equal(t, int64(20), counts.Pending)

	r := f.rn.runs["usstoyo"]
	require.NotNil(t, r)
	assert.Equal(t, runID, r.RunID)
	assert.Equal(t, int64(20), r.Discovered)
	assert.Equal(t, int64(20), r.Registered)

	// Discovery hands off to the detail phase.
	next := f.q.pop()
	require.NotNil(t, next)
	assert.Equal(t, tasks.TaskTypeDetailBatch, next.task.Type())
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartExtraction(ctx, "usstoyo", 1)
	require.NoError(t, err)
	disc := f.q.pop()
	require.NoError(t, f.svc.HandleDiscoveryTask(ctx, disc.task))
	require.NoError(t, f.svc.HandleDiscoveryTask(ctx, disc.task))

	// Re-running discovery never duplicates registry rows.
	counts, _ := f.reg.Counts(ctx, "usstoyo")
	assert.Equal(t, int64(10), counts.Total())
}

func runPipeline(t *testing.T, f *fixture, pages int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.StartExtraction(ctx, "usstoyo", pages)
	require.NoError(t, err)

	// Drain the queue the way the worker would, bounded to catch livelock.
	for i := 0; i < 200; i++ {
		e := f.q.pop()
		if e == nil {
			return
		}
		switch e.task.Type() {
		case tasks.TaskTypeDiscovery:
			require.NoError(t, f.svc.HandleDiscoveryTask(ctx, e.task))
		case tasks.TaskTypeDetailBatch:
			require.NoError(t, f.svc.HandleDetailBatchTask(ctx, e.task))
		}
	}
	t.Fatal("pipeline did not drain")
}

func TestPipelineCompletesAllURLs(t *testing.T) {
	f := newFixture(t)
	runPipeline(t, f, 2)

	counts, _ := f.reg.Counts(context.Background(), "usstoyo")
	assert.Equal(t, int64(20), counts.Completed)
	assert.Zero(t, counts.Pending)
	assert.Zero(t, counts.Processing)
	assert.Len(t, f.st.details, 20)

	r := f.rn.runs["usstoyo"]
	require.NotNil(t, r)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, int64(20), r.Completed)
}

func TestTransientFailureRetriesThenExhausts(t *testing.T) {
	f := newFixture(t)
	badURL := "https://mock.invalid/lots/USSTOYO-0003"
	mock := f.svc.adapters["usstoyo"].(*adapters.Mock)
	mock.FailURLs[badURL] = adapters.Transient(500, errors.New("flaky backend"))

	runPipeline(t, f, 1)

	// Three attempts (MaxRetries), then the URL is exhausted.
	assert.Equal(t, registry.StatusExhausted, f.reg.status(badURL))
	counts, _ := f.reg.Counts(context.Background(), "usstoyo")
	assert.Equal(t, int64(9), counts.Completed)
	assert.Equal(t, int64(1), counts.Exhausted)

	var failures int
	for _, e := range f.log.entries {
		if e.URL == badURL && e.Outcome == extractlog.OutcomeFailure {
			failures++
		}
	}
	assert.Equal(t, 3, failures)
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	badURL := "https://mock.invalid/lots/USSTOYO-0007"
	mock := f.svc.adapters["usstoyo"].(*adapters.Mock)
	mock.FailURLs[badURL] = adapters.Validation(errors.New("missing lot number"))

	runPipeline(t, f, 1)

	assert.Equal(t, registry.StatusExhausted, f.reg.status(badURL))
	var failures int
	for _, e := range f.log.entries {
		if e.URL == badURL {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestThrottledFailureIsRetriedAndLogged(t *testing.T) {
	f := newFixture(t)
	badURL := "https://mock.invalid/lots/USSTOYO-0001"
	mock := f.svc.adapters["usstoyo"].(*adapters.Mock)
	mock.FailURLs[badURL] = adapters.Throttled(429, errors.New("rate limited"))

	_, err := f.svc.StartExtraction(context.Background(), "usstoyo", 1)
	require.NoError(t, err)
	disc := f.q.pop()
	require.NoError(t, f.svc.HandleDiscoveryTask(context.Background(), disc.task))

	batch := f.q.pop()
	require.NoError(t, f.svc.HandleDetailBatchTask(context.Background(), batch.task))

	// Throttled counts against the retry budget, so the URL goes back to
	// pending after its first attempt.
	assert.Equal(t, registry.StatusPending, f.reg.status(badURL))
	var kinds []string
	for _, e := range f.log.entries {
		if e.URL == badURL {
			kinds = append(kinds, e.ErrorKind)
		}
	}
	assert.Equal(t, []string{"throttled"}, kinds)
}

func TestStoreFailureMarksURLFailed(t *testing.T) {
	f := newFixture(t)
	f.st.failKeys["USSTOYO-0002"] = errors.New("connection refused")

	runPipeline(t, f, 1)

	// Store failures count against the retry budget like any transient error.
	assert.Equal(t, registry.StatusExhausted, f.reg.status("https://mock.invalid/lots/USSTOYO-0002"))
	counts, _ := f.reg.Counts(context.Background(), "usstoyo")
	assert.Equal(t, int64(9), counts.Completed)
}

func TestWaitForCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Nothing registered: returns immediately.
	counts, err := f.svc.WaitForCompletion(ctx, "usstoyo", time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())

	_, err = f.reg.Register(ctx, "usstoyo", []string{"https://mock.invalid/lots/USSTOYO-0001"})
	require.NoError(t, err)

	done := make(chan registry.Counts, 1)
	go func() {
		c, _ := f.svc.WaitForCompletion(ctx, "usstoyo", time.Millisecond)
		done <- c
	}()

	time.Sleep(5 * time.Millisecond)
	leased, err := f.reg.LeaseBatch(ctx, "usstoyo", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, f.reg.MarkCompleted(ctx, "usstoyo", leased[0].URL))

	select {
	case c := <-done:
		assert.Equal(t, int64(1), c.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe completion")
	}
}

func TestHandleSweepTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Register(ctx, "usstoyo", []string{"https://mock.invalid/lots/USSTOYO-0009"})
	require.NoError(t, err)
	leased, err := f.reg.LeaseBatch(ctx, "usstoyo", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Backdate the lease past the stale threshold.
	f.reg.mu.Lock()
	f.reg.rows[leased[0].URL].LeasedAt = time.Now().Add(-2 * time.Minute)
	f.reg.mu.Unlock()

	require.NoError(t, f.svc.HandleSweepTask(ctx, asynq.NewTask(tasks.TaskTypeSweep, nil)))
	assert.Equal(t, registry.StatusPending, f.reg.status(leased[0].URL))
}
