package tasks

import (
	"time"

	"harvester/internal/platform/redis"

	"github.com/hibiken/asynq"
)

// Task types handled by the worker mux. Each extraction site gets its own
// queue so the broker interleaves sites fairly.
const (
	TaskTypeDiscovery   = "extract:discovery"
	TaskTypeDetailBatch = "extract:detail_batch"
	TaskTypeSweep       = "extract:sweep"
)

// QueueForSite names the per-site queue.
func QueueForSite(site string) string { return "site:" + site }

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Close() error { return t.c.Close() }

// Enqueue schedules a task on the given queue. asynq retries are disabled for
// detail batches; the registry's retry_count is the single retry budget.
func (t *Client) Enqueue(task *asynq.Task, queue string, maxRetries int) error {
	_, err := t.c.Enqueue(task, asynq.Queue(queue), asynq.MaxRetry(maxRetries))
	return err
}

// EnqueueIn schedules a task to run after delay, used for throttle backoff.
func (t *Client) EnqueueIn(task *asynq.Task, queue string, delay time.Duration) error {
	_, err := t.c.Enqueue(task, asynq.Queue(queue), asynq.MaxRetry(0), asynq.ProcessIn(delay))
	return err
}
