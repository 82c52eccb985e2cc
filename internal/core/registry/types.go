// Package registry tracks every discovered lot URL through its lifecycle:
// pending -> processing -> completed, or on failure back to pending until the
// retry budget runs out (exhausted). Validation and auth failures go straight
// to exhausted because retrying cannot fix them.
package registry

import (
	"fmt"
	"time"

	"harvester/internal/adapters"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExhausted  Status = "exhausted"
)

// ProcessedURL is one registry row.
type ProcessedURL struct {
	ID         int64
	SiteName   string
	URL        string
	Status     Status
	RetryCount int
	LastError  string
	LeasedAt   time.Time
	CreatedAt  time.Time
}

// Counts summarizes a site's registry rows by status.
type Counts struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	Exhausted  int64
}

func (c Counts) Total() int64 {
	return c.Pending + c.Processing + c.Completed + c.Failed + c.Exhausted
}

// Active reports whether any URL can still make progress.
func (c Counts) Active() bool { return c.Pending > 0 || c.Processing > 0 }

// InvalidTransitionError reports a status update that found the row in a
// state the transition does not start from.
type InvalidTransitionError struct {
	SiteName string
	URL      string
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition to %s for %s %s: row is not processing", e.To, e.SiteName, e.URL)
}

// NextOnFailure decides the status a processing URL moves to after a failed
// fetch. It mirrors the CASE expression MarkFailed runs in SQL; tests assert
// the two stay in sync through this function. Validation and auth failures
// skip the retry loop entirely.
func NextOnFailure(kind adapters.ErrorKind, retryCount, maxRetries int) Status {
	if Permanent(kind) || retryCount+1 >= maxRetries {
		return StatusExhausted
	}
	return StatusPending
}

// Permanent reports whether the error kind should skip the retry budget.
func Permanent(kind adapters.ErrorKind) bool {
	return kind == adapters.KindValidation || kind == adapters.KindAuth
}
