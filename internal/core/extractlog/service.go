// Package extractlog appends per-URL extraction events to Postgres. The log
// is append-only; reconciliation and debugging read it, nothing updates it.
package extractlog

import (
	"context"
	"time"

	"harvester/internal/logger"
	"harvester/internal/platform/postgres"
)

type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhaseDetail    Phase = "detail"
	PhaseSweep     Phase = "sweep"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one extraction event.
type Entry struct {
	RunID     string
	SiteName  string
	Phase     Phase
	URL       string
	Outcome   Outcome
	ErrorKind string
	Detail    string
	Records   int
	Latency   time.Duration
}

type Service struct {
	db  *postgres.Service
	log *logger.Logger
}

func NewService(db *postgres.Service) *Service {
	return &Service{db: db, log: logger.New("ExtractLog")}
}

// Append writes one event. Logging must never fail the pipeline, so errors
// are reported to the console and swallowed.
func (s *Service) Append(ctx context.Context, e Entry) {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO extraction_logs
			(run_id, site_name, phase, url, outcome, error_kind, detail, records, latency_ms)
		VALUES ($1, $2, $3, NULLIF($4,''), $5, NULLIF($6,''), NULLIF($7,''), $8, $9)`,
		e.RunID, e.SiteName, string(e.Phase), e.URL, string(e.Outcome),
		e.ErrorKind, e.Detail, e.Records, e.Latency.Milliseconds())
	if err != nil {
		s.log.LogErrorf("Failed to append extraction log: %v", err)
	}
}

// RunSummary tallies one run's events by outcome.
func (s *Service) RunSummary(ctx context.Context, runID string) (success, failure int64, err error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT outcome, count(*) FROM extraction_logs
		WHERE run_id = $1 GROUP BY outcome`,
		runID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return 0, 0, err
		}
		switch Outcome(outcome) {
		case OutcomeSuccess:
			success = n
		case OutcomeFailure:
			failure = n
		}
	}
	return success, failure, rows.Err()
}
