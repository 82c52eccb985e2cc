// Package postgres owns the connection pool and the schema the pipeline
// writes to.
package postgres

import (
	"context"
	"fmt"
	"time"

	"harvester/internal/config"
	"harvester/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Service wraps the shared pgx pool.
type Service struct {
	Pool *pgxpool.Pool
	log  *logger.Logger
}

// New connects to Postgres using the configured DSN and verifies the
// connection with a ping.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	log := logger.New("Postgres")

	pc, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.PostgresMaxConns > 0 {
		pc.MaxConns = int32(cfg.PostgresMaxConns)
	}
	pc.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.LogSuccessf("Connected (max_conns=%d)", pc.MaxConns)
	return &Service{Pool: pool, log: log}, nil
}

func (s *Service) Close() {
	s.Pool.Close()
	s.log.LogInfo("Connection pool closed")
}

// EnsureSchema creates the pipeline tables when they do not exist yet.
// Statements are idempotent so every process can run this at startup.
func (s *Service) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vehicles (
			id            BIGSERIAL PRIMARY KEY,
			site_name     TEXT NOT NULL,
			lot_number    TEXT NOT NULL,
			make          TEXT NOT NULL DEFAULT '',
			model         TEXT NOT NULL DEFAULT '',
			year          INT,
			mileage       INT,
			start_price   INT,
			end_price     INT,
			grade         TEXT,
			color         TEXT,
			result        TEXT,
			scores        TEXT,
			auction       TEXT,
			url           TEXT,
			lot_link      TEXT,
			search_date   DATE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_updated  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (site_name, lot_number)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_urls (
			id              BIGSERIAL PRIMARY KEY,
			site_name       TEXT NOT NULL,
			url             TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','processing','completed','failed','exhausted')),
			processed       BOOLEAN GENERATED ALWAYS AS (status = 'completed') STORED,
			retry_count             INT NOT NULL DEFAULT 0,
			error_message           TEXT,
			processing_started_at   TIMESTAMPTZ,
			processing_completed_at TIMESTAMPTZ,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (site_name, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_urls_lease
			ON processed_urls (site_name, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS detailed_auction_data (
			id                   BIGSERIAL PRIMARY KEY,
			vehicle_id           BIGINT NOT NULL UNIQUE REFERENCES vehicles(id) ON DELETE CASCADE,
			site_name            TEXT NOT NULL,
			lot_number           TEXT NOT NULL,
			url                  TEXT NOT NULL,
			start_price          INT,
			final_price          INT,
			auction_date         TEXT,
			auction_time         TEXT,
			engine_size          TEXT,
			displacement         TEXT,
			transmission         TEXT,
			type_code            TEXT,
			chassis_number       TEXT,
			interior_score       TEXT,
			exterior_score       TEXT,
			equipment            TEXT,
			condition_notes      TEXT,
			image_urls           JSONB NOT NULL DEFAULT '[]'::jsonb,
			total_images         INT NOT NULL DEFAULT 0,
			auction_sheet_url    TEXT,
			extraction_metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detailed_site_url
			ON detailed_auction_data (site_name, url)`,
		`CREATE TABLE IF NOT EXISTS extraction_logs (
			id          BIGSERIAL PRIMARY KEY,
			run_id      UUID NOT NULL,
			site_name   TEXT NOT NULL,
			phase       TEXT NOT NULL,
			url         TEXT,
			outcome     TEXT NOT NULL,
			error_kind  TEXT,
			detail      TEXT,
			records     INT NOT NULL DEFAULT 0,
			latency_ms  BIGINT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_extraction_logs_run
			ON extraction_logs (run_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	s.log.LogInfo("Schema verified")
	return nil
}
