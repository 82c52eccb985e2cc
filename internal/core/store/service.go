// Package store writes normalized auction records. All writes are idempotent
// upserts keyed on (site_name, lot_number) so replays never duplicate rows.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"harvester/internal/auction"
	"harvester/internal/logger"
	"harvester/internal/platform/postgres"

	"github.com/jackc/pgx/v5"
)

type Service struct {
	db  *postgres.Service
	log *logger.Logger
}

func NewService(db *postgres.Service) *Service {
	return &Service{db: db, log: logger.New("Store")}
}

// RowError ties a failed row to its business key so the caller can report or
// retry just that row.
type RowError struct {
	SiteName  string
	LotNumber string
	Err       error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("upsert %s/%s: %v", e.SiteName, e.LotNumber, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

const upsertVehicleSQL = `
	INSERT INTO vehicles (site_name, lot_number, make, model, year, mileage,
		start_price, end_price, grade, color, result, scores, auction,
		url, lot_link, search_date)
	VALUES ($1,$2,$3,$4,NULLIF($5,0),NULLIF($6,0),NULLIF($7,0),NULLIF($8,0),
		$9,$10,$11,$12,$13,$14,$15,NULLIF($16::date,'0001-01-01'::date))
	ON CONFLICT (site_name, lot_number) DO UPDATE SET
		make = EXCLUDED.make,
		model = EXCLUDED.model,
		year = COALESCE(EXCLUDED.year, vehicles.year),
		mileage = COALESCE(EXCLUDED.mileage, vehicles.mileage),
		start_price = COALESCE(EXCLUDED.start_price, vehicles.start_price),
		end_price = COALESCE(EXCLUDED.end_price, vehicles.end_price),
		grade = EXCLUDED.grade,
		color = EXCLUDED.color,
		result = EXCLUDED.result,
		scores = EXCLUDED.scores,
		auction = EXCLUDED.auction,
		url = EXCLUDED.url,
		lot_link = EXCLUDED.lot_link,
		search_date = COALESCE(EXCLUDED.search_date, vehicles.search_date),
		last_updated = now()`

func vehicleArgs(l auction.Lot) []any {
	return []any{
		l.SiteName, l.LotNumber, l.Make, l.Model, l.Year, l.Mileage,
		l.StartPrice, l.EndPrice, l.Grade, l.Color, l.Result, l.Scores,
		l.Auction, l.URL, l.LotLink, l.SearchDate,
	}
}

// UpsertVehicles writes listing rows in one batch round trip. If the batch
// fails, rows are retried one at a time so a single bad row cannot sink the
// whole page; per-row failures come back as RowErrors.
func (s *Service) UpsertVehicles(ctx context.Context, lots []auction.Lot) (int, []*RowError) {
	if len(lots) == 0 {
		return 0, nil
	}

	valid := lots[:0:0]
	var rowErrs []*RowError
	for _, l := range lots {
		if err := l.Validate(); err != nil {
			rowErrs = append(rowErrs, &RowError{SiteName: l.SiteName, LotNumber: l.LotNumber, Err: err})
			continue
		}
		valid = append(valid, l)
	}
	if len(valid) == 0 {
		return 0, rowErrs
	}

	batch := &pgx.Batch{}
	for _, l := range valid {
		batch.Queue(upsertVehicleSQL, vehicleArgs(l)...)
	}

	br := s.db.Pool.SendBatch(ctx, batch)
	var batchErr error
	for range valid {
		if _, err := br.Exec(); err != nil {
			batchErr = err
			break
		}
	}
	if closeErr := br.Close(); batchErr == nil && closeErr != nil {
		batchErr = closeErr
	}
	if batchErr == nil {
		return len(valid), rowErrs
	}

	// Batch path failed; fall back to row-at-a-time so we can attribute the
	// failure and keep the good rows.
	s.log.LogWarnf("Batch upsert failed (%v); retrying %d rows individually", batchErr, len(valid))
	written := 0
	for _, l := range valid {
		if _, err := s.db.Pool.Exec(ctx, upsertVehicleSQL, vehicleArgs(l)...); err != nil {
			rowErrs = append(rowErrs, &RowError{SiteName: l.SiteName, LotNumber: l.LotNumber, Err: err})
			continue
		}
		written++
	}
	return written, rowErrs
}

// ErrVehicleNotFound means a detail record arrived for a lot the discovery
// phase never stored.
var ErrVehicleNotFound = errors.New("vehicle not found for detail record")

// UpsertDetail writes one detail record, linked to its vehicle row by the
// (site_name, lot_number) business key. One detail row per vehicle; replays
// overwrite in place and keep created_at.
func (s *Service) UpsertDetail(ctx context.Context, d auction.LotDetail) error {
	if err := d.Validate(); err != nil {
		return err
	}

	if d.ImageURLs == nil {
		d.ImageURLs = []string{}
	}
	images, err := json.Marshal(d.ImageURLs)
	if err != nil {
		return fmt.Errorf("marshal image urls: %w", err)
	}
	if d.Extra == nil {
		d.Extra = map[string]string{}
	}
	meta, err := json.Marshal(d.Extra)
	if err != nil {
		return fmt.Errorf("marshal extraction metadata: %w", err)
	}

	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO detailed_auction_data (vehicle_id, site_name, lot_number, url,
			start_price, final_price, auction_date, auction_time,
			engine_size, displacement, transmission, type_code, chassis_number,
			interior_score, exterior_score, equipment, condition_notes,
			image_urls, total_images, auction_sheet_url, extraction_metadata)
		SELECT v.id, $1, $2, $3,
			NULLIF($4,0), NULLIF($5,0), $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17::jsonb, $18, $19, COALESCE($20::jsonb, '{}'::jsonb)
		FROM vehicles v
		WHERE v.site_name = $1 AND v.lot_number = $2
		ON CONFLICT (vehicle_id) DO UPDATE SET
			url = EXCLUDED.url,
			start_price = COALESCE(EXCLUDED.start_price, detailed_auction_data.start_price),
			final_price = COALESCE(EXCLUDED.final_price, detailed_auction_data.final_price),
			auction_date = EXCLUDED.auction_date,
			auction_time = EXCLUDED.auction_time,
			engine_size = EXCLUDED.engine_size,
			displacement = EXCLUDED.displacement,
			transmission = EXCLUDED.transmission,
			type_code = EXCLUDED.type_code,
			chassis_number = EXCLUDED.chassis_number,
			interior_score = EXCLUDED.interior_score,
			exterior_score = EXCLUDED.exterior_score,
			equipment = EXCLUDED.equipment,
			condition_notes = EXCLUDED.condition_notes,
			image_urls = EXCLUDED.image_urls,
			total_images = EXCLUDED.total_images,
			auction_sheet_url = EXCLUDED.auction_sheet_url,
			extraction_metadata = EXCLUDED.extraction_metadata,
			updated_at = now()`,
		d.SiteName, d.LotNumber, d.URL,
		d.StartPrice, d.FinalPrice, d.AuctionDate, d.AuctionTime,
		d.EngineSize, d.Displacement, d.Transmission, d.TypeCode, d.ChassisNumber,
		d.InteriorScore, d.ExteriorScore, d.Equipment, d.ConditionNotes,
		string(images), d.TotalImages, d.AuctionSheetURL, string(meta))
	if err != nil {
		return fmt.Errorf("upsert detail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrVehicleNotFound, d.SiteName, d.LotNumber)
	}
	return nil
}

// DetailURLs returns the set of URLs present in the detail table for a site,
// the B side of reconciliation.
func (s *Service) DetailURLs(ctx context.Context, site string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT url FROM detailed_auction_data WHERE site_name = $1`,
		site)
	if err != nil {
		return nil, fmt.Errorf("detail urls: %w", err)
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
