package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"harvester/internal/config"
	"harvester/internal/core/registry"
	"harvester/internal/logger"

	storage_go "github.com/supabase-community/storage-go"
)

// CompletedSource is the registry side of the comparison.
type CompletedSource interface {
	CompletedURLs(ctx context.Context, site string) ([]string, error)
	Counts(ctx context.Context, site string) (registry.Counts, error)
}

// DetailSource is the detail table side of the comparison.
type DetailSource interface {
	DetailURLs(ctx context.Context, site string) ([]string, error)
}

type Service struct {
	cfg       config.Config
	completed CompletedSource
	details   DetailSource
	storage   *storage_go.Client
	log       *logger.Logger
}

func NewService(cfg config.Config, completed CompletedSource, details DetailSource) *Service {
	s := &Service{
		cfg:       cfg,
		completed: completed,
		details:   details,
		log:       logger.New("Reconcile"),
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		s.storage = storage_go.NewClient(cfg.SupabaseURL+"/storage/v1", cfg.SupabaseServiceKey, nil)
	}
	return s
}

// Compare runs one reconciliation pass for a site.
func (s *Service) Compare(ctx context.Context, site string) (Report, error) {
	completed, err := s.completed.CompletedURLs(ctx, site)
	if err != nil {
		return Report{}, fmt.Errorf("load completed urls: %w", err)
	}
	details, err := s.details.DetailURLs(ctx, site)
	if err != nil {
		return Report{}, fmt.Errorf("load detail urls: %w", err)
	}

	report := Diff(site, completed, details)
	counts, err := s.completed.Counts(ctx, site)
	if err != nil {
		return Report{}, fmt.Errorf("load registry counts: %w", err)
	}
	if settled := counts.Completed + counts.Failed + counts.Exhausted + counts.Pending; settled > 0 {
		report.SuccessRate = float64(counts.Completed) / float64(settled)
	} else {
		report.SuccessRate = 1
	}

	if report.Healthy(s.cfg.DriftTolerance) {
		s.log.LogSuccessf("%s in sync: %.2f%% matching", site, report.MatchingRate*100)
	} else {
		s.log.LogWarnf("%s drifted: %.2f%% matching (tolerance %.2f%%), %d missing, %d orphaned",
			site, report.MatchingRate*100, s.cfg.DriftTolerance*100,
			len(report.MissingInDetail), len(report.OrphanedInDetail))
	}
	return report, nil
}

// Save writes the report as JSON under DATA_DIR and, when storage is
// configured, uploads it to the reports bucket. Returns the local path.
func (s *Service) Save(report Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", report.SiteName, report.GeneratedAt.Format("20060102_150405"))
	dir := filepath.Join(s.cfg.DataDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	if s.storage != nil && s.cfg.SupabaseBucket != "" {
		contentType := "application/json"
		bucketPath := filepath.ToSlash(filepath.Join("reconciliation", name))
		_, err := s.storage.UploadFile(s.cfg.SupabaseBucket, bucketPath, bytes.NewReader(data),
			storage_go.FileOptions{ContentType: &contentType})
		if err != nil {
			s.log.LogWarnf("Report upload failed, kept local copy only: %v", err)
		} else {
			s.log.LogInfof("Report uploaded to %s/%s", s.cfg.SupabaseBucket, bucketPath)
		}
	}
	return path, nil
}

// CompareAll reconciles every given site and saves each report.
func (s *Service) CompareAll(ctx context.Context, sites []string) ([]Report, error) {
	reports := make([]Report, 0, len(sites))
	for _, site := range sites {
		report, err := s.Compare(ctx, site)
		if err != nil {
			return reports, err
		}
		if _, err := s.Save(report); err != nil {
			s.log.LogWarnf("Could not persist report for %s: %v", site, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}
