package repository

import (
	"context"

	"github.com/splax/bibles/internal/domain"
)

// RunRepository persists report runs, their per-project outcomes, and the final rows.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	CompleteRun(ctx context.Context, update domain.RunStatusUpdate) error
	RecordProjectOutcome(ctx context.Context, outcome domain.ProjectOutcome) error
	InsertReportRows(ctx context.Context, runID string, rows []domain.ReportRow) error
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	ListProjectOutcomes(ctx context.Context, runID string) ([]domain.ProjectOutcome, error)
}
