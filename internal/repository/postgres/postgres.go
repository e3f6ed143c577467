package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/splax/bibles/internal/domain"
	"github.com/splax/bibles/internal/repository"
)

// DB is the part of *pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool DB
}

// New constructs a Repository.
func New(pool DB) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.RunRepository = (*Repository)(nil)

// CreateRun inserts a run in its initial state.
func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	const query = `INSERT INTO report_runs (id, tag, output_path, status, projects, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, run.ID, run.Tag, run.OutputPath, run.Status, run.Projects, run.StartedAt)
	return err
}

// CompleteRun records the terminal status of a run.
func (r *Repository) CompleteRun(ctx context.Context, update domain.RunStatusUpdate) error {
	const query = `UPDATE report_runs
		SET status = $2, completed = $3, components = $4, error = $5, completed_at = $6
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.RunID, update.Status, update.Completed, update.Components, emptyToNil(update.Error), update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecordProjectOutcome stores the terminal state of one project in a run.
func (r *Repository) RecordProjectOutcome(ctx context.Context, outcome domain.ProjectOutcome) error {
	const query = `INSERT INTO report_run_projects (
		run_id, project_id, name, branch, state, polls, progress, components, error, duration_ms, finished_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (run_id, project_id) DO UPDATE SET
		state = EXCLUDED.state,
		polls = EXCLUDED.polls,
		progress = EXCLUDED.progress,
		components = EXCLUDED.components,
		error = EXCLUDED.error,
		duration_ms = EXCLUDED.duration_ms,
		finished_at = EXCLUDED.finished_at`
	_, err := r.pool.Exec(ctx, query,
		outcome.RunID,
		outcome.ProjectID,
		outcome.Name,
		outcome.Branch,
		string(outcome.State),
		outcome.Polls,
		outcome.Progress,
		outcome.Components,
		emptyToNil(outcome.Error),
		outcome.Duration.Milliseconds(),
		outcome.FinishedAt,
	)
	return err
}

// InsertReportRows stores the final report rows of a run.
func (r *Repository) InsertReportRows(ctx context.Context, runID string, rows []domain.ReportRow) error {
	if len(rows) == 0 {
		return nil
	}
	const query = `INSERT INTO report_rows (run_id, component, licenses, copyright, projects)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, component) DO UPDATE SET
			licenses = EXCLUDED.licenses,
			copyright = EXCLUDED.copyright,
			projects = EXCLUDED.projects`
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(query, runID, row.Component, row.Licenses, row.Copyright, row.Projects)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListRuns returns the most recent runs.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, tag, output_path, status, projects, completed, components, error, started_at, completed_at
		FROM report_runs
		ORDER BY started_at DESC
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		var (
			run         domain.Run
			runErr      sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.Tag, &run.OutputPath, &run.Status, &run.Projects, &run.Completed, &run.Components, &runErr, &run.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		run.Error = runErr.String
		if completedAt.Valid {
			t := completedAt.Time
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListProjectOutcomes returns per-project outcomes of a run.
func (r *Repository) ListProjectOutcomes(ctx context.Context, runID string) ([]domain.ProjectOutcome, error) {
	const query = `SELECT run_id, project_id, name, branch, state, polls, progress, components, error, duration_ms, finished_at
		FROM report_run_projects
		WHERE run_id = $1
		ORDER BY finished_at`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outcomes := make([]domain.ProjectOutcome, 0)
	for rows.Next() {
		var (
			o          domain.ProjectOutcome
			state      string
			outcomeErr sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&o.RunID, &o.ProjectID, &o.Name, &o.Branch, &state, &o.Polls, &o.Progress, &o.Components, &outcomeErr, &durationMS, &o.FinishedAt); err != nil {
			return nil, err
		}
		o.State = domain.JobState(state)
		o.Error = outcomeErr.String
		o.Duration = time.Duration(durationMS) * time.Millisecond
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
