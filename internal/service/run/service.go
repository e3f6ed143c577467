package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/bibles/internal/cache"
	"github.com/splax/bibles/internal/domain"
	"github.com/splax/bibles/internal/metrics"
	"github.com/splax/bibles/internal/repository"
	"github.com/splax/bibles/internal/service/aggregate"
	"github.com/splax/bibles/internal/service/directory"
	"github.com/splax/bibles/internal/service/extract"
	"github.com/splax/bibles/internal/service/poller"
	"github.com/splax/bibles/internal/service/report"
	"github.com/splax/bibles/pkg/notify"
)

// ErrListing indicates the project listing could not be fetched.
var ErrListing = errors.New("list reports")

// Lister fetches the raw project listing.
type Lister interface {
	ListReports(ctx context.Context) ([]domain.ProjectDescriptor, error)
}

// JobRunner drives one project's generation job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, project domain.Project) poller.Result
}

// Notifier receives run summaries.
type Notifier interface {
	Send(ctx context.Context, summary notify.Summary) error
}

// Config describes one report run.
type Config struct {
	Tag         string
	LatestOnly  bool
	Concurrency int
	OutputPath  string
}

// Summary reports what a run produced.
type Summary struct {
	RunID      string
	Tag        string
	OutputPath string
	Projects   int
	Completed  int
	Cached     int
	TimedOut   int
	Failed     int
	Components int
	Conflicts  int
	Rows       []domain.ReportRow
}

// Service coordinates listing, generation, aggregation, and report output.
type Service struct {
	lister   Lister
	jobs     JobRunner
	cache    cache.ArtifactCache
	runs     repository.RunRepository
	notifier Notifier
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option customises a Service.
type Option func(*Service)

// WithCache serves and stores finished bibles through c.
func WithCache(c cache.ArtifactCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithRunRepository persists run history through repo.
func WithRunRepository(repo repository.RunRepository) Option {
	return func(s *Service) { s.runs = repo }
}

// WithNotifier posts a summary after every run.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics records aggregation and cache metrics.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs a Service.
func New(lister Lister, jobs JobRunner, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		lister: lister,
		jobs:   jobs,
		logger: logger.With("component", "run"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tally accumulates per-project outcomes across workers.
type tally struct {
	mu        sync.Mutex
	completed int
	cached    int
	timedOut  int
	failed    int
	conflicts int
}

func (t *tally) add(state domain.JobState, conflicts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch state {
	case domain.JobComplete:
		t.completed++
	case domain.JobCached:
		t.completed++
		t.cached++
	case domain.JobTimedOut:
		t.timedOut++
	default:
		t.failed++
	}
	t.conflicts += conflicts
}

// Run produces the license report. Per-project failures are logged and excluded; the run
// fails only when the listing cannot be fetched, the tag filter matches nothing, the report
// cannot be written, or ctx is cancelled. A cancelled run writes no report.
func (s *Service) Run(ctx context.Context, cfg Config) (Summary, error) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	startedAt := s.now()
	summary := Summary{RunID: s.newID(), Tag: cfg.Tag, OutputPath: cfg.OutputPath}
	log := s.logger.With("run_id", summary.RunID)

	descriptors, err := s.lister.ListReports(ctx)
	if err != nil {
		return summary, fmt.Errorf("%w: %v", ErrListing, err)
	}
	dir, err := directory.Resolve(descriptors, directory.Options{TagFilter: cfg.Tag, LatestOnly: cfg.LatestOnly})
	if err != nil {
		return summary, err
	}
	projects := dir.Projects()
	summary.Projects = dir.Len()
	log.Info("projects resolved", "listed", len(descriptors), "selected", len(projects), "tag", cfg.Tag)

	s.startRun(ctx, log, domain.Run{
		ID:         summary.RunID,
		Tag:        cfg.Tag,
		OutputPath: cfg.OutputPath,
		Status:     domain.RunRunning,
		Projects:   len(projects),
		StartedAt:  startedAt.UTC(),
	})

	agg := aggregate.New()
	counts := &tally{}
	queue := make(chan domain.Project)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for project := range queue {
				s.processProject(ctx, log, summary.RunID, project, agg, counts)
			}
		}()
	}
feed:
	for _, project := range projects {
		select {
		case <-ctx.Done():
			break feed
		case queue <- project:
		}
	}
	close(queue)
	wg.Wait()

	summary.Completed = counts.completed
	summary.Cached = counts.cached
	summary.TimedOut = counts.timedOut
	summary.Failed = counts.failed
	summary.Conflicts = counts.conflicts
	summary.Components = agg.Len()

	if err := ctx.Err(); err != nil {
		log.Warn("run cancelled, report not written", "error", err)
		s.finishRun(log, summary, startedAt, domain.RunCancelled, err)
		return summary, err
	}

	summary.Rows = report.Assemble(agg.Records(), dir)
	if err := report.WriteCSV(cfg.OutputPath, summary.Rows); err != nil {
		err = fmt.Errorf("write report: %w", err)
		s.finishRun(log, summary, startedAt, domain.RunFailed, err)
		return summary, err
	}
	log.Info("report written",
		"path", cfg.OutputPath,
		"components", summary.Components,
		"completed", summary.Completed,
		"cached", summary.Cached,
		"timed_out", summary.TimedOut,
		"failed", summary.Failed,
	)

	if s.runs != nil {
		if err := s.runs.InsertReportRows(ctx, summary.RunID, summary.Rows); err != nil {
			log.Warn("failed to persist report rows", "error", err)
		}
	}
	s.finishRun(log, summary, startedAt, domain.RunSucceeded, nil)
	return summary, nil
}

func (s *Service) processProject(ctx context.Context, log *slog.Logger, runID string, project domain.Project, agg *aggregate.Aggregator, counts *tally) {
	if ctx.Err() != nil {
		return
	}
	log = log.With("project", project.Label(), "report_id", project.ID)

	result, ok := s.fromCache(ctx, log, project)
	if !ok {
		result = s.jobs.Run(ctx, project)
		if result.Job.State == domain.JobComplete {
			s.toCache(ctx, log, project, result.Bible)
		}
	}
	if ctx.Err() != nil {
		return
	}
	if !result.Job.State.Terminal() {
		result.Err = fmt.Errorf("job stopped in non-terminal state %q", result.Job.State)
		result.Job.State = domain.JobFailed
	}

	var components, conflicts int
	switch result.Job.State {
	case domain.JobComplete, domain.JobCached:
		records := extract.Components(result.Bible)
		components = len(records)
		found := agg.Add(project.ID, records)
		conflicts = len(found)
		for _, c := range found {
			log.Warn("component metadata differs from first sighting, keeping first",
				"component", c.Component,
				"recorded_licenses", strings.Join(c.RecordedLicenses, ", "),
				"observed_licenses", strings.Join(c.ObservedLicenses, ", "),
				"copyright_differs", c.RecordedCopyright != c.ObservedCopyright,
			)
		}
		s.metrics.ObserveConflicts(conflicts)
		s.metrics.SetComponents(agg.Len())
		log.Info("project aggregated", "components", components, "state", result.Job.State)
	case domain.JobTimedOut:
		log.Warn("project excluded from report", "reason", "timeout", "error", result.Err)
	default:
		log.Warn("project excluded from report", "reason", "failed", "error", result.Err)
	}
	counts.add(result.Job.State, conflicts)

	if s.runs == nil {
		return
	}
	outcome := domain.ProjectOutcome{
		RunID:      runID,
		ProjectID:  project.ID,
		Name:       project.Name,
		Branch:     project.Branch,
		State:      result.Job.State,
		Polls:      result.Job.Polls,
		Progress:   result.Job.Progress,
		Components: components,
		Duration:   result.Duration,
		FinishedAt: s.now().UTC(),
	}
	if result.Err != nil {
		outcome.Error = result.Err.Error()
	}
	if err := s.runs.RecordProjectOutcome(ctx, outcome); err != nil {
		log.Warn("failed to persist project outcome", "error", err)
	}
}

func (s *Service) fromCache(ctx context.Context, log *slog.Logger, project domain.Project) (poller.Result, bool) {
	if s.cache == nil {
		return poller.Result{}, false
	}
	bible, ok, err := s.cache.Get(ctx, project)
	switch {
	case err != nil:
		s.metrics.ObserveCache("error")
		log.Warn("artifact cache lookup failed", "error", err)
		return poller.Result{}, false
	case !ok:
		s.metrics.ObserveCache("miss")
		return poller.Result{}, false
	}
	s.metrics.ObserveCache("hit")
	log.Info("using cached bible")
	job := domain.GenerationJob{ProjectID: project.ID, Progress: 100, State: domain.JobCached}
	return poller.Result{Job: job, Bible: bible}, true
}

func (s *Service) toCache(ctx context.Context, log *slog.Logger, project domain.Project, bible domain.Bible) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, project, bible); err != nil {
		log.Warn("failed to cache bible", "error", err)
	}
}

func (s *Service) startRun(ctx context.Context, log *slog.Logger, run domain.Run) {
	if s.runs == nil {
		return
	}
	if err := s.runs.CreateRun(ctx, &run); err != nil {
		log.Warn("failed to persist run, history disabled for this run", "error", err)
		s.runs = nil
	}
}

// finishRun records the terminal status and sends the notification. It uses a fresh context
// so that a cancelled run is still recorded.
func (s *Service) finishRun(log *slog.Logger, summary Summary, startedAt time.Time, status string, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	completedAt := s.now().UTC()
	var errText string
	if runErr != nil {
		errText = runErr.Error()
	}

	if s.runs != nil {
		update := domain.RunStatusUpdate{
			RunID:       summary.RunID,
			Status:      status,
			Completed:   summary.Completed,
			Components:  summary.Components,
			Error:       errText,
			CompletedAt: completedAt,
		}
		if err := s.runs.CompleteRun(ctx, update); err != nil {
			log.Warn("failed to finalise run", "error", err)
		}
	}

	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notify.Summary{
		RunID:       summary.RunID,
		Status:      status,
		Tag:         summary.Tag,
		OutputPath:  summary.OutputPath,
		Projects:    summary.Projects,
		Completed:   summary.Completed,
		TimedOut:    summary.TimedOut,
		Failed:      summary.Failed,
		Cached:      summary.Cached,
		Components:  summary.Components,
		Conflicts:   summary.Conflicts,
		Error:       errText,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	})
	if err != nil {
		log.Warn("failed to send run notification", "error", err)
	}
}
