package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/bibles/internal/domain"
	"github.com/splax/bibles/pkg/api/client"
)

const (
	defaultInterval       = 10 * time.Second
	defaultStallThreshold = 6
)

var (
	// ErrSubmit indicates the generation job could not be started.
	ErrSubmit = errors.New("bible generation could not be started")
	// ErrStalled indicates progress stayed unchanged for the stall threshold.
	ErrStalled = errors.New("bible generation stalled")
	// ErrDeadline indicates the job exceeded its overall wait budget.
	ErrDeadline = errors.New("bible generation exceeded max wait")
	// ErrFetch indicates the finished bible could not be downloaded.
	ErrFetch = errors.New("bible download failed")
)

// Generator is the slice of the reports API the poller drives.
type Generator interface {
	StartBible(ctx context.Context, reportID string) (string, error)
	BibleStatus(ctx context.Context, reportID, token string) (client.BibleStatus, error)
	FetchBible(ctx context.Context, reportID string) (domain.Bible, error)
}

// Recorder receives poll and job observations. Implementations must be safe for concurrent use.
type Recorder interface {
	ObservePoll(outcome string)
	ObserveJob(state domain.JobState, duration time.Duration)
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Config tunes the polling loop.
type Config struct {
	Interval       time.Duration
	StallThreshold int
	// MaxWait bounds a single job's polling time. Zero disables the bound.
	MaxWait time.Duration
}

// Result is the terminal outcome of one project's generation job.
type Result struct {
	Job      domain.GenerationJob
	Bible    domain.Bible
	Err      error
	Duration time.Duration
}

// Poller submits bible generation jobs and drives them to a terminal state.
type Poller struct {
	gen      Generator
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	wait     WaitFunc
	now      func() time.Time
}

// Option customises a Poller.
type Option func(*Poller)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Poller) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithClock replaces the wait primitive and time source. Tests use it to run without delays.
func WithClock(wait WaitFunc, now func() time.Time) Option {
	return func(p *Poller) {
		if wait != nil {
			p.wait = wait
		}
		if now != nil {
			p.now = now
		}
	}
}

// New constructs a Poller.
func New(gen Generator, cfg Config, logger *slog.Logger, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = defaultStallThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		gen:      gen,
		cfg:      cfg,
		logger:   logger.With("component", "poller"),
		recorder: noopRecorder{},
		wait:     sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run generates the bible for a project. It never panics on service errors; the returned
// Result carries the terminal state and, for anything but JobComplete, the cause.
// A cancelled ctx yields JobFailed with the context error.
func (p *Poller) Run(ctx context.Context, project domain.Project) Result {
	start := p.now()
	log := p.logger.With("project", project.Label(), "report_id", project.ID)
	job := domain.GenerationJob{ProjectID: project.ID, State: domain.JobSubmitted}

	finish := func(state domain.JobState, bible domain.Bible, err error) Result {
		job.State = state
		elapsed := p.now().Sub(start)
		p.recorder.ObserveJob(state, elapsed)
		return Result{Job: job, Bible: bible, Err: err, Duration: elapsed}
	}

	token, err := p.gen.StartBible(ctx, project.ID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return finish(domain.JobFailed, domain.Bible{}, ctxErr)
		}
		log.Error("failed to start bible generation", "error", err)
		return finish(domain.JobFailed, domain.Bible{}, fmt.Errorf("%w: %v", ErrSubmit, err))
	}
	job.Token = token
	job.State = domain.JobPolling
	log = log.With("token", token)
	log.Debug("bible generation started")

	tracker := stallTracker{threshold: p.cfg.StallThreshold}
	for {
		status, err := p.gen.BibleStatus(ctx, project.ID, token)
		job.Polls++
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(domain.JobFailed, domain.Bible{}, ctxErr)
			}
			p.recorder.ObservePoll("error")
			log.Warn("unexpected status while polling", "error", err, "status", client.StatusCode(err), "polls", job.Polls)
		case status.Ready:
			p.recorder.ObservePoll("ready")
			log.Info("bible ready", "polls", job.Polls)
			bible, err := p.gen.FetchBible(ctx, project.ID)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return finish(domain.JobFailed, domain.Bible{}, ctxErr)
				}
				log.Error("failed to download bible", "error", err)
				return finish(domain.JobFailed, domain.Bible{}, fmt.Errorf("%w: %v", ErrFetch, err))
			}
			return finish(domain.JobComplete, bible, nil)
		default:
			job.Progress = status.Progress
			stalled := tracker.observe(status.Progress)
			job.StallCount = tracker.repeats
			if stalled {
				p.recorder.ObservePoll("stalled")
				log.Warn("bible generation stalled, abandoning project", "progress", job.Progress, "polls", job.Polls)
				return finish(domain.JobTimedOut, domain.Bible{}, fmt.Errorf("%w at %d%% after %d polls", ErrStalled, job.Progress, job.Polls))
			}
			p.recorder.ObservePoll("progress")
			log.Info("bible generation in progress", "progress", job.Progress, "stall_count", job.StallCount)
		}

		if p.cfg.MaxWait > 0 && p.now().Sub(start) >= p.cfg.MaxWait {
			log.Warn("bible generation exceeded max wait, abandoning project", "max_wait", p.cfg.MaxWait, "progress", job.Progress)
			return finish(domain.JobTimedOut, domain.Bible{}, fmt.Errorf("%w of %s", ErrDeadline, p.cfg.MaxWait))
		}
		if err := p.wait(ctx, p.cfg.Interval); err != nil {
			return finish(domain.JobFailed, domain.Bible{}, err)
		}
	}
}

// stallTracker detects a run of identical progress values. An increase starts a new run;
// a decrease is ignored and neither extends nor resets the current run.
type stallTracker struct {
	threshold int
	last      int
	seen      bool
	// repeats counts polls that repeated last after the one that first reported it.
	repeats int
}

// observe records a progress value and reports whether threshold consecutive polls have
// now reported the same value.
func (s *stallTracker) observe(progress int) bool {
	switch {
	case !s.seen || progress > s.last:
		s.last = progress
		s.seen = true
		s.repeats = 0
	case progress == s.last:
		s.repeats++
	}
	return s.repeats+1 >= s.threshold
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopRecorder struct{}

func (noopRecorder) ObservePoll(string)                        {}
func (noopRecorder) ObserveJob(domain.JobState, time.Duration) {}
