package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/bibles/internal/domain"
)

var jobDurationBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800}

// Recorder exposes generation and aggregation metrics. A nil Recorder is a no-op.
type Recorder struct {
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	polls       *prometheus.CounterVec
	cache       *prometheus.CounterVec
	conflicts   prometheus.Counter
	components  prometheus.Gauge
}

// New creates the collectors and registers them with reg. Collectors already registered
// by an earlier Recorder are reused.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bibles",
			Name:      "jobs_total",
			Help:      "Bible generation jobs by terminal state",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bibles",
			Name:      "job_duration_seconds",
			Help:      "Time from submission to terminal state",
			Buckets:   jobDurationBuckets,
		}, []string{"state"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bibles",
			Name:      "polls_total",
			Help:      "Job status polls by outcome",
		}, []string{"outcome"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bibles",
			Name:      "cache_lookups_total",
			Help:      "Artifact cache lookups by result",
		}, []string{"result"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bibles",
			Name:      "aggregation_conflicts_total",
			Help:      "Component sightings whose license or copyright differed from the first sighting",
		}),
		components: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bibles",
			Name:      "components",
			Help:      "Distinct components aggregated in the current run",
		}),
	}

	register(reg, &r.jobs)
	register(reg, &r.jobDuration)
	register(reg, &r.polls)
	register(reg, &r.cache)
	register(reg, &r.conflicts)
	register(reg, &r.components)
	return r
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector *C) {
	if err := reg.Register(*collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				*collector = existing
			}
		}
	}
}

// ObservePoll counts one status poll.
func (r *Recorder) ObservePoll(outcome string) {
	if r == nil {
		return
	}
	r.polls.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// ObserveJob counts a finished job and its duration.
func (r *Recorder) ObserveJob(state domain.JobState, duration time.Duration) {
	if r == nil {
		return
	}
	labels := prometheus.Labels{"state": string(state)}
	r.jobs.With(labels).Inc()
	r.jobDuration.With(labels).Observe(duration.Seconds())
}

// ObserveCache counts an artifact cache lookup ("hit", "miss", "error").
func (r *Recorder) ObserveCache(result string) {
	if r == nil {
		return
	}
	r.cache.With(prometheus.Labels{"result": result}).Inc()
}

// ObserveConflicts counts aggregation conflicts.
func (r *Recorder) ObserveConflicts(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.conflicts.Add(float64(n))
}

// SetComponents records the current number of aggregated components.
func (r *Recorder) SetComponents(n int) {
	if r == nil {
		return
	}
	r.components.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", "error", err)
		}
	}()

	logger.Info("metrics server starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", "error", err)
	}
}
