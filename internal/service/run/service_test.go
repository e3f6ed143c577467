package run

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/splax/bibles/internal/cache"
	"github.com/splax/bibles/internal/domain"
	"github.com/splax/bibles/internal/service/directory"
	"github.com/splax/bibles/internal/service/poller"
	"github.com/splax/bibles/pkg/api/client"
	"github.com/splax/bibles/pkg/notify"
)

type fakeLister struct {
	descriptors []domain.ProjectDescriptor
	err         error
}

func (f fakeLister) ListReports(context.Context) ([]domain.ProjectDescriptor, error) {
	return f.descriptors, f.err
}

type fakeJobs struct {
	mu      sync.Mutex
	results map[string]poller.Result
	calls   map[string]int
}

func (f *fakeJobs) Run(_ context.Context, project domain.Project) poller.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[project.ID]++
	res, ok := f.results[project.ID]
	if !ok {
		return poller.Result{Job: domain.GenerationJob{ProjectID: project.ID, State: domain.JobFailed}, Err: poller.ErrSubmit}
	}
	res.Job.ProjectID = project.ID
	return res
}

type fakeRepo struct {
	mu        sync.Mutex
	created   []domain.Run
	updates   []domain.RunStatusUpdate
	outcomes  []domain.ProjectOutcome
	rows      []domain.ReportRow
	createErr error
}

func (r *fakeRepo) CreateRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.created = append(r.created, *run)
	return nil
}

func (r *fakeRepo) CompleteRun(_ context.Context, update domain.RunStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *fakeRepo) RecordProjectOutcome(_ context.Context, outcome domain.ProjectOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

func (r *fakeRepo) InsertReportRows(_ context.Context, _ string, rows []domain.ReportRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rows...)
	return nil
}

func (r *fakeRepo) ListRuns(context.Context, int) ([]domain.Run, error) { return nil, nil }

func (r *fakeRepo) ListProjectOutcomes(context.Context, string) ([]domain.ProjectOutcome, error) {
	return nil, nil
}

type fakeNotifier struct {
	summaries []notify.Summary
}

func (n *fakeNotifier) Send(_ context.Context, s notify.Summary) error {
	n.summaries = append(n.summaries, s)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bibleOf(eco string, comps ...domain.BibleComponent) domain.Bible {
	return domain.Bible{Components: map[string][]domain.BibleComponent{eco: comps}}
}

func component(name, version, copyright string, licenses ...string) domain.BibleComponent {
	return domain.BibleComponent{
		Name:      name,
		Version:   version,
		Copyright: &domain.BibleCopyright{Text: copyright},
		Licenses:  licenses,
	}
}

func complete(bible domain.Bible) poller.Result {
	return poller.Result{Job: domain.GenerationJob{State: domain.JobComplete, Progress: 100}, Bible: bible}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func newTestService(lister Lister, jobs JobRunner, opts ...Option) *Service {
	s := New(lister, jobs, discardLogger(), opts...)
	s.newID = func() string { return "run-1" }
	return s
}

func TestRunAggregatesAcrossProjects(t *testing.T) {
	lister := fakeLister{descriptors: []domain.ProjectDescriptor{
		{UUID: "a", Name: "alpha", Branch: "main", Timestamp: "2025-01-01T00:00:00Z", Tags: []string{"prod"}},
		{UUID: "b", Name: "beta", Branch: "dev", Timestamp: "2025-01-02T00:00:00Z", Tags: []string{"prod"}},
	}}
	jobs := &fakeJobs{results: map[string]poller.Result{
		"a": complete(bibleOf("python", component("req", "1.0", "(c) X", "MIT"))),
		"b": complete(bibleOf("python", component("req", "1.0", "(c) X", "MIT"))),
	}}
	path := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newTestService(lister, jobs).Run(context.Background(), Config{Tag: "prod", OutputPath: path})
	require.NoError(t, err)

	require.Equal(t, 2, summary.Projects)
	require.Equal(t, 2, summary.Completed)
	require.Equal(t, 1, summary.Components)
	require.Equal(t, [][]string{
		{"LICENSES", "COMPONENT", "COPYRIGHT STATEMENTS", "PROJECTS"},
		{"MIT", "python:req:1.0", "(c) X", "alpha:main;beta:dev"},
	}, readCSV(t, path))
}

func TestRunExcludesFailedAndTimedOutProjects(t *testing.T) {
	lister := fakeLister{descriptors: []domain.ProjectDescriptor{
		{UUID: "a", Name: "alpha", Branch: "main"},
		{UUID: "b", Name: "beta", Branch: "main"},
		{UUID: "c", Name: "gamma", Branch: "main"},
	}}
	jobs := &fakeJobs{results: map[string]poller.Result{
		"a": complete(bibleOf("npm", component("left-pad", "1.3.0", "", "WTFPL"))),
		"b": {Job: domain.GenerationJob{State: domain.JobTimedOut, Progress: 10}, Err: poller.ErrStalled},
	}}
	path := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newTestService(lister, jobs).Run(context.Background(), Config{OutputPath: path})
	require.NoError(t, err)

	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, summary.TimedOut)
	require.Equal(t, 1, summary.Failed)
	records := readCSV(t, path)
	require.Len(t, records, 2)
	require.Equal(t, "alpha:main", records[1][3])
}

func TestRunNoMatchingProjectsIsFatal(t *testing.T) {
	lister := fakeLister{descriptors: []domain.ProjectDescriptor{{UUID: "a", Name: "alpha", Tags: []string{"dev"}}}}
	jobs := &fakeJobs{}
	path := filepath.Join(t.TempDir(), "out.csv")

	_, err := newTestService(lister, jobs).Run(context.Background(), Config{Tag: "^prod$", OutputPath: path})

	require.ErrorIs(t, err, directory.ErrNoMatchingProjects)
	require.Empty(t, jobs.calls)
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestRunListingFailureIsFatal(t *testing.T) {
	_, err := newTestService(fakeLister{err: errors.New("connection refused")}, &fakeJobs{}).
		Run(context.Background(), Config{OutputPath: filepath.Join(t.TempDir(), "out.csv")})

	require.ErrorIs(t, err, ErrListing)
}

func TestRunAllProjectsFailingStillWritesHeader(t *testing.T) {
	lister := fakeLister{descriptors: []domain.ProjectDescriptor{{UUID: "a", Name: "alpha", Branch: "main"}}}
	path := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newTestService(lister, &fakeJobs{}).Run(context.Background(), Config{OutputPath: path})
	require.NoError(t, err)

	require.Equal(t, 1, summary.Failed)
	require.Equal(t, [][]string{{"LICENSES", "COMPONENT", "COPYRIGHT STATEMENTS", "PROJECTS"}}, readCSV(t, path))
}

func TestRunCancelledWritesNoReport(t *testing.T) {
	lister := fakeLister{descriptors: []domain.ProjectDescriptor{{UUID: "a", Name: "alpha", Branch: "main"}}}
	repo := &fakeRepo{}
	notifier := &fakeNotifier{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "out.csv")

	_, err := newTestService(lister, &fakeJobs{}, WithRunRepository(repo), WithNotifier(notifier)).
		Run(ctx, Config{OutputPath: path})

	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
	require.Len(t, repo.updates, 1)
	require.Equal(t, domain.RunCancelled, repo.updates[0].Status)
	require.Len(t, notifier.summaries, 1)
	require.Equal(t, domain.RunCancelled, notifier.summaries[0].Status)
}

func TestRunServesBiblesCachedByEarlierRun(t *testing.T) {
	project := domain.ProjectDescriptor{UUID: "a", Name: "alpha", Branch: "main", Timestamp: "2025-01-01T00:00:00Z"}
	lister := fakeLister{descriptors: []domain.ProjectDescriptor{project}}
	srv := miniredis.RunT(t)
	jobs := &fakeJobs{results: map[string]poller.Result{
		"a": complete(bibleOf("maven", component("guava", "33.0", "Google", "Apache-2.0"))),
	}}
	dir := t.TempDir()

	runOnce := func(name string) Summary {
		artifacts, err := cache.NewRedis(srv.Addr(), "", 0, time.Hour, discardLogger())
		require.NoError(t, err)
		defer artifacts.Close()
		summary, err := newTestService(lister, jobs, WithCache(artifacts)).
			Run(context.Background(), Config{OutputPath: filepath.Join(dir, name)})
		require.NoError(t, err)
		return summary
	}
	first := runOnce("first.csv")
	second := runOnce("second.csv")

	require.Equal(t, 1, jobs.calls["a"])
	require.Zero(t, first.Cached)
	require.Equal(t, 1, second.Cached)
	require.Equal(t, 1, second.Completed)
	require.Equal(t, first.Rows, second.Rows)
}

func TestRunPersistsHistoryAndNotifies(t *testing.T) {
	lister := fakeLister{descriptors: []domain.ProjectDescriptor{
		{UUID: "a", Name: "alpha", Branch: "main"},
		{UUID: "b", Name: "beta", Branch: "main"},
	}}
	jobs := &fakeJobs{results: map[string]poller.Result{
		"a": complete(bibleOf("npm", component("lodash", "4.17.21", "JS Foundation", "MIT"))),
		"b": complete(bibleOf("npm", component("lodash", "4.17.21", "Someone else", "ISC"))),
	}}
	repo := &fakeRepo{}
	notifier := &fakeNotifier{}
	path := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newTestService(lister, jobs, WithRunRepository(repo), WithNotifier(notifier)).
		Run(context.Background(), Config{Tag: "", OutputPath: path})
	require.NoError(t, err)

	require.Equal(t, 1, summary.Conflicts)
	require.Len(t, repo.created, 1)
	require.Equal(t, "run-1", repo.created[0].ID)
	require.Len(t, repo.outcomes, 2)
	require.Len(t, repo.rows, 1)
	require.Len(t, repo.updates, 1)
	require.Equal(t, domain.RunSucceeded, repo.updates[0].Status)
	require.Equal(t, 1, repo.updates[0].Components)
	require.Len(t, notifier.summaries, 1)
	require.Equal(t, 2, notifier.summaries[0].Completed)
	require.Equal(t, 1, notifier.summaries[0].Conflicts)
}

func TestRunContinuesWhenHistoryUnavailable(t *testing.T) {
	lister := fakeLister{descriptors: []domain.ProjectDescriptor{{UUID: "a", Name: "alpha", Branch: "main"}}}
	jobs := &fakeJobs{results: map[string]poller.Result{"a": complete(bibleOf("npm"))}}
	repo := &fakeRepo{createErr: errors.New("db down")}

	_, err := newTestService(lister, jobs, WithRunRepository(repo)).
		Run(context.Background(), Config{OutputPath: filepath.Join(t.TempDir(), "out.csv")})

	require.NoError(t, err)
	require.Empty(t, repo.outcomes)
	require.Empty(t, repo.updates)
}

func TestRunConcurrentWorkersProduceSameReport(t *testing.T) {
	descriptors := make([]domain.ProjectDescriptor, 0, 8)
	results := map[string]poller.Result{}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("p%d", i)
		descriptors = append(descriptors, domain.ProjectDescriptor{UUID: id, Name: id, Branch: "main"})
		results[id] = complete(bibleOf("go",
			component("shared", "1.0", "", "BSD-3-Clause"),
			component(id+"-only", "0.1", "", "MIT"),
		))
	}
	dir := t.TempDir()

	serial, err := newTestService(fakeLister{descriptors: descriptors}, &fakeJobs{results: results}).
		Run(context.Background(), Config{Concurrency: 1, OutputPath: filepath.Join(dir, "serial.csv")})
	require.NoError(t, err)
	parallel, err := newTestService(fakeLister{descriptors: descriptors}, &fakeJobs{results: results}).
		Run(context.Background(), Config{Concurrency: 4, OutputPath: filepath.Join(dir, "parallel.csv")})
	require.NoError(t, err)

	require.Equal(t, 9, parallel.Components)
	require.Len(t, parallel.Rows, len(serial.Rows))
	for i := range serial.Rows {
		require.Equal(t, serial.Rows[i].Component, parallel.Rows[i].Component)
		require.ElementsMatch(t, strings.Split(serial.Rows[i].Projects, ";"), strings.Split(parallel.Rows[i].Projects, ";"))
	}
}

// TestRunAgainstHTTPService drives the real client and poller against a fake reporting service.
func TestRunAgainstHTTPService(t *testing.T) {
	var mu sync.Mutex
	polls := map[string]int{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/reports", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `[
			{"uuid":"a","name":"alpha","branch":"main","timestamp":"2025-01-01T00:00:00Z","tags":["prod"]},
			{"uuid":"a-old","name":"alpha","branch":"main","timestamp":"2024-01-01T00:00:00Z","tags":["prod"]},
			{"uuid":"b","name":"beta","branch":"main","timestamp":"2025-01-01T00:00:00Z","tags":["prod"]},
			{"uuid":"c","name":"gamma","branch":"main","timestamp":"2025-01-01T00:00:00Z","tags":["dev"]}
		]`)
	})
	mux.HandleFunc("/api/v1/reports/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/reports/"), "/")
		id := parts[0]
		switch {
		case r.Method == http.MethodPost && len(parts) == 2:
			fmt.Fprint(w, "tok-"+id)
		case r.Method == http.MethodGet && len(parts) == 3:
			mu.Lock()
			polls[id]++
			n := polls[id]
			mu.Unlock()
			if id == "b" {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, "10")
				return
			}
			if n < 3 {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprintf(w, "%d", n*40)
				return
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && len(parts) == 2:
			fmt.Fprint(w, `{"components":{"python":[
				{"name":"requests","version":"2.31.0","copyright":{"text":"Copyright 2019\r\nKenneth Reitz"},"licenses":["Apache-2.0"]}
			]}}`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api, err := client.New(srv.URL, client.WithToken("secret"))
	require.NoError(t, err)
	noWait := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	jobs := poller.New(api, poller.Config{StallThreshold: 6}, discardLogger(), poller.WithClock(noWait, nil))
	path := filepath.Join(t.TempDir(), "bibles.csv")

	summary, err := newTestService(api, jobs).Run(context.Background(), Config{
		Tag:         "prod",
		LatestOnly:  true,
		Concurrency: 2,
		OutputPath:  path,
	})
	require.NoError(t, err)

	require.Equal(t, 2, summary.Projects)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, summary.TimedOut)
	require.Equal(t, 6, polls["b"])
	require.Zero(t, polls["a-old"])
	require.Equal(t, [][]string{
		{"LICENSES", "COMPONENT", "COPYRIGHT STATEMENTS", "PROJECTS"},
		{"Apache-2.0", "python:requests:2.31.0", "Copyright 2019Kenneth Reitz", "alpha:main"},
	}, readCSV(t, path))
}

func TestRunTreatsNonTerminalJobAsFailed(t *testing.T) {
	lister := fakeLister{descriptors: []domain.ProjectDescriptor{{UUID: "a", Name: "alpha", Branch: "main"}}}
	jobs := &fakeJobs{results: map[string]poller.Result{
		"a": {Job: domain.GenerationJob{State: domain.JobPolling, Progress: 40}, Bible: bibleOf("npm", component("x", "1", "", "MIT"))},
	}}
	repo := &fakeRepo{}
	path := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newTestService(lister, jobs, WithRunRepository(repo)).Run(context.Background(), Config{OutputPath: path})
	require.NoError(t, err)

	require.Equal(t, 1, summary.Failed)
	require.Zero(t, summary.Components)
	require.Len(t, repo.outcomes, 1)
	require.Equal(t, domain.JobFailed, repo.outcomes[0].State)
	require.Contains(t, repo.outcomes[0].Error, "non-terminal")
}
