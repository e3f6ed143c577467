package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/splax/bibles/internal/app/migrate"
	"github.com/splax/bibles/internal/cache"
	"github.com/splax/bibles/internal/metrics"
	"github.com/splax/bibles/internal/repository/postgres"
	"github.com/splax/bibles/internal/service/poller"
	"github.com/splax/bibles/internal/service/run"
	"github.com/splax/bibles/pkg/api/client"
	"github.com/splax/bibles/pkg/config"
	"github.com/splax/bibles/pkg/logger"
	"github.com/splax/bibles/pkg/notify"
)

type generateOptions struct {
	tag            string
	name           string
	apiURL         string
	concurrency    int
	interval       time.Duration
	stallThreshold int
	maxWait        time.Duration
	allSnapshots   bool
	metricsAddr    string
}

func (o *generateOptions) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&o.tag, "tag", "t", "", "regular expression matched against project tags (empty selects all projects)")
	flags.StringVarP(&o.name, "name", "n", "", "report file name, .csv is appended when missing (default \"bibles\")")
	flags.StringVar(&o.apiURL, "api", "", "reporting service base URL")
	flags.IntVar(&o.concurrency, "concurrency", 0, "projects processed in parallel (default 1)")
	flags.DurationVar(&o.interval, "interval", 0, "delay between status polls (default 10s)")
	flags.IntVar(&o.stallThreshold, "stall-threshold", 0, "consecutive unchanged polls before a job is abandoned (default 6)")
	flags.DurationVar(&o.maxWait, "max-wait", 0, "upper bound on one job's polling time, 0 disables it (default 30m)")
	flags.BoolVar(&o.allSnapshots, "all-snapshots", false, "include every snapshot instead of only the newest per project name")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
}

// apply overrides cfg with the flags the user set explicitly.
func (o *generateOptions) apply(cmd *cobra.Command, cfg *config.ReportConfig) {
	flags := cmd.Flags()
	if flags.Changed("tag") {
		cfg.Poll.Tag = o.tag
	}
	if flags.Changed("name") {
		cfg.Output.Name = o.name
	}
	if flags.Changed("api") {
		cfg.API.BaseURL = o.apiURL
	}
	if flags.Changed("concurrency") {
		cfg.Poll.Concurrency = o.concurrency
	}
	if flags.Changed("interval") {
		cfg.Poll.Interval = o.interval
	}
	if flags.Changed("stall-threshold") {
		cfg.Poll.StallThreshold = o.stallThreshold
	}
	if flags.Changed("max-wait") {
		cfg.Poll.MaxWait = o.maxWait
	}
	if flags.Changed("all-snapshots") {
		cfg.Poll.LatestOnly = !o.allSnapshots
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}
}

func runGenerate(cmd *cobra.Command, opts *generateOptions) error {
	cfg, err := config.LoadReportConfig()
	if err != nil {
		return err
	}
	opts.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	token, err := resolveToken(cfg.API.Token, os.Stdin, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg.API.Token = token

	log := logger.New("bibles", logger.ParseLevel(cfg.Log.Level))
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, err := client.New(cfg.API.BaseURL, client.WithToken(cfg.API.Token), client.WithTimeout(cfg.API.Timeout))
	if err != nil {
		return err
	}

	var recorder *metrics.Recorder
	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.New(registry)
		go metrics.Serve(ctx, addr, registry, log)
	}

	pollerOpts := []poller.Option{}
	if recorder != nil {
		pollerOpts = append(pollerOpts, poller.WithRecorder(recorder))
	}
	jobs := poller.New(api, poller.Config{
		Interval:       cfg.Poll.Interval,
		StallThreshold: cfg.Poll.StallThreshold,
		MaxWait:        cfg.Poll.MaxWait,
	}, log, pollerOpts...)

	svcOpts := []run.Option{run.WithMetrics(recorder)}
	if artifacts := openCache(cfg.Cache, log); artifacts != nil {
		defer artifacts.Close()
		svcOpts = append(svcOpts, run.WithCache(artifacts))
	}
	if pool := openHistory(ctx, cfg.DB.URL, log); pool != nil {
		defer pool.Close()
		svcOpts = append(svcOpts, run.WithRunRepository(postgres.New(pool)))
	}
	if url := strings.TrimSpace(cfg.Notify.URL); url != "" {
		notifier, err := notify.New(url, cfg.Notify.Token, nil, notify.WithSigningSecret(cfg.Notify.Secret))
		if err != nil {
			return err
		}
		svcOpts = append(svcOpts, run.WithNotifier(notifier))
	}

	svc := run.New(api, jobs, log, svcOpts...)
	summary, err := svc.Run(ctx, run.Config{
		Tag:         cfg.Poll.Tag,
		LatestOnly:  cfg.Poll.LatestOnly,
		Concurrency: cfg.Poll.Concurrency,
		OutputPath:  cfg.OutputPath(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d components from %d of %d projects (%d timed out, %d failed)\n",
		summary.OutputPath, summary.Components, summary.Completed, summary.Projects, summary.TimedOut, summary.Failed)
	return nil
}

// resolveToken returns the configured token, prompting on an interactive terminal when none is set.
func resolveToken(configured string, in *os.File, prompt io.Writer) (string, error) {
	if token := strings.TrimSpace(configured); token != "" {
		return token, nil
	}
	if in == nil || !term.IsTerminal(int(in.Fd())) {
		return "", errors.New("api token required: set METERIAN_API_TOKEN")
	}
	fmt.Fprint(prompt, "Meterian API token: ")
	raw, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprint(prompt, "\n")
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("api token required")
	}
	return token, nil
}

// openCache returns the shared artifact cache, or nil when Redis is not configured or
// unreachable. Bibles are only reusable across runs, so there is no in-process fallback.
func openCache(cfg config.CacheConfig, log *slog.Logger) cache.ArtifactCache {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	redisCache, err := cache.NewRedis(addr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL, log)
	if err != nil {
		log.Warn("redis artifact cache unavailable, running without cache", "error", err)
		return nil
	}
	return redisCache
}

// openHistory connects to the run history database and applies migrations. It returns nil
// when history is disabled or unavailable; the report run proceeds either way.
func openHistory(ctx context.Context, dsn string, log *slog.Logger) *pgxpool.Pool {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Warn("run history disabled", "error", err)
		return nil
	}
	runner, err := migrate.New(pool, dsn, log)
	if err == nil {
		err = runner.Ping(ctx)
	}
	if err == nil {
		err = runner.Ensure(ctx)
	}
	if err != nil {
		log.Warn("run history disabled", "error", err)
		pool.Close()
		return nil
	}
	return pool
}
