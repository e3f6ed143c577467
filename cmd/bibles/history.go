package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/bibles/internal/app/migrate"
	"github.com/splax/bibles/internal/domain"
	"github.com/splax/bibles/internal/repository/postgres"
	"github.com/splax/bibles/pkg/config"
	"github.com/splax/bibles/pkg/logger"
)

func connect(ctx context.Context) (*pgxpool.Pool, string, *slog.Logger, error) {
	cfg, err := config.LoadReportConfig()
	if err != nil {
		return nil, "", nil, err
	}
	log := logger.New("bibles", logger.ParseLevel(cfg.Log.Level))
	dsn := strings.TrimSpace(cfg.DB.URL)
	if dsn == "" {
		return nil, "", nil, errors.New("DATABASE_URL is required for run history")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, dsn, log, nil
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded report runs, or the project outcomes of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			pool, _, _, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			repo := postgres.New(pool)

			if len(args) == 1 {
				outcomes, err := repo.ListProjectOutcomes(ctx, args[0])
				if err != nil {
					return err
				}
				return printOutcomes(cmd.OutOrStdout(), outcomes)
			}
			runs, err := repo.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func printRuns(w io.Writer, runs []domain.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTAG\tPROJECTS\tCOMPLETED\tCOMPONENTS\tSTARTED\tOUTPUT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.Status, r.Tag, r.Projects, r.Completed, r.Components,
			r.StartedAt.Format(time.RFC3339), r.OutputPath)
	}
	return tw.Flush()
}

func printOutcomes(w io.Writer, outcomes []domain.ProjectOutcome) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tSTATE\tPOLLS\tPROGRESS\tCOMPONENTS\tDURATION\tERROR")
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s:%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			o.Name, o.Branch, o.State, o.Polls, o.Progress, o.Components,
			o.Duration.Round(time.Second), o.Error)
	}
	return tw.Flush()
}

func newMigrateCmd() *cobra.Command {
	var (
		timeout time.Duration
		target  int64
	)
	cmd := &cobra.Command{
		Use:       "migrate [up|status|down]",
		Short:     "Manage the run history schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "status", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, dsn, log, err := connect(ctx)
			if err != nil {
				return err
			}
			runner, err := migrate.New(pool, dsn, log)
			if err != nil {
				pool.Close()
				return err
			}
			defer runner.Close()

			switch command {
			case "up":
				err = runner.Ensure(ctx)
			case "status":
				err = runner.Status(ctx)
			case "down":
				err = runner.Down(ctx, target)
			}
			if err != nil {
				return err
			}
			log.Info("migration command completed", "command", command)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")
	cmd.Flags().Int64Var(&target, "target", 0, "target version for down (default: previous version)")
	return cmd
}
