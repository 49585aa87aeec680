package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/progress"
	"github.com/lukemcguire/siteaudit/report"
)

type statusOptions struct {
	json  bool
	watch bool
}

func statusCommand() *cobra.Command {
	var opts statusOptions
	c := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state and progress of a run",
		Long: `Status prints a run as stored in the database. When Redis is configured it
also shows the latest progress published by the worker; --watch follows the
progress until the run ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args[0], opts)
		},
	}
	flags := c.Flags()
	flags.BoolVar(&opts.json, "json", false, "print the run as JSON")
	flags.BoolVarP(&opts.watch, "watch", "w", false, "follow published progress until the run ends (requires redis.addr)")
	flags.String("dsn", "", "Postgres DSN")
	return c
}

func runStatus(cmd *cobra.Command, runID string, opts statusOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	w := cmd.OutOrStdout()

	pg, err := app.openPostgres(ctx)
	if err != nil {
		return err
	}
	run, err := pg.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	rp, err := app.redisProgress(ctx)
	if err != nil {
		return err
	}
	if opts.watch && rp == nil {
		return errors.New("--watch needs redis.addr to be set")
	}

	var latest *progress.Update
	if rp != nil {
		u, err := rp.Latest(ctx, runID)
		switch {
		case err == nil:
			latest = &u
		case errors.Is(err, progress.ErrNoProgress):
		default:
			app.logger.Warn("read progress", zap.String("run_id", runID), zap.Error(err))
		}
	}

	if opts.json {
		return report.WriteJSON(w, struct {
			Run      *model.AuditRun  `json:"run"`
			Progress *progress.Update `json:"progress,omitempty"`
		}{run, latest})
	}
	report.PrintRun(w, run, latest)

	if !opts.watch || run.Status.IsTerminal() {
		return nil
	}
	return watch(ctx, rp, runID, w)
}

// watch prints the progress of runID as it is published, until the run
// reaches a terminal state or ctx ends.
func watch(ctx context.Context, rp *progress.Redis, runID string, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := rp.Subscribe(ctx, func(u progress.Update) {
		if u.RunID != runID {
			return
		}
		_, _ = fmt.Fprintf(w, "%5.1f%%  %d pages  %d issues  %d fetch errors  %s\n",
			u.Percent, u.PagesCrawled, u.IssuesFound, u.FetchErrors, u.URL)
		if u.Done() {
			_, _ = fmt.Fprintf(w, "Run %s %s\n", runID, u.Status)
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
