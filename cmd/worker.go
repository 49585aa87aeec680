package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/progress"
)

func workerCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "worker",
		Short: "Execute queued audits until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pg, err := app.openPostgres(ctx)
			if err != nil {
				return err
			}
			logger := app.logger.Named("audit")
			coord, err := app.newCoordinator(ctx, pg, logger, progress.NewLog(logger))
			if err != nil {
				return err
			}
			w := audit.NewWorker(coord, audit.WorkerConfig{
				PollInterval: app.cfg.Worker.PollInterval,
				Runs:         app.cfg.Worker.Runs,
			})
			return w.Run(ctx)
		},
	}
	flags := c.Flags()
	flags.Duration("poll-interval", 0, "wait between polls of an empty queue")
	flags.Int("runs", 0, "runs executed at the same time")
	flags.Int("concurrency", 0, "concurrent fetches per run")
	flags.Bool("render", false, "render JavaScript-dependent pages with headless Chrome")
	flags.String("dsn", "", "Postgres DSN")
	return c
}
