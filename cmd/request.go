package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func requestCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "request <url>",
		Short: "Queue an audit for a worker",
		Long: `Request records a queued run in the database and prints its ID. A worker
picks it up; use status to follow it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pg, err := app.openPostgres(ctx)
			if err != nil {
				return err
			}
			run, err := pg.CreateRun(ctx, app.cfg.Audit.ProjectID, app.cfg.RunConfig(args[0]))
			if err != nil {
				return fmt.Errorf("request audit: %w", err)
			}
			app.logger.Info("audit requested",
				zap.String("run_id", run.ID),
				zap.String("project_id", run.ProjectID),
				zap.String("start_url", run.StartURL))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), run.ID)
			return err
		},
	}
	addRunFlags(c)
	c.Flags().String("dsn", "", "Postgres DSN")
	return c
}
