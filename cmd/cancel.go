package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func cancelCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Ask the worker executing a run to stop it",
		Long: `Cancel flags a queued or running run. A queued run is never started; a
running one stops at the worker's next cancellation poll and ends failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pg, err := app.openPostgres(ctx)
			if err != nil {
				return err
			}
			if err := pg.RequestCancel(ctx, args[0]); err != nil {
				return fmt.Errorf("cancel run %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for run %s\n", args[0])
			return err
		},
	}
	c.Flags().String("dsn", "", "Postgres DSN")
	return c
}
