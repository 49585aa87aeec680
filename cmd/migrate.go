package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pg, err := app.openPostgres(ctx)
			if err != nil {
				return err
			}
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return err
		},
	}
	c.Flags().String("dsn", "", "Postgres DSN")
	return c
}
