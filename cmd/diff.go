package cmd

import (
	"github.com/spf13/cobra"

	"github.com/lukemcguire/siteaudit/diff"
	"github.com/lukemcguire/siteaudit/report"
)

func diffCommand() *cobra.Command {
	var (
		asJSON bool
		opts   diff.Options
	)
	c := &cobra.Command{
		Use:   "diff <run-a> <run-b>",
		Short: "Compare the results of two finished runs",
		Long: `Diff lists the issues that are new in run B, fixed since run A and unchanged,
and the pages added, removed or changed between the runs.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pg, err := app.openPostgres(ctx)
			if err != nil {
				return err
			}
			res, err := diff.Runs(ctx, pg, args[0], args[1], opts)
			if err != nil {
				return err
			}
			if asJSON {
				return report.WriteJSON(cmd.OutOrStdout(), res)
			}
			report.PrintDiff(cmd.OutOrStdout(), res)
			return nil
		},
	}
	flags := c.Flags()
	flags.BoolVar(&asJSON, "json", false, "print the diff as JSON")
	flags.IntVar(&opts.WordCountDelta, "word-delta", 0, "word count change above which a page counts as changed")
	flags.IntVar(&opts.LinkCountDelta, "link-delta", 0, "outbound link change above which a page counts as changed")
	flags.String("dsn", "", "Postgres DSN")
	return c
}
