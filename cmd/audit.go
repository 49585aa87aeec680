package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/progress"
	"github.com/lukemcguire/siteaudit/report"
	"github.com/lukemcguire/siteaudit/store"
	"github.com/lukemcguire/siteaudit/tui"
)

type auditOptions struct {
	noTUI  bool
	output string
	out    string
}

func auditCommand() *cobra.Command {
	var opts auditOptions
	c := &cobra.Command{
		Use:   "audit <url>",
		Short: "Crawl and audit a site in this process",
		Long: `Audit crawls the site at <url>, analyzes every page and prints a summary.
Results are kept in memory unless database.dsn is set. Use --output to export
the pages and issues of the run.`,
		Example: `  siteaudit audit https://example.com
  siteaudit audit --no-tui --max-pages 100 --output csv --out issues.csv https://example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, args[0], opts)
		},
	}

	flags := c.Flags()
	flags.BoolVar(&opts.noTUI, "no-tui", false, "log progress instead of showing the interactive display")
	flags.StringVarP(&opts.output, "output", "o", "", "export results as json, csv or xlsx")
	flags.StringVar(&opts.out, "out", "", "write the export to this file instead of stdout")
	addRunFlags(c)
	flags.Int("concurrency", 0, "number of concurrent fetches")
	flags.Float64("rate-limit", 0, "initial requests per second")
	flags.Duration("timeout", 0, "per-request timeout")
	flags.Int("retries", 0, "retries for transient fetch errors")
	flags.Bool("render", false, "render JavaScript-dependent pages with headless Chrome")
	flags.String("dsn", "", "Postgres DSN; results are kept in memory when empty")
	return c
}

// addRunFlags adds the flags describing a new run.
func addRunFlags(c *cobra.Command) {
	flags := c.Flags()
	flags.String("project", "", "project the run belongs to")
	flags.Int("max-pages", 0, "maximum number of pages to crawl")
	flags.Int("max-pages-rendered", 0, "maximum number of pages to render")
	flags.Bool("follow-external", false, "crawl pages on other hosts")
	flags.Bool("respect-robots", true, "obey robots.txt")
	flags.String("user-agent", "", "User-Agent header sent with every request")
}

func runAudit(cmd *cobra.Command, startURL string, opts auditOptions) error {
	var format report.Format
	if opts.output != "" {
		f, err := report.ParseFormat(opts.output)
		if err != nil {
			return err
		}
		format = f
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	run, err := st.CreateRun(ctx, app.cfg.Audit.ProjectID, app.cfg.RunConfig(startURL))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	w := cmd.OutOrStdout()
	var summary *audit.Summary
	var runErr error
	if opts.noTUI || !isTerminal(os.Stdout) {
		summary, runErr = auditPlain(ctx, st, run, w)
	} else {
		summary, runErr = auditTUI(ctx, st, run, w)
	}
	if summary == nil {
		return runErr
	}

	if format != "" {
		// Export what the run stored even when it was interrupted.
		if err := export(context.WithoutCancel(ctx), st, run.ID, format, opts.out, w); err != nil {
			return err
		}
	}
	if summary.Status != model.StatusCompleted {
		return ErrRunFailed
	}
	return nil
}

// auditPlain runs the audit with progress logged and prints the summary.
func auditPlain(ctx context.Context, st store.Store, run *model.AuditRun, w io.Writer) (*audit.Summary, error) {
	logger := app.logger.With(zap.String("run_id", run.ID))
	coord, err := app.newCoordinator(ctx, st, logger, progress.NewLog(logger))
	if err != nil {
		return nil, err
	}
	summary, err := coord.Run(ctx, run.ID)
	if summary != nil {
		report.PrintSummary(w, summary)
	}
	return summary, err
}

// auditTUI runs the audit behind the interactive display. The audit runs in
// its own goroutine; the display only waits for it, so quitting the display
// cancels the run and the command still collects its summary.
func auditTUI(ctx context.Context, st store.Store, run *model.AuditRun, w io.Writer) (*audit.Summary, error) {
	logger := app.logger
	if logsToTerminal(app.cfg.Log.OutputPaths) {
		logger = zap.NewNop()
	}

	updates := make(chan progress.Update, 64)
	coord, err := app.newCoordinator(ctx, st, logger, progress.NewChannel(updates))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		summary  *audit.Summary
		runErr   error
		finished = make(chan struct{})
	)
	go func() {
		defer close(finished)
		defer close(updates)
		summary, runErr = coord.Run(ctx, run.ID)
	}()
	wait := func(context.Context) (*audit.Summary, error) {
		<-finished
		return summary, runErr
	}

	program := tea.NewProgram(tui.NewModel(ctx, cancel, wait, updates))
	final, err := program.Run()
	cancel()
	for range updates {
	}
	<-finished
	if err != nil {
		return summary, fmt.Errorf("run display: %w", err)
	}

	// The display already shows the summary of a run it saw finish.
	if m, ok := final.(tui.Model); !ok || m.Summary() == nil {
		if summary != nil {
			report.PrintSummary(w, summary)
		}
	}
	return summary, runErr
}

// export writes the stored results of a run to path, or to w when path is
// empty.
func export(ctx context.Context, st store.Store, runID string, format report.Format, path string, w io.Writer) (err error) {
	rep, err := report.Load(ctx, st, runID)
	if err != nil {
		return err
	}
	if path == "" {
		return report.Write(w, format, rep)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
	}()
	if err := report.Write(f, format, rep); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	app.logger.Info("results exported", zap.String("run_id", runID), zap.String("path", path), zap.String("format", string(format)))
	return nil
}

// logsToTerminal reports whether any log output would draw over the display.
func logsToTerminal(paths []string) bool {
	return len(paths) == 0 || slices.Contains(paths, "stderr") || slices.Contains(paths, "stdout")
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
