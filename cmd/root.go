// Package cmd implements the siteaudit command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lukemcguire/siteaudit/config"
	"github.com/lukemcguire/siteaudit/logging"
)

// ErrRunFailed is returned when an audit ran but ended failed. The summary
// has already been printed, so callers only need the exit status.
var ErrRunFailed = errors.New("audit run failed")

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// v holds the layered configuration for the executing command.
	v = viper.New()

	// app is built before any subcommand runs.
	app *deps

	rootCmd = &cobra.Command{
		Use:   "siteaudit",
		Short: "Crawl a site and audit it for SEO problems",
		Long: `siteaudit crawls a website, renders pages that need JavaScript,
checks every page against a set of SEO rules and stores the issues it finds.
Runs can be executed directly, or queued for a worker.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command.
func Execute(ctx context.Context) error {
	defer func() {
		if app != nil {
			app.close()
			_ = app.logger.Sync()
		}
	}()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./siteaudit.yaml or ./config/siteaudit.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(
		auditCommand(),
		requestCommand(),
		workerCommand(),
		statusCommand(),
		cancelCommand(),
		diffCommand(),
		migrateCommand(),
	)
}

// flagKeys maps command-line flags to configuration keys. A flag only
// overrides the configuration when it is set.
var flagKeys = map[string]string{
	"log-level":          "log.level",
	"metrics-addr":       "metrics.addr",
	"project":            "audit.project_id",
	"max-pages":          "audit.max_pages",
	"max-pages-rendered": "audit.max_pages_rendered",
	"follow-external":    "audit.follow_external",
	"respect-robots":     "audit.respect_robots",
	"user-agent":         "audit.user_agent",
	"concurrency":        "fetch.concurrency",
	"rate-limit":         "fetch.rate_limit",
	"timeout":            "fetch.timeout",
	"retries":            "fetch.retries",
	"render":             "render.enabled",
	"dsn":                "database.dsn",
	"poll-interval":      "worker.poll_interval",
	"runs":               "worker.runs",
}

// bindFlags binds the flags the executing command defines.
func bindFlags(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// setup loads the configuration and builds the shared dependencies.
func setup(cmd *cobra.Command, _ []string) error {
	if err := bindFlags(cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	app = newDeps(cfg, logger)
	logger.Debug("configuration loaded", zap.String("command", cmd.Name()), zap.String("config", v.ConfigFileUsed()))
	return nil
}
