// Package config loads siteaudit settings from a YAML file, SITEAUDIT_*
// environment variables (optionally from a .env file) and command flags,
// and converts them into the settings each component takes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lukemcguire/siteaudit/analyzer"
	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/crawler"
	"github.com/lukemcguire/siteaudit/logging"
	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/progress"
	"github.com/lukemcguire/siteaudit/render"
)

// EnvPrefix prefixes every environment variable: fetch.timeout is read from
// SITEAUDIT_FETCH_TIMEOUT.
const EnvPrefix = "SITEAUDIT"

// Config is the full siteaudit configuration.
type Config struct {
	Log      logging.Config `mapstructure:"log"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Render   RenderConfig   `mapstructure:"render"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// AuditConfig holds the defaults for newly requested runs.
type AuditConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	MaxPages         int    `mapstructure:"max_pages"`
	MaxPagesRendered int    `mapstructure:"max_pages_rendered"`
	FollowExternal   bool   `mapstructure:"follow_external"`
	RespectRobots    bool   `mapstructure:"respect_robots"`
	UserAgent        string `mapstructure:"user_agent"`
}

// FetchConfig tunes fetching and pacing.
type FetchConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRedirects  int           `mapstructure:"max_redirects"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
	RateLimit     float64       `mapstructure:"rate_limit"` // initial requests per second
	Adaptive      bool          `mapstructure:"adaptive"`
	TargetRTT     time.Duration `mapstructure:"target_rtt"`
	Retries       int           `mapstructure:"retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// RenderConfig tunes headless rendering.
type RenderConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Concurrency   int           `mapstructure:"concurrency"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Settle        time.Duration `mapstructure:"settle"`
	ExecPath      string        `mapstructure:"exec_path"`
	MinTextChars  int           `mapstructure:"min_text_chars"`
	ScriptRatio   float64       `mapstructure:"script_ratio"`
	MemoryLimitMB int64         `mapstructure:"memory_limit_mb"` // 0 disables the memory gate
}

// AnalyzerConfig holds the rule thresholds.
type AnalyzerConfig struct {
	TitleMin       int           `mapstructure:"title_min"`
	TitleMax       int           `mapstructure:"title_max"`
	DescriptionMin int           `mapstructure:"description_min"`
	DescriptionMax int           `mapstructure:"description_max"`
	MaxLinks       int           `mapstructure:"max_links"`
	MinWords       int           `mapstructure:"min_words"`
	SlowResponse   time.Duration `mapstructure:"slow_response"`
	TitleMatch     string        `mapstructure:"title_match"`
}

// DatabaseConfig selects the store. An empty DSN keeps results in memory.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig enables progress publishing when Addr is set.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Channel   string        `mapstructure:"channel"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// WorkerConfig tunes the queue worker.
type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Runs         int           `mapstructure:"runs"`
	CancelPoll   time.Duration `mapstructure:"cancel_poll"`
}

// SetDefaults registers the default of every key on v. Keys need a default
// for SITEAUDIT_* variables to be picked up.
func SetDefaults(v *viper.Viper) {
	fetch := crawler.DefaultFetcherConfig()
	chrome := render.DefaultChromeConfig()
	heuristic := render.DefaultHeuristic()
	thresholds := analyzer.DefaultThresholds()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", false)
	v.SetDefault("log.output_paths", []string{"stderr"})

	v.SetDefault("audit.project_id", "default")
	v.SetDefault("audit.max_pages", 500)
	v.SetDefault("audit.max_pages_rendered", 50)
	v.SetDefault("audit.follow_external", false)
	v.SetDefault("audit.respect_robots", true)
	v.SetDefault("audit.user_agent", fetch.UserAgent)

	v.SetDefault("fetch.concurrency", crawler.DefaultConfig().Concurrency)
	v.SetDefault("fetch.timeout", fetch.Timeout)
	v.SetDefault("fetch.max_redirects", fetch.MaxRedirects)
	v.SetDefault("fetch.max_body_bytes", fetch.MaxBodyBytes)
	v.SetDefault("fetch.rate_limit", fetch.Limiter.InitialRPS)
	v.SetDefault("fetch.adaptive", fetch.Limiter.Adaptive)
	v.SetDefault("fetch.target_rtt", fetch.Limiter.TargetRTT)
	v.SetDefault("fetch.retries", fetch.Retry.MaxRetries)
	v.SetDefault("fetch.retry_delay", fetch.Retry.BaseDelay)
	v.SetDefault("fetch.retry_max_delay", fetch.Retry.MaxDelay)

	v.SetDefault("render.enabled", false)
	v.SetDefault("render.concurrency", chrome.Concurrency)
	v.SetDefault("render.timeout", chrome.Timeout)
	v.SetDefault("render.settle", chrome.Settle)
	v.SetDefault("render.exec_path", "")
	v.SetDefault("render.min_text_chars", heuristic.MinTextChars)
	v.SetDefault("render.script_ratio", heuristic.ScriptRatio)
	v.SetDefault("render.memory_limit_mb", 0)

	v.SetDefault("analyzer.title_min", thresholds.TitleMin)
	v.SetDefault("analyzer.title_max", thresholds.TitleMax)
	v.SetDefault("analyzer.description_min", thresholds.DescriptionMin)
	v.SetDefault("analyzer.description_max", thresholds.DescriptionMax)
	v.SetDefault("analyzer.max_links", thresholds.MaxLinks)
	v.SetDefault("analyzer.min_words", thresholds.MinWords)
	v.SetDefault("analyzer.slow_response", thresholds.SlowResponse)
	v.SetDefault("analyzer.title_match", string(thresholds.TitleMatch))

	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", progress.DefaultKeyPrefix)
	v.SetDefault("redis.channel", progress.DefaultChannel)
	v.SetDefault("redis.ttl", progress.DefaultTTL)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.runs", 1)
	v.SetDefault("worker.cancel_poll", time.Second)
}

// Load reads the configuration into v and validates it. path names a config
// file; when empty, siteaudit.yaml is looked up in the working directory and
// ./config, and a missing file is not an error. A .env file in the working
// directory is loaded first if present.
func Load(v *viper.Viper, path string) (*Config, error) {
	_ = godotenv.Load()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("siteaudit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Encoding != "json" && c.Log.Encoding != "console" {
		errs = append(errs, fmt.Errorf("log.encoding must be json or console, got %q", c.Log.Encoding))
	}

	if c.Audit.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("audit.max_pages must be at least 1, got %d", c.Audit.MaxPages))
	}
	if c.Audit.MaxPagesRendered < 0 {
		errs = append(errs, fmt.Errorf("audit.max_pages_rendered must not be negative, got %d", c.Audit.MaxPagesRendered))
	}

	if c.Fetch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("fetch.concurrency must be at least 1, got %d", c.Fetch.Concurrency))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch.timeout must be positive, got %s", c.Fetch.Timeout))
	}
	if c.Fetch.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("fetch.rate_limit must be positive, got %g", c.Fetch.RateLimit))
	}
	if c.Fetch.Retries < 0 {
		errs = append(errs, fmt.Errorf("fetch.retries must not be negative, got %d", c.Fetch.Retries))
	}

	if c.Render.Enabled && c.Render.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("render.concurrency must be at least 1, got %d", c.Render.Concurrency))
	}
	if c.Render.MemoryLimitMB < 0 {
		errs = append(errs, fmt.Errorf("render.memory_limit_mb must not be negative, got %d", c.Render.MemoryLimitMB))
	}

	if _, err := c.Thresholds(); err != nil {
		errs = append(errs, fmt.Errorf("analyzer: %w", err))
	}

	if c.Worker.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.poll_interval must be positive, got %s", c.Worker.PollInterval))
	}
	if c.Worker.Runs < 1 {
		errs = append(errs, fmt.Errorf("worker.runs must be at least 1, got %d", c.Worker.Runs))
	}

	return errors.Join(errs...)
}

// RunConfig returns the configuration of a run auditing startURL.
func (c *Config) RunConfig(startURL string) model.RunConfig {
	return model.RunConfig{
		StartURL:         startURL,
		MaxPages:         c.Audit.MaxPages,
		MaxPagesRendered: c.Audit.MaxPagesRendered,
		FollowExternal:   c.Audit.FollowExternal,
		RespectRobots:    c.Audit.RespectRobots,
		UserAgent:        c.Audit.UserAgent,
	}
}

// FetcherConfig returns the fetcher settings.
func (c *Config) FetcherConfig() crawler.FetcherConfig {
	limiter := crawler.DefaultLimiterConfig()
	limiter.InitialRPS = c.Fetch.RateLimit
	limiter.MinRPS = min(limiter.MinRPS, c.Fetch.RateLimit)
	limiter.MaxRPS = max(limiter.MaxRPS, c.Fetch.RateLimit)
	limiter.Adaptive = c.Fetch.Adaptive
	if c.Fetch.TargetRTT > 0 {
		limiter.TargetRTT = c.Fetch.TargetRTT
	}
	return crawler.FetcherConfig{
		UserAgent:    c.Audit.UserAgent,
		Timeout:      c.Fetch.Timeout,
		MaxRedirects: c.Fetch.MaxRedirects,
		MaxBodyBytes: c.Fetch.MaxBodyBytes,
		Retry: crawler.RetryPolicy{
			MaxRetries: c.Fetch.Retries,
			BaseDelay:  c.Fetch.RetryDelay,
			MaxDelay:   c.Fetch.RetryMaxDelay,
		},
		Limiter: limiter,
	}
}

// Heuristic returns the settings deciding which pages are rendered.
func (c *Config) Heuristic() render.Heuristic {
	h := render.DefaultHeuristic()
	h.MinTextChars = c.Render.MinTextChars
	h.ScriptRatio = c.Render.ScriptRatio
	return h
}

// AuditConfig returns the coordinator settings.
func (c *Config) AuditConfig() audit.Config {
	return audit.Config{
		Concurrency: c.Fetch.Concurrency,
		Fetch:       c.FetcherConfig(),
		Heuristic:   c.Heuristic(),
		CancelPoll:  c.Worker.CancelPoll,
	}
}

// ChromeConfig returns the renderer settings.
func (c *Config) ChromeConfig() render.ChromeConfig {
	return render.ChromeConfig{
		Concurrency: c.Render.Concurrency,
		Timeout:     c.Render.Timeout,
		Settle:      c.Render.Settle,
		UserAgent:   c.Audit.UserAgent,
		ExecPath:    c.Render.ExecPath,
	}
}

// Thresholds returns the validated analyzer thresholds.
func (c *Config) Thresholds() (analyzer.Thresholds, error) {
	match, err := analyzer.ParseTitleMatch(c.Analyzer.TitleMatch)
	if err != nil {
		return analyzer.Thresholds{}, err
	}
	t := analyzer.Thresholds{
		TitleMin:       c.Analyzer.TitleMin,
		TitleMax:       c.Analyzer.TitleMax,
		DescriptionMin: c.Analyzer.DescriptionMin,
		DescriptionMax: c.Analyzer.DescriptionMax,
		MaxLinks:       c.Analyzer.MaxLinks,
		MinWords:       c.Analyzer.MinWords,
		SlowResponse:   c.Analyzer.SlowResponse,
		TitleMatch:     match,
	}
	if err := t.Validate(); err != nil {
		return analyzer.Thresholds{}, err
	}
	return t, nil
}

// ProgressConfig returns the Redis progress reporter settings.
func (c *Config) ProgressConfig() progress.RedisConfig {
	return progress.RedisConfig{
		KeyPrefix: c.Redis.KeyPrefix,
		Channel:   c.Redis.Channel,
		TTL:       c.Redis.TTL,
	}
}
