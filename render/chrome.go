package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Render after Close.
var ErrClosed = errors.New("renderer closed")

// ChromeConfig configures a ChromeRenderer.
type ChromeConfig struct {
	// Concurrency is the number of tabs rendering at once. Each tab costs
	// far more memory than a fetch, so keep it well below fetch concurrency.
	Concurrency int
	// Timeout bounds one render, navigation through DOM capture.
	Timeout time.Duration
	// Settle is an extra wait after the DOM is ready, for late XHR content.
	Settle time.Duration
	// WaitSelector is awaited before capture; "body" when empty.
	WaitSelector string
	UserAgent    string
	// ExecPath overrides browser discovery.
	ExecPath string
	// DisableHeadless shows the browser window, for debugging.
	DisableHeadless bool
}

// DefaultChromeConfig returns 2 tabs, a 20s timeout and a 500ms settle.
func DefaultChromeConfig() ChromeConfig {
	return ChromeConfig{
		Concurrency: 2,
		Timeout:     20 * time.Second,
		Settle:      500 * time.Millisecond,
	}
}

// ChromeRenderer renders pages in one shared headless Chrome. The browser is
// started on first use and every Render opens its own tab.
type ChromeRenderer struct {
	cfg    ChromeConfig
	sem    *semaphore.Weighted
	logger *zap.Logger

	startOnce     sync.Once
	startErr      error
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewChromeRenderer creates a renderer. No browser is launched until the
// first Render.
func NewChromeRenderer(cfg ChromeConfig, logger *zap.Logger) *ChromeRenderer {
	def := DefaultChromeConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeRenderer{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: logger,
	}
}

func (c *ChromeRenderer) start() error {
	c.startOnce.Do(func() {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.DisableGPU,
			chromedp.Flag("blink-settings", "imagesEnabled=false"),
		)
		if c.cfg.DisableHeadless {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		if c.cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(c.cfg.UserAgent))
		}
		if c.cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
		}

		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
		browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

		// an empty Run launches the browser
		if err := chromedp.Run(browserCtx); err != nil {
			cancelBrowser()
			cancelAlloc()
			c.startErr = fmt.Errorf("start browser: %w", err)
			return
		}
		c.browserCtx = browserCtx
		c.cancelBrowser = cancelBrowser
		c.cancelAlloc = cancelAlloc
		c.logger.Info("headless browser started", zap.Int("tabs", c.cfg.Concurrency))
	})
	return c.startErr
}

// Render loads url in a new tab and returns the serialized DOM. Errors are
// *Error.
func (c *ChromeRenderer) Render(ctx context.Context, url string) (Result, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Result{}, &Error{URL: url, Err: ErrClosed}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Result{}, &Error{URL: url, Err: err}
	}
	defer c.sem.Release(1)

	if err := c.start(); err != nil {
		return Result{}, &Error{URL: url, Err: err}
	}

	tabCtx, cancelTab := chromedp.NewContext(c.browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.cfg.Timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady(c.cfg.WaitSelector, chromedp.ByQuery),
	}
	if c.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(c.cfg.Settle))
	}
	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	start := time.Now()
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return Result{}, &Error{URL: url, Err: err}
	}
	return Result{HTML: html, Elapsed: time.Since(start)}, nil
}

// Close shuts the browser down. Safe to call more than once.
func (c *ChromeRenderer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancelBrowser != nil {
		c.cancelBrowser()
		c.cancelAlloc()
	}
	return nil
}
