package crawler

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

// DefaultUserAgent identifies the auditor to the sites it crawls.
const DefaultUserAgent = "siteaudit/1.0 (+https://github.com/lukemcguire/siteaudit)"

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindConnection       ErrorKind = "connection"
	KindTLS              ErrorKind = "tls"
	KindTooManyRedirects ErrorKind = "too_many_redirects"
	KindDNS              ErrorKind = "dns"
	KindUnknown          ErrorKind = "unknown"
)

// FetchError is returned when a URL could not be retrieved.
//
// ServerSide is set when a connection to the server was established and the
// server then failed before sending a response (connection reset or closed).
// Everything else, including timeouts, is treated as a client or network
// failure that never produced a server answer.
type FetchError struct {
	URL        string
	Kind       ErrorKind
	ServerSide bool
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

var errTooManyRedirects = errors.New("too many redirects")

// Response is a fetched page.
type Response struct {
	URL         string // final URL after redirects
	StatusCode  int
	Header      http.Header
	Body        []byte // UTF-8 for HTML responses
	ContentType string
	Elapsed     time.Duration // final attempt, request start to body read
	Redirects   int
	Attempts    int
	Truncated   bool // body exceeded MaxBodyBytes
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	Retry        RetryPolicy
	Limiter      LimiterConfig
}

// DefaultFetcherConfig returns an 8s timeout, 10 redirects, a 10 MiB body cap
// and the default retry and pacing policies.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		UserAgent:    DefaultUserAgent,
		Timeout:      8 * time.Second,
		MaxRedirects: 10,
		MaxBodyBytes: 10 << 20,
		Retry:        DefaultRetryPolicy(),
		Limiter:      DefaultLimiterConfig(),
	}
}

// Fetcher retrieves pages over HTTP. It is safe for concurrent use; the
// caller decides how many fetches run at once.
type Fetcher struct {
	cfg     FetcherConfig
	client  *http.Client
	limiter *AdaptiveLimiter
	logger  *zap.Logger
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the underlying client. Its CheckRedirect is
// overwritten to enforce MaxRedirects.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = client }
}

// WithFetchLogger sets the logger.
func WithFetchLogger(logger *zap.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = logger }
}

// NewFetcher creates a Fetcher. Zero config fields take their defaults,
// except Retry: a zero policy means no retries.
func NewFetcher(cfg FetcherConfig, opts ...FetcherOption) *Fetcher {
	def := DefaultFetcherConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	f := &Fetcher{
		cfg:    cfg,
		client: &http.Client{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	maxRedirects := cfg.MaxRedirects
	client := *f.client
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return errTooManyRedirects
		}
		return nil
	}
	f.client = &client
	f.limiter = NewAdaptiveLimiter(cfg.Limiter)
	return f
}

// Client returns the HTTP client the fetcher uses, for auxiliary requests
// such as robots.txt that should share its transport.
func (f *Fetcher) Client() *http.Client {
	return f.client
}

// Limiter returns the fetcher's pacing limiter.
func (f *Fetcher) Limiter() *AdaptiveLimiter {
	return f.limiter
}

// UserAgent returns the configured user agent.
func (f *Fetcher) UserAgent() string {
	return f.cfg.UserAgent
}

// Fetch retrieves rawURL, retrying transient failures per the retry policy.
// An HTTP error status is not an error: the response is returned after
// retries are exhausted. Failures are *FetchError unless ctx itself ended,
// in which case ctx.Err() is returned.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	var (
		resp *Response
		ferr *FetchError
	)

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			var header http.Header
			if resp != nil {
				header = resp.Header
			}
			delay := f.cfg.Retry.delayFor(attempt-1, header)
			f.logger.Debug("retrying fetch",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		if err := f.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &FetchError{URL: rawURL, Kind: KindUnknown, Attempts: attempt, Err: err}
		}

		resp, ferr = f.fetchOnce(ctx, rawURL)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		final := attempt > f.cfg.Retry.MaxRetries
		if ferr != nil {
			ferr.Attempts = attempt
			if final || !shouldRetryKind(ferr.Kind) {
				return nil, ferr
			}
			continue
		}

		resp.Attempts = attempt
		f.limiter.ObserveRTT(resp.Elapsed)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			f.limiter.Penalize()
		}
		if final || !shouldRetryStatus(resp.StatusCode) {
			return resp, nil
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*Response, *FetchError) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Kind: KindUnknown, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	start := time.Now()
	httpResp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(rawURL, err)
	}

	body, truncated, readErr := readBody(httpResp.Body, f.cfg.MaxBodyBytes)
	closeErr := httpResp.Body.Close()
	elapsed := time.Since(start)
	if readErr != nil {
		return nil, classifyFetchError(rawURL, readErr)
	}
	if closeErr != nil {
		f.logger.Debug("close response body", zap.String("url", rawURL), zap.Error(closeErr))
	}

	contentType := httpResp.Header.Get("Content-Type")
	if isHTMLType(contentType) {
		body = decodeToUTF8(body, contentType)
	}

	return &Response{
		URL:         httpResp.Request.URL.String(),
		StatusCode:  httpResp.StatusCode,
		Header:      httpResp.Header,
		Body:        body,
		ContentType: contentType,
		Elapsed:     elapsed,
		Redirects:   redirectCount(httpResp),
		Truncated:   truncated,
	}, nil
}

func readBody(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}

// decodeToUTF8 converts body from the charset declared in the Content-Type
// header or the document itself. Undecodable input is returned unchanged.
func decodeToUTF8(body []byte, contentType string) []byte {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return body
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return body
	}
	return decoded
}

func redirectCount(resp *http.Response) int {
	n := 0
	for req := resp.Request; req != nil && req.Response != nil; req = req.Response.Request {
		n++
	}
	return n
}

func isHTMLType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "xhtml")
}

// classifyFetchError maps a transport error to a FetchError.
func classifyFetchError(rawURL string, err error) *FetchError {
	fe := &FetchError{URL: rawURL, Kind: KindUnknown, Err: err}

	var (
		dnsErr      *net.DNSError
		opErr       *net.OpError
		netErr      net.Error
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		alertErr    tls.AlertError
	)

	switch {
	case errors.Is(err, errTooManyRedirects):
		fe.Kind = KindTooManyRedirects
	case errors.As(err, &dnsErr):
		fe.Kind = KindDNS
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind = KindTimeout
	case errors.As(err, &verifyErr), errors.As(err, &unknownAuth), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordErr), errors.As(err, &alertErr):
		fe.Kind = KindTLS
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		fe.Kind = KindConnection
		fe.ServerSide = true
	case errors.As(err, &opErr):
		fe.Kind = KindConnection
		fe.ServerSide = opErr.Op != "dial"
	default:
		var urlErr *url.Error
		if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "server closed") {
			fe.Kind = KindConnection
			fe.ServerSide = true
		}
	}
	return fe
}
