// Package mtgjson downloads and decompresses MTGJSON data files.
package mtgjson

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ramonehamilton/mtgjson-loader/internal/metrics"
)

const (
	// DefaultBaseURL is the MTGJSON v5 API root.
	DefaultBaseURL = "https://mtgjson.com/api/v5/"

	rateLimitDelay = 250 * time.Millisecond
	requestTimeout = 30 * time.Minute
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 16 * time.Second
)

// ErrNotFound is returned when the server has no such file.
var ErrNotFound = errors.New("file not found")

// StatusError is a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request %s failed with status %d", e.URL, e.StatusCode)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	RateLimit  time.Duration // minimum spacing between requests
	Timeout    time.Duration
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Parallel   int // concurrent downloads
}

// DefaultOptions returns options for the public API.
func DefaultOptions() Options {
	return Options{
		BaseURL:    DefaultBaseURL,
		RateLimit:  rateLimitDelay,
		Timeout:    requestTimeout,
		MaxRetries: maxRetries,
		BaseDelay:  initialBackoff,
		MaxDelay:   maxBackoff,
		Parallel:   4,
	}
}

// Client is a rate-limited MTGJSON client.
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	userAgent   string
	opts        Options
	log         *zap.Logger
	metrics     *metrics.Collector
}

// NewClient creates a client. log and m may be nil.
func NewClient(opts Options, log *zap.Logger, m *metrics.Collector) *Client {
	defaults := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = defaults.BaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaults.MaxDelay
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Every(opts.RateLimit)
	}

	return &Client{
		httpClient:  &http.Client{Timeout: opts.Timeout},
		rateLimiter: rate.NewLimiter(limit, 1),
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/") + "/",
		userAgent:   "mtgjson-loader/1.0",
		opts:        opts,
		log:         log.Named("mtgjson"),
		metrics:     m,
	}
}

// URL returns the full URL of a file under the API root.
func (c *Client) URL(name string) string {
	return c.baseURL + name
}

// get performs a GET with rate limiting and retry and passes the body of
// the successful response to fn. Network errors, 429 and 5xx are retried,
// as are errors from fn unless wrapped with backoff.Permanent.
func (c *Client) get(ctx context.Context, url string, fn func(io.Reader) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BaseDelay
	b.MaxInterval = c.opts.MaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MaxRetries), ctx)

	op := func() error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter error: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			return fn(resp.Body)
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, url))
		}

		statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			statusErr.RetryAfter = time.Duration(secs) * time.Second
		}
		if !statusErr.retryable() {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn("Retrying download", zap.String("url", url), zap.Duration("wait", wait), zap.Error(err))

		// Honor a Retry-After longer than the backoff interval.
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > wait {
			select {
			case <-time.After(statusErr.RetryAfter - wait):
			case <-ctx.Done():
			}
		}
	}

	err := backoff.RetryNotify(op, policy, notify)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// Hash fetches the published sha256 for name. Hash files hold either the
// bare digest or "digest filename".
func (c *Client) Hash(ctx context.Context, name string) (string, error) {
	var digest string
	err := c.get(ctx, c.URL(name+".sha256"), func(r io.Reader) error {
		body, err := io.ReadAll(io.LimitReader(r, 1024))
		if err != nil {
			return fmt.Errorf("failed to read hash: %w", err)
		}
		fields := strings.Fields(string(body))
		if len(fields) == 0 {
			return backoff.Permanent(fmt.Errorf("empty hash file for %s", name))
		}
		digest = strings.ToLower(fields[0])
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to get hash for %s: %w", name, err)
	}
	return digest, nil
}
