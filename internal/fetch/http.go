package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"cdecimport/internal/importer"
	logx "cdecimport/pkg/logx"
)

const (
	DefaultAttempts = 10
	DefaultTimeout  = 60 * time.Second

	maxBodyBytes      = 256 << 20
	warnThrottleEvery = 5 * time.Second
)

var (
	ErrNoURL  = errors.New("no request URL")
	ErrNoData = errors.New("no data found: source returned an HTML page")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Config controls the HTTP fetcher.
type Config struct {
	// Attempts is the number of requests tried within one Fetch call.
	Attempts int
	Timeout  time.Duration
	Backoff  Backoff

	// RatePerSec paces requests across all jobs. 0 disables pacing.
	RatePerSec float64
	Burst      int

	InsecureSkipVerify bool
	UserAgent          string
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = "cdecimport/1"
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// HTTPFetcher is the default importer.Fetcher. It GETs ParamURL and stores the
// body under ParamPayload.
//
// Transport errors and 5xx responses are retried in place up to Attempts
// times. 429 is handed back to the scheduler as importer.RetryLater; other
// 4xx responses fail at once.
type HTTPFetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	warns   *rate.Limiter
	log     logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*HTTPFetcher)

// WithClient replaces the HTTP client built from Config.
func WithClient(c *http.Client) Option {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *HTTPFetcher {
	cfg = cfg.withDefaults()

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for hosts with broken chains
	}

	f := &HTTPFetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: tr},
		warns:  rate.NewLimiter(rate.Every(warnThrottleEvery), 3),
		log:    log.With(logx.String("comp", "fetch")),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.RatePerSec > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *HTTPFetcher) Config() Config { return f.cfg }

// Fetch implements importer.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, args *importer.Args) error {
	url := args.String(importer.ParamURL)
	if url == "" {
		return importer.NoRetry(ErrNoURL)
	}
	body, ctype, err := f.Get(ctx, url)
	if err != nil {
		return err
	}
	args.Set(importer.ParamPayload, body)
	args.Set(importer.ParamContentType, ctype)
	return nil
}

// Get performs the attempt loop for one URL.
func (f *HTTPFetcher) Get(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.Attempts; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, "", err
			}
		}

		start := time.Now()
		body, ctype, err := f.once(ctx, url)
		if err == nil {
			if isHTML(body) {
				return nil, "", importer.NoRetry(ErrNoData)
			}
			f.log.Debug("fetched",
				logx.String("url", url),
				logx.String("size", humanize.Bytes(uint64(len(body)))),
				logx.Duration("dur", time.Since(start)),
				logx.Int("attempt", attempt),
			)
			return body, ctype, nil
		}

		lastErr = err
		if importer.IsNoRetry(err) || importer.IsRetryLater(err) || ctx.Err() != nil {
			return nil, "", err
		}
		if attempt == f.cfg.Attempts {
			break
		}

		delay := f.delay(attempt)
		if f.warns.Allow() {
			f.log.Warn("fetch attempt failed",
				logx.String("url", url),
				logx.Int("attempt", attempt),
				logx.Duration("retry_in", delay),
				logx.Err(err),
			)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, "", ctx.Err()
		case <-t.C:
		}
	}
	return nil, "", fmt.Errorf("giving up after %d attempts: %w", f.cfg.Attempts, lastErr)
}

func (f *HTTPFetcher) once(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", importer.NoRetry(err)
	}
	req.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.5")
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, "", fmt.Errorf("read body: %w", err)
		}
		return body, resp.Header.Get("Content-Type"), nil
	case code == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, "", importer.RetryLater(&StatusError{Code: code, URL: url}, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case code >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, "", &StatusError{Code: code, URL: url}
	default:
		return nil, "", importer.NoRetry(&StatusError{Code: code, URL: url})
	}
}

func (f *HTTPFetcher) delay(attempt int) time.Duration {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.cfg.Backoff.Delay(attempt, 0, f.rng)
}

func isHTML(body []byte) bool {
	b := bytes.TrimSpace(body)
	return len(b) >= 9 && bytes.EqualFold(b[:9], []byte("<!DOCTYPE"))
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
