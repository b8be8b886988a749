package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

const (
	// breakerMaxFailures consecutive transport errors or 5xx responses
	// open a registry's breaker; probes resume after breakerProbeAfter.
	breakerMaxFailures = 5
	breakerProbeAfter  = 30 * time.Second
)

// Client issues registry HTTP requests under the shared rate budget.
// Every attempt acquires a limiter slot, so retries count against the
// registry's budget like any other request.
type Client struct {
	hc        *http.Client
	limiter   Limiter
	userAgent string

	initial    time.Duration
	maxWait    time.Duration
	maxElapsed time.Duration

	mu       sync.Mutex
	breakers map[string]*observability.CircuitBreaker
}

// NewClient constructs a Client from config. The User-Agent is mandatory:
// several registries reject anonymous clients outright.
func NewClient(cfg config.Config, limiter Limiter) *Client {
	initial, maxWait, maxElapsed := cfg.FetchBackoff()
	return &Client{
		hc: &http.Client{
			Timeout:   cfg.FetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:    limiter,
		userAgent:  cfg.ScraperUserAgent,
		initial:    initial,
		maxWait:    maxWait,
		maxElapsed: maxElapsed,
		breakers:   map[string]*observability.CircuitBreaker{},
	}
}

// breakerFor returns the registry's breaker, creating it on first use.
// A dead registry host fails fast here instead of burning its rate budget
// on doomed requests while the other registries keep scraping.
func (c *Client) breakerFor(registry string) *observability.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.breakers[registry]
	if !ok {
		br = observability.NewCircuitBreaker(registry, breakerMaxFailures, breakerProbeAfter)
		c.breakers[registry] = br
	}
	return br
}

// Get performs a rate-limited GET and returns the response body.
// 429 and 5xx responses and transport errors are retried with exponential
// backoff; other 4xx fail immediately. Timeouts surface as
// domain.ErrUpstreamTimeout, 429s as domain.ErrUpstreamRateLimit.
func (c *Client) Get(ctx domain.Context, registry, url string) ([]byte, error) {
	return c.do(ctx, registry, http.MethodGet, url, nil)
}

// Post performs a rate-limited POST with a JSON request body. Retry and
// error semantics match Get.
func (c *Client) Post(ctx domain.Context, registry, url string, payload []byte) ([]byte, error) {
	return c.do(ctx, registry, http.MethodPost, url, payload)
}

func (c *Client) do(ctx domain.Context, registry, method, url string, payload []byte) ([]byte, error) {
	var body []byte
	br := c.breakerFor(registry)
	op := func() error {
		// Breaker first: an open breaker fails the call outright instead
		// of consuming budget slots on retries; the job-level backoff
		// outlives the breaker's probe window.
		if err := br.Allow(); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err))
		}
		if err := c.limiter.Acquire(ctx, registry); err != nil {
			return backoff.Permanent(err)
		}
		// Recreate the request each attempt to avoid reusing consumed bodies.
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json, application/xml;q=0.9, */*;q=0.1")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			br.Record(err)
			observability.FetchRequestsTotal.WithLabelValues(registry, "error").Inc()
			if isTimeout(err) {
				return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		observability.FetchRequestsTotal.WithLabelValues(registry, strconv.Itoa(resp.StatusCode)).Inc()
		// Any response except a 5xx counts as a live upstream.
		br.Record(serverError(resp.StatusCode))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.limiter.Penalize(registry)
			wait := retryAfter(resp.Header.Get("Retry-After"), time.Now())
			slog.Warn("registry rate limited",
				slog.String("registry", registry),
				slog.Duration("retry_after", wait))
			if wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			slog.Warn("registry 4xx",
				slog.String("registry", registry),
				slog.Int("status", resp.StatusCode),
				slog.String("url", url),
				slog.String("body", readSnippet(resp.Body)))
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Warn("registry non-2xx",
				slog.String("registry", registry),
				slog.Int("status", resp.StatusCode),
				slog.String("url", url),
				slog.String("body", readSnippet(resp.Body)))
			return fmt.Errorf("status %d", resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initial
	expo.MaxInterval = c.maxWait
	expo.MaxElapsedTime = c.maxElapsed
	bo := backoff.WithContext(expo, ctx)

	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("op=fetch.%s registry=%s: %w", strings.ToLower(method), registry, err)
	}
	return body, nil
}

// GetJSON performs Get and decodes the body into out.
func (c *Client) GetJSON(ctx domain.Context, registry, url string, out any) error {
	body, err := c.Get(ctx, registry, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("op=fetch.get_json registry=%s: %w", registry, err)
	}
	return nil
}

// PostJSON marshals in, performs Post and decodes the body into out.
func (c *Client) PostJSON(ctx domain.Context, registry, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("op=fetch.post_json registry=%s: %w", registry, err)
	}
	body, err := c.Post(ctx, registry, url, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("op=fetch.post_json registry=%s: %w", registry, err)
	}
	return nil
}

// retryAfter parses a Retry-After header value, either delay seconds or an
// HTTP-date. Unparseable or past values yield zero.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// serverError turns a 5xx status into a breaker failure; everything else,
// including 4xx and 429, proves the upstream is alive.
func serverError(status int) error {
	if status >= 500 {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}
