package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/feedbridge/feedbridge/internal/breaker"
	"github.com/feedbridge/feedbridge/internal/retry"
)

// Scope selects which bearer token a call uses. The feed exposes two token
// scopes over distinct record subsets.
type Scope string

const (
	ScopeOpen       Scope = "open"
	ScopeRestricted Scope = "restricted"
)

// Record is a raw feed record. Identity and ordering fields are designated
// per resource by the caller.
type Record map[string]any

// Query describes one page fetch.
type Query struct {
	Filter  string
	OrderBy string
	Top     int
	Scope   Scope
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	OpenToken       string
	RestrictedToken string
	Timeout         time.Duration
	Window          WindowConfig
	Pacer           PacerConfig
	Breaker         breaker.Config
	Retry           *retry.Config
}

// Client fetches pages from the upstream feed. Every outbound call goes
// through the adaptive pacer, the sliding-window rate limiter and the circuit
// breaker, in that order, then retries per the retry config. One Client
// instance is shared by all pipelines of a sync run.
type Client struct {
	base     *url.URL
	httpc    *http.Client
	tokens   map[Scope]string
	window   *SlidingWindow
	pacer    *AdaptivePacer
	breaker  *breaker.CircuitBreaker
	retryCfg *retry.Config
}

// NewClient creates a feed client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid feed base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("feed base URL must be absolute: %q", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryCfg := opts.Retry
	if retryCfg == nil {
		retryCfg = retry.FeedDefaults()
	}
	return &Client{
		base:  base,
		httpc: &http.Client{Timeout: timeout},
		tokens: map[Scope]string{
			ScopeOpen:       opts.OpenToken,
			ScopeRestricted: opts.RestrictedToken,
		},
		window:   NewSlidingWindow(opts.Window),
		pacer:    NewAdaptivePacer(opts.Pacer),
		breaker:  breaker.New("feed", opts.Breaker),
		retryCfg: retryCfg,
	}, nil
}

// Pacer exposes the adaptive delay controller, mainly for tests and metrics.
func (c *Client) Pacer() *AdaptivePacer { return c.pacer }

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *breaker.CircuitBreaker { return c.breaker }

// FetchPage fetches one ordered page of records for a resource.
func (c *Client) FetchPage(ctx context.Context, resource string, q Query) ([]Record, error) {
	params := url.Values{}
	if q.Filter != "" {
		params.Set("$filter", q.Filter)
	}
	if q.OrderBy != "" {
		params.Set("$orderby", q.OrderBy)
	}
	if q.Top > 0 {
		params.Set("$top", strconv.Itoa(q.Top))
	}

	var page struct {
		Value []Record `json:"value"`
	}
	if err := c.call(ctx, resource, params, q.Scope, "fetch_page", &page); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"component": "feed",
		"resource":  resource,
		"scope":     string(q.Scope),
		"count":     len(page.Value),
	}).Debug("Fetched feed page")
	return page.Value, nil
}

// Count returns the number of records matching a filter. Uses the $count
// endpoint so no record bodies cross the wire.
func (c *Client) Count(ctx context.Context, resource, filter string, scope Scope) (int, error) {
	params := url.Values{}
	if filter != "" {
		params.Set("$filter", filter)
	}
	params.Set("$count", "true")
	params.Set("$top", "0")

	var page struct {
		Count int `json:"@odata.count"`
	}
	if err := c.call(ctx, resource, params, scope, "count", &page); err != nil {
		return 0, err
	}
	return page.Count, nil
}

// call performs one guarded, retried GET and decodes the JSON response into
// out. The last status and body are preserved in the returned error when
// retries are exhausted.
func (c *Client) call(ctx context.Context, resource string, params url.Values, scope Scope, opName string, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(resource)
	u.RawQuery = params.Encode()

	token, ok := c.tokens[scope]
	if !ok || token == "" {
		return retry.Permanent(fmt.Errorf("no bearer token configured for scope %q", scope))
	}

	return retry.WithOperation(ctx, c.retryCfg, func() error {
		return c.attempt(ctx, u.String(), token, out)
	}, "feed "+opName+" "+resource)
}

// attempt performs a single HTTP attempt with pacing, window admission,
// breaker gating and outcome classification.
func (c *Client) attempt(ctx context.Context, rawURL, token string, out any) error {
	if d := c.pacer.Delay(); d > 0 {
		select {
		case <-ctx.Done():
			return retry.Permanent(ctx.Err())
		case <-time.After(d):
		}
	}
	if err := c.window.Wait(ctx); err != nil {
		return retry.Permanent(err)
	}
	if err := c.breaker.Allow(); err != nil {
		// Open circuit: short-circuit this attempt without a network call,
		// retryable once the recovery timeout admits probes.
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("building feed request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.pacer.RecordFailure()
		c.breaker.RecordFailure()
		return fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusOK {
		if readErr != nil {
			c.pacer.RecordFailure()
			c.breaker.RecordFailure()
			return fmt.Errorf("reading feed response: %w", readErr)
		}
		c.pacer.RecordSuccess(latency)
		c.breaker.RecordSuccess()
		if err := json.Unmarshal(body, out); err != nil {
			return retry.Permanent(fmt.Errorf("decoding feed response: %w", err))
		}
		return nil
	}

	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header, time.Now()),
	}

	switch {
	case statusErr.IsRateLimited():
		// The window bounded our own rate, so the upstream is telling us its
		// effective limit is lower. Raise the pacing floor accordingly.
		if statusErr.RetryAfter > 0 {
			c.pacer.Floor(statusErr.RetryAfter)
		} else {
			c.pacer.RecordFailure()
		}
		logrus.WithFields(logrus.Fields{
			"component":   "feed",
			"status":      resp.StatusCode,
			"retry_after": statusErr.RetryAfter,
			"delay":       c.pacer.Delay(),
		}).Warn("Feed rate limit hit, backing off")
		return statusErr
	case statusErr.IsAuth():
		return retry.Permanent(statusErr)
	case statusErr.IsBadRequest():
		return retry.Permanent(statusErr)
	default:
		c.pacer.RecordFailure()
		c.breaker.RecordFailure()
		return statusErr
	}
}
