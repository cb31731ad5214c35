package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"barsync/internal/metrics"
	"barsync/internal/model"
)

// HTTP statuses classified as rate-limit signals. 456 is the status one
// upstream returns for throttled IPs instead of 429.
func isRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusForbidden || code == 456
}

// Config tunes one Client. Zero fields fall back to defaults (MinGap to
// the parser's DefaultGap).
type Config struct {
	MinGap           time.Duration // minimum inter-request gap
	BackoffBase      time.Duration // first backoff sleep after a rate-limit signal
	BackoffCap       time.Duration // backoff ceiling
	BreakerThreshold int           // consecutive failures before FetchBatch aborts
	Timeout          time.Duration // per-request timeout
}

func (c Config) withDefaults(p Parser) Config {
	if c.MinGap <= 0 {
		c.MinGap = p.DefaultGap()
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Client is a resilient fetcher for one upstream. A Client carries no
// mutable fetch state between calls; everything transient lives in a
// per-call runState, so one Client is safe for concurrent use as long
// as each goroutine runs its own batch.
type Client struct {
	parser Parser
	cfg    Config
	http   *http.Client
	log    *slog.Logger
	mx     *metrics.Metrics
}

// NewClient creates a Client for the given upstream parser. mx may be nil.
func NewClient(p Parser, cfg Config, log *slog.Logger, mx *metrics.Metrics) *Client {
	cfg = cfg.withDefaults(p)
	return &Client{
		parser: p,
		cfg:    cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.With("provider", p.Name()),
		mx:  mx,
	}
}

// Parser returns the client's wire-format strategy.
func (c *Client) Parser() Parser { return c.parser }

// runState is the ephemeral per-batch provider state. Created at batch
// start, discarded at batch end.
type runState struct {
	failures    int
	rateLimited bool
	lastRequest time.Time
}

// BatchReport is the outcome of one FetchBatch call. Skipped symbols
// were never attempted because the breaker tripped; that distinguishes
// partial completion from total failure.
type BatchReport struct {
	Records []Record
	Fetched []string
	Failed  []string
	Skipped []string
	Tripped bool
}

// Fetch retrieves raw records for one symbol. Returns ErrNoData when
// the upstream has nothing for the symbol.
func (c *Client) Fetch(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]Record, error) {
	st := &runState{}
	return c.fetchOne(ctx, st, symbol, tf, limit)
}

// FetchBatch retrieves records for many symbols with per-symbol pacing.
// It aborts once consecutive failures reach the breaker threshold and
// reports the unattempted remainder as skipped.
func (c *Client) FetchBatch(ctx context.Context, symbols []string, tf model.Timeframe, limit int) *BatchReport {
	st := &runState{}
	rep := &BatchReport{}

	for i, sym := range symbols {
		if st.failures >= c.cfg.BreakerThreshold {
			rep.Tripped = true
			rep.Skipped = append(rep.Skipped, symbols[i:]...)
			if c.mx != nil {
				c.mx.BreakerTrips.Inc()
			}
			c.log.Warn("circuit breaker tripped",
				"consecutive_failures", st.failures,
				"skipped", len(rep.Skipped))
			break
		}
		if ctx.Err() != nil {
			rep.Skipped = append(rep.Skipped, symbols[i:]...)
			break
		}

		recs, err := c.fetchOne(ctx, st, sym, tf, limit)
		switch {
		case err == nil:
			rep.Fetched = append(rep.Fetched, sym)
			rep.Records = append(rep.Records, recs...)
		case errors.Is(err, ErrNoData):
			rep.Fetched = append(rep.Fetched, sym)
		default:
			rep.Failed = append(rep.Failed, sym)
			c.log.Warn("fetch failed", "symbol", sym, "timeframe", string(tf), "err", err)
		}
	}
	return rep
}

// fetchOne paces, requests, classifies the outcome, and applies backoff.
// Failure is reflected in st and the returned error; the capped
// exponential backoff sleep happens here so callers react uniformly
// regardless of cause.
func (c *Client) fetchOne(ctx context.Context, st *runState, symbol string, tf model.Timeframe, limit int) ([]Record, error) {
	if err := c.pace(ctx, st); err != nil {
		return nil, err
	}
	st.lastRequest = time.Now()

	recs, err := c.request(ctx, symbol, tf, limit)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			// valid empty response; resets the run like a success
			st.failures = 0
			st.rateLimited = false
			c.count("no_data")
			return nil, err
		}
		st.failures++
		if errors.Is(err, ErrRateLimited) {
			st.rateLimited = true
			c.count("rate_limited")
			c.backoff(ctx, st.failures)
		} else {
			c.count("error")
		}
		return nil, err
	}

	st.failures = 0
	st.rateLimited = false
	c.count("ok")
	return recs, nil
}

func (c *Client) request(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]Record, error) {
	u, err := c.parser.URL(symbol, tf, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: build url: %w", c.parser.Name(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.parser.Name(), err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	for k, v := range c.parser.Headers() {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.parser.Name(), err)
	}
	defer resp.Body.Close()
	if c.mx != nil {
		c.mx.FetchDur.Observe(time.Since(start).Seconds())
	}

	if isRateLimitStatus(resp.StatusCode) {
		return nil, fmt.Errorf("%s: status %d: %w", c.parser.Name(), resp.StatusCode, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", c.parser.Name(), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", c.parser.Name(), err)
	}

	return c.parser.Parse(body, symbol, tf)
}

// pace sleeps enough to keep the inter-request gap at or above MinGap.
func (c *Client) pace(ctx context.Context, st *runState) error {
	if st.lastRequest.IsZero() {
		return nil
	}
	wait := c.cfg.MinGap - time.Since(st.lastRequest)
	if wait <= 0 {
		return nil
	}
	return sleepCtx(ctx, wait)
}

// backoff sleeps min(base * 2^(failures-1), cap) after a rate-limit signal.
func (c *Client) backoff(ctx context.Context, failures int) {
	d := c.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.cfg.BackoffCap {
			d = c.cfg.BackoffCap
			break
		}
	}
	if c.mx != nil {
		c.mx.RateLimitBackoff.Inc()
	}
	c.log.Info("rate limited, backing off", "sleep", d.String(), "consecutive_failures", failures)
	sleepCtx(ctx, d)
}

func (c *Client) count(outcome string) {
	if c.mx != nil {
		c.mx.FetchTotal.WithLabelValues(c.parser.Name(), outcome).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
