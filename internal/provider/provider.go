// Package provider implements resilient HTTP acquisition of raw bar
// records from the upstream quote sources.
//
// One Client owns the retry, pacing, backoff and circuit-breaker logic;
// concrete upstreams differ only in how they build request URLs and
// parse response bodies, expressed as Parser implementations. Per-batch
// run state (consecutive failures, rate-limited flag, last request
// time) lives for exactly one Fetch/FetchBatch call and is never
// persisted.
package provider

import (
	"errors"
	"time"

	"barsync/internal/model"
)

// Sentinel errors. Classification drives the backoff and breaker logic:
// ErrRateLimited and generic failures both count against the shared
// consecutive-failure counter, but only rate-limit signals trigger the
// exponential backoff sleep. ErrNoData is a valid empty response, not a
// failure.
var (
	ErrNoData      = errors.New("provider: no data")
	ErrRateLimited = errors.New("provider: rate limited")
)

// Record is one raw upstream bar after wire parsing and before
// canonicalization. Code and TradeTime are kept exactly as received;
// the orchestrator normalizes them and decides per record whether a
// FormatError drops the record or not.
type Record struct {
	Code      string
	Name      string
	TradeTime string

	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Amount float64
}

// Parser is the pluggable wire-format strategy for one upstream.
type Parser interface {
	// Name identifies the upstream in logs and metrics.
	Name() string

	// URL builds the request URL for one symbol at the given
	// timeframe and record limit. The symbol is a canonical ticker
	// (some upstreams accept several comma-joined).
	URL(symbol string, tf model.Timeframe, limit int) (string, error)

	// Headers returns extra request headers the upstream requires.
	Headers() map[string]string

	// Parse decodes a response body into raw records. It returns
	// ErrRateLimited when the payload itself carries a throttle
	// marker, and ErrNoData for a well-formed empty response.
	Parse(body []byte, symbol string, tf model.Timeframe) ([]Record, error)

	// DefaultGap is the minimum inter-request gap when the config
	// does not specify one. Minute-bar upstreams throttle much harder
	// than daily-bar upstreams.
	DefaultGap() time.Duration
}
