package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"barsync/internal/model"
	"barsync/internal/provider"
)

// tencentBatchSize is how many symbols are comma-joined per quote
// request. The endpoint tolerates far more, but shorter requests keep
// individual failures cheap to retry.
const tencentBatchSize = 60

// IntradayRefresh runs at the session checkpoints. It pulls minute
// klines for the tracked instruments, then a single multi-symbol quote
// sweep that maintains each instrument's running daily bar and display
// name during the session.
type IntradayRefresh struct {
	Orch    *Orchestrator
	Minute  *provider.Client // minute klines for equities and indexes
	Sector  *provider.Client // minute klines for sector indexes
	Quotes  *provider.Client // realtime quote sweep
	Equity  []string         // equities plus exchange indexes
	Sectors []string
	TFs     []model.Timeframe
	Window  int
}

func (j *IntradayRefresh) Name() string { return "intraday_refresh" }

func (j *IntradayRefresh) Run(ctx context.Context) error {
	started := time.Now()

	var (
		applied  int
		tripped  bool
		firstErr error
	)

	for _, tf := range j.TFs {
		if !tf.Intraday() {
			continue
		}
		rep := j.Minute.FetchBatch(ctx, j.Equity, tf, j.Window)
		tripped = tripped || rep.Tripped
		n, err := j.Orch.ingest(ctx, tf, rep.Records)
		applied += n
		if err != nil && firstErr == nil {
			firstErr = err
		}

		rep = j.Sector.FetchBatch(ctx, j.Sectors, tf, j.Window)
		tripped = tripped || rep.Tripped
		n, err = j.Orch.ingest(ctx, tf, rep.Records)
		applied += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, sweepTripped, err := j.quoteSweep(ctx)
	applied += n
	tripped = tripped || sweepTripped
	if err != nil && firstErr == nil {
		firstErr = err
	}

	status := model.JobCompleted
	if firstErr != nil || tripped {
		status = model.JobFailed
		if firstErr == nil {
			firstErr = fmt.Errorf("circuit breaker tripped")
		}
	}
	j.Orch.audit(ctx, j.Name(), status, applied, firstErr, started)
	return firstErr
}

// quoteSweep fetches realtime quotes in comma-joined batches and folds
// them into today's daily bars. Quote records carry display names, so
// this is also where names reach the store. The batches run through one
// shared FetchBatch so pacing, backoff memory and breaker accounting
// span the whole sweep; a failed batch below the breaker threshold
// loses only that batch's quotes and never fails the job.
func (j *IntradayRefresh) quoteSweep(ctx context.Context) (int, bool, error) {
	if j.Quotes == nil || len(j.Equity) == 0 {
		return 0, false, nil
	}
	var batches []string
	for lo := 0; lo < len(j.Equity); lo += tencentBatchSize {
		hi := lo + tencentBatchSize
		if hi > len(j.Equity) {
			hi = len(j.Equity)
		}
		batches = append(batches, strings.Join(j.Equity[lo:hi], ","))
	}
	rep := j.Quotes.FetchBatch(ctx, batches, model.TFDay, 0)

	// quote timestamps are second-resolution; collapse to the trade date
	// so the sweep maintains one daily bar per instrument
	recs := rep.Records
	for i := range recs {
		if len(recs[i].TradeTime) >= 8 {
			recs[i].TradeTime = recs[i].TradeTime[:8]
		}
	}
	n, err := j.Orch.ingest(ctx, model.TFDay, recs)
	return n, rep.Tripped, err
}
