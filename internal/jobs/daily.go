package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"barsync/internal/model"
	"barsync/internal/provider"
)

// DailyRefresh pulls the daily kline window for every configured
// instrument after the close and rewrites each series with fresh
// indicator values. Symbols are sharded across Fanout workers; each
// worker runs its own paced batch so the shards throttle independently.
type DailyRefresh struct {
	Orch    *Orchestrator
	Client  *provider.Client
	Symbols []string
	Window  int
	Fanout  int
}

func (j *DailyRefresh) Name() string { return "daily_refresh" }

func (j *DailyRefresh) Run(ctx context.Context) error {
	started := time.Now()

	symbols := j.Symbols
	if len(symbols) == 0 {
		j.Orch.audit(ctx, j.Name(), model.JobSkipped, 0, nil, started)
		return nil
	}

	shards := partition(symbols, j.Fanout)
	reports := make([]*provider.BatchReport, len(shards))
	var wg sync.WaitGroup
	for i, shard := range shards {
		wg.Add(1)
		go func(i int, shard []string) {
			defer wg.Done()
			reports[i] = j.Client.FetchBatch(ctx, shard, model.TFDay, j.Window)
		}(i, shard)
	}
	wg.Wait()

	var (
		recs    []provider.Record
		failed  int
		skipped int
		tripped bool
	)
	for _, rep := range reports {
		recs = append(recs, rep.Records...)
		failed += len(rep.Failed)
		skipped += len(rep.Skipped)
		tripped = tripped || rep.Tripped
	}

	applied, err := j.Orch.ingest(ctx, model.TFDay, recs)
	status := model.JobCompleted
	switch {
	case err != nil:
		status = model.JobFailed
	case tripped:
		status = model.JobFailed
		err = fmt.Errorf("circuit breaker tripped: %d failed, %d skipped", failed, skipped)
	case len(recs) == 0:
		// a quiet upstream is not a failure; sub-threshold fetch
		// errors surface through metrics, escalation needs the breaker
		status = model.JobSkipped
	}
	j.Orch.audit(ctx, j.Name(), status, applied, err, started)
	return err
}
