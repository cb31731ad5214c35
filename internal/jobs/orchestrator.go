// Package jobs composes the pipeline: it resolves symbol lists,
// drives the fetch providers, re-normalizes identity and time fields,
// recomputes indicators, and writes through the store, with one audit
// record per job invocation.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"barsync/internal/canonical"
	"barsync/internal/indicator"
	"barsync/internal/metrics"
	"barsync/internal/model"
	"barsync/internal/notification"
	"barsync/internal/provider"
	"barsync/internal/publish"
	"barsync/internal/store/sqlite"
)

// Orchestrator holds the shared collaborators and the per-process run
// bookkeeping every job uses.
type Orchestrator struct {
	store  *sqlite.Store
	pub    *publish.Publisher // nil when publishing is disabled
	log    *slog.Logger
	mx     *metrics.Metrics
	notify notification.Notifier // nil disables failure alerts

	classes map[string]model.InstrumentClass

	mu        sync.Mutex
	lastJob   string
	lastJobAt time.Time
}

// New creates an Orchestrator. classes maps every known canonical code
// to its instrument class; pub and mx may be nil.
func New(store *sqlite.Store, pub *publish.Publisher, classes map[string]model.InstrumentClass, log *slog.Logger, mx *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:   store,
		pub:     pub,
		log:     log.With("component", "jobs"),
		mx:      mx,
		classes: classes,
	}
}

// WithNotifier enables failure alerts on job audits.
func (o *Orchestrator) WithNotifier(n notification.Notifier) *Orchestrator {
	o.notify = n
	return o
}

// LastJob reports the most recent finished job for health checks.
func (o *Orchestrator) LastJob() (string, time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastJob, o.lastJobAt
}

// classOf resolves a canonical code's instrument class; codes outside
// the configured universe default to equity.
func (o *Orchestrator) classOf(code string) model.InstrumentClass {
	if c, ok := o.classes[code]; ok {
		return c
	}
	return model.ClassEquity
}

// audit appends exactly one record for a finished job run.
func (o *Orchestrator) audit(ctx context.Context, jobType string, status model.JobStatus, count int, jobErr error, started time.Time) {
	errText := ""
	if jobErr != nil {
		errText = jobErr.Error()
	}
	a := model.JobAudit{
		JobType:     jobType,
		Status:      status,
		RecordCount: count,
		ErrorText:   errText,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if err := o.store.InsertAudit(ctx, a); err != nil {
		o.log.Error("audit write failed", "job", jobType, "err", err)
	}
	if o.mx != nil {
		o.mx.JobRuns.WithLabelValues(jobType, string(status)).Inc()
		o.mx.JobDur.WithLabelValues(jobType).Observe(a.CompletedAt.Sub(started).Seconds())
	}

	o.mu.Lock()
	o.lastJob = jobType
	o.lastJobAt = a.CompletedAt
	o.mu.Unlock()

	if status == model.JobFailed && o.notify != nil {
		o.notify.Send(ctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   jobType + " failed",
			Message: errText,
		})
	}

	o.log.Info("job finished",
		"job", jobType, "status", string(status),
		"records", count, "took", a.CompletedAt.Sub(started).Round(time.Millisecond).String())
}

// ingest converts raw records into canonical bars and writes them.
// Records are grouped per canonical code; a record whose identity or
// time field fails to normalize is dropped with a warning and never
// aborts the batch. Before writing, the fetched window is merged with
// the full stored history and MACD is recomputed over the entire
// ordered series, so indicator values are a function of complete
// history regardless of which job wrote them last. Returns the number
// of rows applied.
func (o *Orchestrator) ingest(ctx context.Context, tf model.Timeframe, recs []provider.Record) (int, error) {
	groups := make(map[string][]provider.Record)
	names := make(map[string]string)
	for _, r := range recs {
		code, err := canonical.NormalizeTicker(r.Code)
		if err != nil {
			o.dropRecord("ticker", r.Code, err)
			continue
		}
		groups[code] = append(groups[code], r)
		if r.Name != "" {
			names[code] = r.Name
		}
	}

	// deterministic write order across runs
	codes := make([]string, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	total := 0
	var firstErr error
	for _, code := range codes {
		if ctx.Err() != nil {
			break
		}
		n, err := o.ingestSeries(ctx, o.classOf(code), code, names[code], tf, groups[code])
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

// ingestSeries writes one (instrument, timeframe) series.
func (o *Orchestrator) ingestSeries(ctx context.Context, class model.InstrumentClass, code, name string, tf model.Timeframe, recs []provider.Record) (int, error) {
	fresh := make(map[string]model.Bar, len(recs))
	for _, r := range recs {
		var (
			tt  time.Time
			err error
		)
		if tf == model.TFDay {
			tt, err = canonical.ParseDate(r.TradeTime)
		} else {
			tt, err = canonical.ParseDateTime(r.TradeTime)
		}
		if err != nil {
			o.dropRecord("trade_time", r.TradeTime, err)
			continue
		}
		fresh[canonical.ISO(tt)] = model.Bar{
			Class:     class,
			Code:      code,
			Name:      name,
			Timeframe: tf,
			TradeTime: tt,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
			Amount:    r.Amount,
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	// merge the fetched window into the full stored history
	hist, err := o.store.AllBars(ctx, class, code, tf)
	if err != nil {
		return 0, err
	}
	merged := make(map[string]model.Bar, len(hist)+len(fresh))
	for _, b := range hist {
		merged[canonical.ISO(b.TradeTime)] = b
	}
	for k, b := range fresh {
		merged[k] = b
	}

	series := make([]model.Bar, 0, len(merged))
	for _, b := range merged {
		series = append(series, b)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].TradeTime.Before(series[j].TradeTime) })

	closes := make([]float64, len(series))
	for i := range series {
		closes[i] = series[i].Close
	}
	diff, dea, macdHist := indicator.MACDDefault(closes)
	for i := range series {
		series[i].Diff, series[i].DEA, series[i].Hist = diff[i], dea[i], macdHist[i]
	}

	applied, err := o.store.UpsertBars(ctx, series)
	if err != nil {
		var ce *sqlite.ChunkError
		if errors.As(err, &ce) {
			o.log.Error("upsert chunk failed",
				"code", code, "timeframe", string(tf),
				"chunk", ce.Chunk, "applied", applied, "err", ce.Err)
		}
		return applied, err
	}

	if o.pub != nil {
		// publish only the freshly fetched window, not the rewritten history
		out := make([]model.Bar, 0, len(fresh))
		for i := range series {
			if _, ok := fresh[canonical.ISO(series[i].TradeTime)]; ok {
				out = append(out, series[i])
			}
		}
		o.pub.PublishBars(ctx, out)
	}
	return applied, nil
}

func (o *Orchestrator) dropRecord(field, raw string, err error) {
	var fe *canonical.FormatError
	if errors.As(err, &fe) {
		o.log.Warn("record dropped", "field", field, "raw", raw)
	} else {
		o.log.Warn("record dropped", "field", field, "raw", raw, "err", err)
	}
	if o.mx != nil {
		o.mx.DroppedRecords.Inc()
	}
}

// partition splits symbols into at most n roughly equal shards.
func partition(symbols []string, n int) [][]string {
	if n < 1 {
		n = 1
	}
	if n > len(symbols) {
		n = len(symbols)
	}
	shards := make([][]string, n)
	for i, s := range symbols {
		shards[i%n] = append(shards[i%n], s)
	}
	return shards
}
