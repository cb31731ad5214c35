// Package publish pushes freshly upserted bars onto Redis streams for
// downstream consumers (dashboards, report generators). Publishing is
// best-effort: a Redis outage degrades consumers, never a job.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"barsync/internal/metrics"
	"barsync/internal/model"
)

// Stream retention per identity; consumers needing deeper history read
// the store.
const maxStreamLen = 512

// Publisher writes bars to per-identity Redis streams.
type Publisher struct {
	rdb *goredis.Client
	log *slog.Logger
	mx  *metrics.Metrics
}

// New connects to Redis and verifies the connection. mx may be nil.
func New(ctx context.Context, addr, password string, db int, log *slog.Logger, mx *metrics.Metrics) (*Publisher, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis publisher connected", "addr", addr)
	return &Publisher{rdb: rdb, log: log.With("component", "publish"), mx: mx}, nil
}

// PublishBars appends each bar to its stream. Errors are counted and
// logged, never returned as failures to the caller's job.
func (p *Publisher) PublishBars(ctx context.Context, bars []model.Bar) {
	if len(bars) == 0 {
		return
	}
	pipe := p.rdb.Pipeline()
	for i := range bars {
		b := &bars[i]
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: b.StreamKey(),
			MaxLen: maxStreamLen,
			Approx: true,
			Values: map[string]interface{}{"bar": string(b.JSON())},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		if p.mx != nil {
			p.mx.PublishErrors.Inc()
		}
		p.log.Warn("publish failed", "bars", len(bars), "err", err)
	}
}

// Ping checks connectivity for health reporting.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
