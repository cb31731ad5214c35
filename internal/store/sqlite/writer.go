package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"barsync/internal/canonical"
	"barsync/internal/model"
)

// columns bound per bar row in the upsert statement
const barCols = 16

// ChunkError reports the failure of one upsert sub-batch. Sub-batches
// committed before it remain durably applied; Applied on the enclosing
// call tells the caller how many rows made it.
type ChunkError struct {
	Chunk int // zero-based sub-batch index
	Rows  int // rows in the failing sub-batch
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("sqlite: chunk %d (%d rows): %v", e.Chunk, e.Rows, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// UpsertBars writes a batch keyed on (class, code, timeframe,
// trade_time): new keys insert, existing keys overwrite OHLCV,
// indicator fields, display name and updated_at while created_at keeps
// its original value. Re-applying an identical batch changes nothing
// but updated_at.
//
// Bars must arrive pre-sorted ascending by trade time; sorting and
// indicator computation are the caller's concern. Batches exceeding the
// statement parameter limit are split transparently, one transaction
// per sub-batch. Returns the number of rows applied.
func (s *Store) UpsertBars(ctx context.Context, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	maxRows := s.maxParams / barCols
	applied := 0
	for chunk := 0; applied < len(bars); chunk++ {
		end := applied + maxRows
		if end > len(bars) {
			end = len(bars)
		}
		sub := bars[applied:end]
		start := time.Now()
		if err := s.upsertChunk(ctx, sub); err != nil {
			if s.mx != nil {
				s.mx.ChunkFailures.Inc()
			}
			return applied, &ChunkError{Chunk: chunk, Rows: len(sub), Err: err}
		}
		if s.mx != nil {
			s.mx.ChunkCommitDur.Observe(time.Since(start).Seconds())
			s.mx.BarsUpserted.Add(float64(len(sub)))
		}
		applied = end
	}
	return applied, nil
}

func (s *Store) upsertChunk(ctx context.Context, bars []model.Bar) error {
	now := canonical.ISO(time.Now())

	var sb strings.Builder
	sb.WriteString(`INSERT INTO bars
		(class, code, name, timeframe, trade_time, open, high, low, close, volume, amount, diff, signal, histogram, created_at, updated_at)
		VALUES `)
	args := make([]any, 0, len(bars)*barCols)
	for i, b := range bars {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			string(b.Class), b.Code, b.Name, string(b.Timeframe), canonical.ISO(b.TradeTime),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount,
			nullable(b.Diff), nullable(b.DEA), nullable(b.Hist),
			now, now,
		)
	}
	// overwrite everything except created_at; an empty incoming name
	// keeps the stored one (minute-bar upstreams don't carry names)
	sb.WriteString(` ON CONFLICT(class, code, timeframe, trade_time) DO UPDATE SET
		name       = COALESCE(NULLIF(excluded.name, ''), bars.name),
		open       = excluded.open,
		high       = excluded.high,
		low        = excluded.low,
		close      = excluded.close,
		volume     = excluded.volume,
		amount     = excluded.amount,
		diff       = excluded.diff,
		signal     = excluded.signal,
		histogram  = excluded.histogram,
		updated_at = excluded.updated_at`)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// InsertAudit appends one job audit record. Audit rows are never updated.
func (s *Store) InsertAudit(ctx context.Context, a model.JobAudit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_audit (job_type, status, record_count, error_text, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.JobType, string(a.Status), a.RecordCount, a.ErrorText,
		canonical.ISO(a.StartedAt), canonical.ISO(a.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite insert audit: %w", err)
	}
	return nil
}

// SaveBoard replaces the constituent list of one board, preserving
// upstream order.
func (s *Store) SaveBoard(ctx context.Context, m model.BoardMapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM board_constituents WHERE board_code = ?`, m.BoardCode); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite clear board %s: %w", m.BoardCode, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO board_constituents (board_code, board_name, position, code)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i, code := range m.Constituents {
		if _, err := stmt.ExecContext(ctx, m.BoardCode, m.BoardName, i, code); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert board %s: %w", m.BoardCode, err)
		}
	}
	return tx.Commit()
}
