package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"barsync/internal/canonical"
	"barsync/internal/model"
)

const barSelect = `SELECT class, code, name, timeframe, trade_time, open, high, low, close, volume, amount, diff, signal, histogram, created_at, updated_at FROM bars`

// RecentBars returns the most recent n bars for one identity,
// chronologically ordered.
func (s *Store) RecentBars(ctx context.Context, class model.InstrumentClass, code string, tf model.Timeframe, n int) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, barSelect+`
		WHERE class = ? AND code = ? AND timeframe = ?
		ORDER BY trade_time DESC LIMIT ?`,
		string(class), code, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent bars: %w", err)
	}
	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	// query runs newest-first for the LIMIT; flip back to chronological
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// AllBars returns the complete stored history for one identity,
// chronologically ordered. Indicator recomputation runs over this.
func (s *Store) AllBars(ctx context.Context, class model.InstrumentClass, code string, tf model.Timeframe) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, barSelect+`
		WHERE class = ? AND code = ? AND timeframe = ?
		ORDER BY trade_time ASC`,
		string(class), code, string(tf))
	if err != nil {
		return nil, fmt.Errorf("sqlite all bars: %w", err)
	}
	return scanBars(rows)
}

// RangeBars returns bars with from <= trade_time <= to, chronologically.
func (s *Store) RangeBars(ctx context.Context, class model.InstrumentClass, code string, tf model.Timeframe, from, to time.Time) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, barSelect+`
		WHERE class = ? AND code = ? AND timeframe = ? AND trade_time >= ? AND trade_time <= ?
		ORDER BY trade_time ASC`,
		string(class), code, string(tf), canonical.ISO(from), canonical.ISO(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite range bars: %w", err)
	}
	return scanBars(rows)
}

// LatestBar returns the newest bar for one identity, or nil when none
// is stored.
func (s *Store) LatestBar(ctx context.Context, class model.InstrumentClass, code string, tf model.Timeframe) (*model.Bar, error) {
	bars, err := s.RecentBars(ctx, class, code, tf, 1)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}
	return &bars[0], nil
}

// CountBars returns the number of stored bars for one identity.
func (s *Store) CountBars(ctx context.Context, class model.InstrumentClass, code string, tf model.Timeframe) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bars WHERE class = ? AND code = ? AND timeframe = ?`,
		string(class), code, string(tf)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count bars: %w", err)
	}
	return n, nil
}

func scanBars(rows *sql.Rows) ([]model.Bar, error) {
	defer rows.Close()
	var bars []model.Bar
	for rows.Next() {
		var (
			b                    model.Bar
			class, tf            string
			tradeTime, cAt, uAt  string
			diff, signal, hist   sql.NullFloat64
		)
		if err := rows.Scan(&class, &b.Code, &b.Name, &tf, &tradeTime,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount,
			&diff, &signal, &hist, &cAt, &uAt); err != nil {
			return nil, fmt.Errorf("sqlite scan bar: %w", err)
		}
		b.Class = model.InstrumentClass(class)
		b.Timeframe = model.Timeframe(tf)
		var err error
		if b.TradeTime, err = canonical.ParseDateTime(tradeTime); err != nil {
			return nil, fmt.Errorf("sqlite stored trade_time: %w", err)
		}
		if b.CreatedAt, err = canonical.ParseDateTime(cAt); err != nil {
			return nil, fmt.Errorf("sqlite stored created_at: %w", err)
		}
		if b.UpdatedAt, err = canonical.ParseDateTime(uAt); err != nil {
			return nil, fmt.Errorf("sqlite stored updated_at: %w", err)
		}
		if diff.Valid {
			v := diff.Float64
			b.Diff = &v
		}
		if signal.Valid {
			v := signal.Float64
			b.DEA = &v
		}
		if hist.Valid {
			v := hist.Float64
			b.Hist = &v
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// BoardsWithData returns the board codes that already have a persisted
// constituent list. The rebuild job skips these on rerun, which is what
// makes an interrupted rebuild resumable.
func (s *Store) BoardsWithData(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT board_code FROM board_constituents ORDER BY board_code`)
	if err != nil {
		return nil, fmt.Errorf("sqlite boards with data: %w", err)
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// Board returns one stored board mapping, or nil when absent.
func (s *Store) Board(ctx context.Context, boardCode string) (*model.BoardMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT board_name, code FROM board_constituents
		WHERE board_code = ? ORDER BY position ASC`, boardCode)
	if err != nil {
		return nil, fmt.Errorf("sqlite board %s: %w", boardCode, err)
	}
	defer rows.Close()
	m := model.BoardMapping{BoardCode: boardCode}
	for rows.Next() {
		var code string
		if err := rows.Scan(&m.BoardName, &code); err != nil {
			return nil, err
		}
		m.Constituents = append(m.Constituents, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(m.Constituents) == 0 {
		return nil, nil
	}
	return &m, nil
}

// RecentAudits returns the newest n audit records, newest first.
func (s *Store) RecentAudits(ctx context.Context, n int) ([]model.JobAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_type, status, record_count, error_text, started_at, completed_at
		FROM job_audit ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent audits: %w", err)
	}
	defer rows.Close()
	var audits []model.JobAudit
	for rows.Next() {
		var (
			a            model.JobAudit
			status       string
			started, end string
		)
		if err := rows.Scan(&a.JobType, &status, &a.RecordCount, &a.ErrorText, &started, &end); err != nil {
			return nil, err
		}
		a.Status = model.JobStatus(status)
		if a.StartedAt, err = canonical.ParseDateTime(started); err != nil {
			return nil, err
		}
		if a.CompletedAt, err = canonical.ParseDateTime(end); err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
