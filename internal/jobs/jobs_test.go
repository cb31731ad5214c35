package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"barsync/internal/canonical"
	"barsync/internal/model"
	"barsync/internal/provider"
	"barsync/internal/store/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOrch(t *testing.T, classes map[string]model.InstrumentClass) *Orchestrator {
	t.Helper()
	st, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "bars.db")}, testLogger(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, nil, classes, testLogger(), nil)
}

func testClient(t *testing.T, p provider.Parser) *provider.Client {
	t.Helper()
	return provider.NewClient(p, provider.Config{
		MinGap:      time.Millisecond,
		BackoffBase: time.Millisecond,
		Timeout:     2 * time.Second,
	}, testLogger(), nil)
}

func TestIngestIsIdempotent(t *testing.T) {
	o := testOrch(t, map[string]model.InstrumentClass{"885556": model.ClassSector})
	ctx := context.Background()

	rec := provider.Record{
		Code:      "885556",
		Name:      "半导体",
		TradeTime: "202601051430",
		Open:      10.10, High: 10.20, Low: 10.05, Close: 10.15,
		Volume: 1200, Amount: 12180,
	}

	for i := 0; i < 2; i++ {
		if _, err := o.ingest(ctx, model.TF30Min, []provider.Record{rec}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	bars, err := o.store.AllBars(ctx, model.ClassSector, "885556", model.TF30Min)
	if err != nil {
		t.Fatalf("AllBars: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("got %d rows, want 1", len(bars))
	}
	if got := canonical.ISO(bars[0].TradeTime); got != "2026-01-05 14:30:00" {
		t.Errorf("trade_time = %q, want %q", got, "2026-01-05 14:30:00")
	}
	if bars[0].Name != "半导体" {
		t.Errorf("name = %q", bars[0].Name)
	}
}

func TestIngestDropsBadRecordsKeepsRest(t *testing.T) {
	o := testOrch(t, map[string]model.InstrumentClass{"600000": model.ClassEquity})
	ctx := context.Background()

	recs := []provider.Record{
		{Code: "bogus!!", TradeTime: "202601051030", Close: 1},
		{Code: "600000", TradeTime: "not-a-date", Close: 1},
		{Code: "600000", TradeTime: "202601051030", Open: 9.9, High: 10, Low: 9.8, Close: 9.95},
	}
	applied, err := o.ingest(ctx, model.TF30Min, recs)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	n, err := o.store.CountBars(ctx, model.ClassEquity, "600000", model.TF30Min)
	if err != nil {
		t.Fatalf("CountBars: %v", err)
	}
	if n != 1 {
		t.Errorf("stored = %d, want 1", n)
	}
}

func TestIngestRecomputesIndicatorsOverFullHistory(t *testing.T) {
	o := testOrch(t, map[string]model.InstrumentClass{"000001": model.ClassEquity})
	ctx := context.Background()

	// 30 historical sessions already on disk, no indicators yet
	base := time.Date(2025, 11, 3, 0, 0, 0, 0, canonical.Exchange)
	hist := make([]model.Bar, 0, 30)
	for i := 0; i < 30; i++ {
		px := 10 + float64(i)*0.1
		hist = append(hist, model.Bar{
			Class: model.ClassEquity, Code: "000001", Timeframe: model.TFDay,
			TradeTime: base.AddDate(0, 0, i),
			Open:      px, High: px, Low: px, Close: px,
		})
	}
	if _, err := o.store.UpsertBars(ctx, hist); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// one fresh session arrives through the pipeline
	_, err := o.ingest(ctx, model.TFDay, []provider.Record{{
		Code: "000001", TradeTime: "20251203",
		Open: 13.1, High: 13.2, Low: 13.0, Close: 13.15,
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	bars, err := o.store.AllBars(ctx, model.ClassEquity, "000001", model.TFDay)
	if err != nil {
		t.Fatalf("AllBars: %v", err)
	}
	if len(bars) != 31 {
		t.Fatalf("got %d bars, want 31", len(bars))
	}
	last := bars[len(bars)-1]
	if last.Diff == nil || last.DEA == nil || last.Hist == nil {
		t.Fatal("latest bar missing indicator values")
	}
	// the whole history was rewritten, not just the fetched window
	for i, b := range bars {
		if b.Diff == nil || b.DEA == nil || b.Hist == nil {
			t.Fatalf("bar %d missing indicator values after rewrite", i)
		}
	}
	if *last.Diff <= 0 {
		t.Errorf("rising series should end with positive diff, got %v", *last.Diff)
	}
}

func emKlineBody(code, name string, klines ...string) string {
	return fmt.Sprintf(`{"rc":0,"data":{"code":%q,"name":%q,"klines":["%s"]}}`,
		code, name, strings.Join(klines, `","`))
}

func TestDailyRefreshWritesBarsAndAudit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := "600000"
		if strings.Contains(r.URL.RawQuery, "000001") {
			code = "000001"
		}
		fmt.Fprint(w, emKlineBody(code, "测试",
			"2026-01-05,10.00,10.15,10.20,9.95,12345,6789000",
			"2026-01-06,10.15,10.30,10.35,10.10,11111,5678000"))
	}))
	defer srv.Close()

	o := testOrch(t, map[string]model.InstrumentClass{
		"600000": model.ClassEquity,
		"000001": model.ClassEquity,
	})
	job := &DailyRefresh{
		Orch:    o,
		Client:  testClient(t, provider.NewEastmoney(srv.URL)),
		Symbols: []string{"600000", "000001"},
		Window:  100,
		Fanout:  2,
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	for _, code := range []string{"600000", "000001"} {
		n, err := o.store.CountBars(ctx, model.ClassEquity, code, model.TFDay)
		if err != nil {
			t.Fatalf("CountBars %s: %v", code, err)
		}
		if n != 2 {
			t.Errorf("%s: stored %d bars, want 2", code, n)
		}
	}

	audits, err := o.store.RecentAudits(ctx, 5)
	if err != nil {
		t.Fatalf("RecentAudits: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("got %d audits, want 1", len(audits))
	}
	if audits[0].JobType != "daily_refresh" || audits[0].Status != model.JobCompleted {
		t.Errorf("audit = %s/%s", audits[0].JobType, audits[0].Status)
	}
	if audits[0].RecordCount != 4 {
		t.Errorf("record_count = %d, want 4", audits[0].RecordCount)
	}
}

func TestDailyRefreshBreakerTripFailsAudit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := testOrch(t, nil)
	client := provider.NewClient(provider.NewEastmoney(srv.URL), provider.Config{
		MinGap:           time.Millisecond,
		BackoffBase:      time.Millisecond,
		BreakerThreshold: 2,
		Timeout:          time.Second,
	}, testLogger(), nil)

	job := &DailyRefresh{
		Orch:    o,
		Client:  client,
		Symbols: []string{"600000", "600001", "600002", "600003", "600004"},
		Window:  100,
		Fanout:  1,
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("want error after breaker trip")
	}

	audits, err := o.store.RecentAudits(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecentAudits: %v", err)
	}
	if len(audits) != 1 || audits[0].Status != model.JobFailed {
		t.Fatalf("audit = %+v, want one failed record", audits)
	}
	if audits[0].ErrorText == "" {
		t.Error("failed audit should carry error text")
	}
}

func emBoardBody(names map[string]string, codes ...string) string {
	parts := make([]string, 0, len(codes))
	for _, c := range codes {
		parts = append(parts, fmt.Sprintf(`{"f12":%q,"f14":%q}`, c, names[c]))
	}
	return fmt.Sprintf(`{"rc":0,"data":{"total":%d,"diff":[%s]}}`, len(codes), strings.Join(parts, ","))
}

func TestBoardRebuildResumesFromPersistedBoards(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, emBoardBody(map[string]string{"600000": "浦发银行", "000001": "平安银行"},
			"600000", "000001"))
	}))
	defer srv.Close()

	o := testOrch(t, nil)
	ctx := context.Background()

	// two of four boards already persisted before the run
	for _, code := range []string{"0475", "0512"} {
		err := o.store.SaveBoard(ctx, model.BoardMapping{
			BoardCode: code, BoardName: "seeded", Constituents: []string{"600000"},
		})
		if err != nil {
			t.Fatalf("seed board %s: %v", code, err)
		}
	}

	job := &BoardRebuild{
		Orch:   o,
		Client: testClient(t, provider.NewEastmoneyBoard(srv.URL)),
		Boards: map[string]string{
			"BK0475": "银行", "BK0512": "证券", "BK0465": "化肥", "BK1036": "半导体",
		},
		Retries: 2,
		Backoff: time.Millisecond,
	}
	if err := job.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := fetches.Load(); got != 2 {
		t.Errorf("upstream fetches = %d, want 2 (seeded boards skipped)", got)
	}
	have, err := o.store.BoardsWithData(ctx)
	if err != nil {
		t.Fatalf("BoardsWithData: %v", err)
	}
	if len(have) != 4 {
		t.Errorf("boards with data = %v, want 4", have)
	}

	board, err := o.store.Board(ctx, "0465")
	if err != nil {
		t.Fatalf("Board: %v", err)
	}
	if board == nil || len(board.Constituents) != 2 || board.BoardName != "化肥" {
		t.Errorf("board 0465 = %+v", board)
	}
}

func TestBoardRebuildForceRefetchesAll(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, emBoardBody(map[string]string{"300750": "宁德时代"}, "300750"))
	}))
	defer srv.Close()

	o := testOrch(t, nil)
	ctx := context.Background()
	if err := o.store.SaveBoard(ctx, model.BoardMapping{
		BoardCode: "1033", BoardName: "seeded", Constituents: []string{"000001"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	job := &BoardRebuild{
		Orch:    o,
		Client:  testClient(t, provider.NewEastmoneyBoard(srv.URL)),
		Boards:  map[string]string{"BK1033": "新能源"},
		Retries: 1,
		Backoff: time.Millisecond,
		Force:   true,
	}
	if err := job.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	board, err := o.store.Board(ctx, "1033")
	if err != nil {
		t.Fatalf("Board: %v", err)
	}
	if board == nil || len(board.Constituents) != 1 || board.Constituents[0] != "300750" {
		t.Errorf("board = %+v, want rebuilt constituents", board)
	}
}

func TestBoardRebuildRetriesThenSkips(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		if strings.Contains(r.URL.RawQuery, "BK0475") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, emBoardBody(map[string]string{"600519": "贵州茅台"}, "600519"))
	}))
	defer srv.Close()

	o := testOrch(t, nil)
	job := &BoardRebuild{
		Orch:    o,
		Client:  testClient(t, provider.NewEastmoneyBoard(srv.URL)),
		Boards:  map[string]string{"BK0475": "银行", "BK0896": "白酒"},
		Retries: 2,
		Backoff: time.Millisecond,
	}
	ctx := context.Background()
	if err := job.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	// 1 fetch for the healthy board, 1+2 retries for the failing one
	if got := fetches.Load(); got != 4 {
		t.Errorf("fetches = %d, want 4", got)
	}
	have, err := o.store.BoardsWithData(ctx)
	if err != nil {
		t.Fatalf("BoardsWithData: %v", err)
	}
	if len(have) != 1 || have[0] != "0896" {
		t.Errorf("boards with data = %v, want only 0896", have)
	}
	audits, err := o.store.RecentAudits(ctx, 1)
	if err != nil {
		t.Fatalf("RecentAudits: %v", err)
	}
	if audits[0].Status != model.JobCompleted || audits[0].ErrorText == "" {
		t.Errorf("audit = %s %q, want completed with skip note", audits[0].Status, audits[0].ErrorText)
	}
}

func TestDailyRefreshQuietUpstreamIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rc":0,"data":null}`)
	}))
	defer srv.Close()

	o := testOrch(t, map[string]model.InstrumentClass{"600000": model.ClassEquity})
	job := &DailyRefresh{
		Orch:    o,
		Client:  testClient(t, provider.NewEastmoney(srv.URL)),
		Symbols: []string{"600000"},
		Window:  100,
		Fanout:  1,
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("quiet upstream must not fail the job: %v", err)
	}
	audits, err := o.store.RecentAudits(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecentAudits: %v", err)
	}
	if len(audits) != 1 || audits[0].Status != model.JobSkipped {
		t.Fatalf("audit = %+v, want one skipped record", audits)
	}
}

func TestRetryDelayDoublesPerAttempt(t *testing.T) {
	cases := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{80 * time.Millisecond, 1, 80 * time.Millisecond},
		{80 * time.Millisecond, 2, 160 * time.Millisecond},
		{80 * time.Millisecond, 3, 320 * time.Millisecond},
		{20 * time.Second, 3, maxRetryDelay},
		{0, 2, 0},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.base, tc.attempt); got != tc.want {
			t.Errorf("retryDelay(%v, %d) = %v, want %v", tc.base, tc.attempt, got, tc.want)
		}
	}
}

func TestBoardRebuildBackoffGrowsBetweenAttempts(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := testOrch(t, nil)
	job := &BoardRebuild{
		Orch:    o,
		Client:  testClient(t, provider.NewEastmoneyBoard(srv.URL)),
		Boards:  map[string]string{"BK0475": "银行"},
		Retries: 3,
		Backoff: 20 * time.Millisecond,
	}
	start := time.Now()
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("want error when every attempt fails")
	}
	elapsed := time.Since(start)

	if got := fetches.Load(); got != 4 {
		t.Errorf("fetches = %d, want 4", got)
	}
	// doubling waits of 20/40/80ms between the four attempts
	if want := 140 * time.Millisecond; elapsed < want {
		t.Errorf("elapsed = %v, want at least %v of backoff", elapsed, want)
	}
}

func TestIntradaySweepFailureBelowThresholdStaysCompleted(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o := testOrch(t, map[string]model.InstrumentClass{"600000": model.ClassEquity})
	job := &IntradayRefresh{
		Orch:   o,
		Quotes: testClient(t, provider.NewTencent(srv.URL)),
		Equity: []string{"600000"},
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("sub-threshold throttle must not fail the job: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	ctx := context.Background()
	audits, err := o.store.RecentAudits(ctx, 1)
	if err != nil {
		t.Fatalf("RecentAudits: %v", err)
	}
	if len(audits) != 1 || audits[0].Status != model.JobCompleted {
		t.Fatalf("audit = %+v, want one completed record", audits)
	}
	n, err := o.store.CountBars(ctx, model.ClassEquity, "600000", model.TFDay)
	if err != nil {
		t.Fatalf("CountBars: %v", err)
	}
	if n != 0 {
		t.Errorf("stored = %d bars from a failed sweep, want 0", n)
	}
}

func TestIntradayQuoteSweepMaintainsDailyBar(t *testing.T) {
	quote := `v_sh600000="1~浦发银行~600000~10.15~10.02~10.05~376395~~~10.15~` +
		strings.Repeat("~", 20) + // fields 10..29 unused
		`20260105143000~~~10.22~10.01~~376395~381234` + strings.Repeat("~", 12) + `";`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, quote)
	}))
	defer srv.Close()

	o := testOrch(t, map[string]model.InstrumentClass{"600000": model.ClassEquity})
	job := &IntradayRefresh{
		Orch:   o,
		Quotes: testClient(t, provider.NewTencent(srv.URL)),
		Equity: []string{"600000"},
	}
	ctx := context.Background()
	if err := job.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	// a later checkpoint overwrites the same daily row
	if err := job.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	bars, err := o.store.AllBars(ctx, model.ClassEquity, "600000", model.TFDay)
	if err != nil {
		t.Fatalf("AllBars: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("got %d daily bars, want 1", len(bars))
	}
	if got := canonical.ISODate(bars[0].TradeTime); got != "2026-01-05" {
		t.Errorf("trade date = %q", got)
	}
	if bars[0].Close != 10.15 || bars[0].Name != "浦发银行" {
		t.Errorf("bar = %+v", bars[0])
	}
}
