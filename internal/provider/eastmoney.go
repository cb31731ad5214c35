package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"barsync/internal/canonical"
	"barsync/internal/model"
)

// Eastmoney parses the kline endpoint: a plain JSON envelope whose
// klines are comma-delimited strings
//
//	"2026-01-05 14:30,10.10,10.15,10.20,10.05,12345,678900.0"
//
// in date,open,close,high,low,volume,amount order. It serves every
// timeframe via the klt parameter and is the workhorse for daily
// refreshes and backfills.
type Eastmoney struct {
	BaseURL string
}

// NewEastmoney creates the kline parser. baseURL "" uses the production
// endpoint.
func NewEastmoney(baseURL string) *Eastmoney {
	if baseURL == "" {
		baseURL = "https://push2his.eastmoney.com"
	}
	return &Eastmoney{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (e *Eastmoney) Name() string { return "eastmoney" }

func (e *Eastmoney) DefaultGap() time.Duration { return 250 * time.Millisecond }

func (e *Eastmoney) Headers() map[string]string {
	return map[string]string{"Referer": "https://quote.eastmoney.com/"}
}

// secid is the upstream's positional-market form, "<market digit>.<code>".
func secid(code string) string {
	switch canonical.Market(code) {
	case canonical.MarketSSEMain, canonical.MarketSTAR:
		return "1." + code
	default:
		return "0." + code
	}
}

func klt(tf model.Timeframe) int {
	switch tf {
	case model.TF30Min:
		return 30
	case model.TF5Min:
		return 5
	case model.TF1Min:
		return 1
	default:
		return 101 // daily
	}
}

func (e *Eastmoney) URL(symbol string, tf model.Timeframe, limit int) (string, error) {
	return fmt.Sprintf("%s/api/qt/stock/kline/get?secid=%s&klt=%d&fqt=1&lmt=%d&end=20500101"+
		"&fields1=f1,f2,f3,f4,f5,f6&fields2=f51,f52,f53,f54,f55,f56,f57",
		e.BaseURL, secid(symbol), klt(tf), limit), nil
}

type emEnvelope struct {
	RC   int    `json:"rc"`
	Msg  string `json:"msg"`
	Data *struct {
		Code   string   `json:"code"`
		Name   string   `json:"name"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

func (e *Eastmoney) Parse(body []byte, symbol string, _ model.Timeframe) ([]Record, error) {
	var env emEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("eastmoney: decode envelope: %w", err)
	}
	if env.RC != 0 {
		if strings.Contains(env.Msg, "visit too frequently") {
			return nil, fmt.Errorf("eastmoney: %s: %w", env.Msg, ErrRateLimited)
		}
		return nil, fmt.Errorf("eastmoney: rc=%d msg=%q", env.RC, env.Msg)
	}
	if env.Data == nil || len(env.Data.Klines) == 0 {
		return nil, ErrNoData
	}

	out := make([]Record, 0, len(env.Data.Klines))
	for _, line := range env.Data.Klines {
		fields := strings.Split(line, ",")
		if len(fields) < 7 {
			return nil, fmt.Errorf("eastmoney: short kline %q", line)
		}
		rec := Record{
			Code:      env.Data.Code,
			Name:      env.Data.Name,
			TradeTime: fields[0],
		}
		if rec.Code == "" {
			rec.Code = symbol
		}
		var err error
		if rec.Open, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return nil, fmt.Errorf("eastmoney: bad open %q: %w", fields[1], err)
		}
		if rec.Close, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return nil, fmt.Errorf("eastmoney: bad close %q: %w", fields[2], err)
		}
		if rec.High, err = strconv.ParseFloat(fields[3], 64); err != nil {
			return nil, fmt.Errorf("eastmoney: bad high %q: %w", fields[3], err)
		}
		if rec.Low, err = strconv.ParseFloat(fields[4], 64); err != nil {
			return nil, fmt.Errorf("eastmoney: bad low %q: %w", fields[4], err)
		}
		rec.Volume = parseFloatDefault(fields[5], 0) * 100 // hands -> shares
		rec.Amount = parseFloatDefault(fields[6], 0)
		out = append(out, rec)
	}
	return out, nil
}

// EastmoneyBoard lists the constituents of one sector/concept board.
// The "symbol" passed to URL is the board identity (e.g. "BK0465" or a
// bare "0465"); Parse returns one Record per constituent with Code and
// Name set and no bar fields. Routing board fetches through the shared
// Client gives the expensive rebuild job the same pacing, backoff and
// breaker behavior as bar fetches.
type EastmoneyBoard struct {
	BaseURL string
}

// NewEastmoneyBoard creates the board-constituent parser.
func NewEastmoneyBoard(baseURL string) *EastmoneyBoard {
	if baseURL == "" {
		baseURL = "https://push2.eastmoney.com"
	}
	return &EastmoneyBoard{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (b *EastmoneyBoard) Name() string { return "eastmoney_board" }

func (b *EastmoneyBoard) DefaultGap() time.Duration { return 500 * time.Millisecond }

func (b *EastmoneyBoard) Headers() map[string]string {
	return map[string]string{"Referer": "https://quote.eastmoney.com/"}
}

func (b *EastmoneyBoard) URL(board string, _ model.Timeframe, limit int) (string, error) {
	if !strings.HasPrefix(board, "BK") {
		board = "BK" + board
	}
	if limit <= 0 {
		limit = 1000
	}
	return fmt.Sprintf("%s/api/qt/clist/get?fs=b:%s&pn=1&pz=%d&po=0&fid=f12&fields=f12,f14",
		b.BaseURL, board, limit), nil
}

type emBoardEnvelope struct {
	RC   int    `json:"rc"`
	Msg  string `json:"msg"`
	Data *struct {
		Total int `json:"total"`
		Diff  []struct {
			Code string `json:"f12"`
			Name string `json:"f14"`
		} `json:"diff"`
	} `json:"data"`
}

func (b *EastmoneyBoard) Parse(body []byte, _ string, _ model.Timeframe) ([]Record, error) {
	var env emBoardEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("eastmoney_board: decode envelope: %w", err)
	}
	if env.RC != 0 {
		if strings.Contains(env.Msg, "visit too frequently") {
			return nil, fmt.Errorf("eastmoney_board: %s: %w", env.Msg, ErrRateLimited)
		}
		return nil, fmt.Errorf("eastmoney_board: rc=%d msg=%q", env.RC, env.Msg)
	}
	if env.Data == nil || len(env.Data.Diff) == 0 {
		return nil, ErrNoData
	}

	out := make([]Record, 0, len(env.Data.Diff))
	for _, d := range env.Data.Diff {
		out = append(out, Record{Code: d.Code, Name: d.Name})
	}
	return out, nil
}
