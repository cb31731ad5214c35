package provider

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"barsync/internal/canonical"
	"barsync/internal/model"
)

// Tencent parses the delimited-text realtime quote endpoint. Each
// response line is
//
//	v_sh600000="1~NAME~600000~10.15~10.10~10.12~...";
//
// with ~-separated fields. The endpoint accepts many comma-joined
// symbols per request, so it is the cheap way to resolve display names
// and current-day quotes for the whole market.
type Tencent struct {
	BaseURL string
}

// NewTencent creates the quote parser. baseURL "" uses the production
// endpoint.
func NewTencent(baseURL string) *Tencent {
	if baseURL == "" {
		baseURL = "https://qt.gtimg.cn"
	}
	return &Tencent{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (t *Tencent) Name() string { return "tencent" }

func (t *Tencent) DefaultGap() time.Duration { return 200 * time.Millisecond }

func (t *Tencent) Headers() map[string]string {
	return map[string]string{"Referer": "https://gu.qq.com/"}
}

// URL accepts one canonical ticker or several joined with commas; each
// is prefixed with its wire exchange code.
func (t *Tencent) URL(symbol string, _ model.Timeframe, _ int) (string, error) {
	codes := strings.Split(symbol, ",")
	wire := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		wire = append(wire, canonical.ExchangePrefix(code)+code)
	}
	if len(wire) == 0 {
		return "", fmt.Errorf("empty symbol list")
	}
	return t.BaseURL + "/q=" + strings.Join(wire, ","), nil
}

// Quote field positions in the ~-delimited payload.
const (
	tqName     = 1
	tqCode     = 2
	tqPrice    = 3
	tqOpen     = 5
	tqDateTime = 30
	tqHigh     = 33
	tqLow      = 34
	tqVolume   = 36
	tqAmount   = 37
)

func (t *Tencent) Parse(body []byte, _ string, _ model.Timeframe) ([]Record, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, ErrNoData
	}
	if strings.Contains(text, "v_pv_none_match") {
		return nil, ErrNoData
	}

	var out []Record
	for _, line := range strings.Split(text, ";") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		payload := strings.Trim(line[eq+1:], `"`)
		fields := strings.Split(payload, "~")
		if len(fields) <= tqAmount {
			return nil, fmt.Errorf("tencent: short quote line (%d fields)", len(fields))
		}

		rec := Record{
			Code:      fields[tqCode],
			Name:      fields[tqName],
			TradeTime: fields[tqDateTime],
		}
		var err error
		if rec.Close, err = strconv.ParseFloat(fields[tqPrice], 64); err != nil {
			return nil, fmt.Errorf("tencent: bad price %q: %w", fields[tqPrice], err)
		}
		rec.Open = parseFloatDefault(fields[tqOpen], rec.Close)
		rec.High = parseFloatDefault(fields[tqHigh], rec.Close)
		rec.Low = parseFloatDefault(fields[tqLow], rec.Close)
		rec.Volume = parseFloatDefault(fields[tqVolume], 0) * 100     // hands -> shares
		rec.Amount = parseFloatDefault(fields[tqAmount], 0) * 10_000 // wan -> yuan
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

// parseFloatDefault tolerates the sparse fields the quote endpoint
// leaves empty outside trading hours.
func parseFloatDefault(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}
