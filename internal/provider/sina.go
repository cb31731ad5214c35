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

// Sina parses the minute-kline endpoint. The JSON array arrives wrapped
// in a JS callback pattern,
//
//	var _sz000001_5_1757000000=((<json>));
//
// which must be stripped before unmarshalling. This upstream throttles
// aggressively, hence the long default gap.
type Sina struct {
	BaseURL string
}

// NewSina creates the minute-bar parser. baseURL "" uses the production
// endpoint.
func NewSina(baseURL string) *Sina {
	if baseURL == "" {
		baseURL = "https://quotes.sina.cn/cn/api/jsonp_v2.php"
	}
	return &Sina{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (s *Sina) Name() string { return "sina" }

func (s *Sina) DefaultGap() time.Duration { return 3 * time.Second }

func (s *Sina) Headers() map[string]string {
	return map[string]string{"Referer": "https://finance.sina.com.cn/"}
}

func (s *Sina) URL(symbol string, tf model.Timeframe, limit int) (string, error) {
	scale := tf.Minutes()
	if scale == 0 {
		return "", fmt.Errorf("sina: unsupported timeframe %q", tf)
	}
	wire := canonical.ExchangePrefix(symbol) + symbol
	return fmt.Sprintf("%s/var%%20_%s_%d=/CN_MarketDataService.getKLineData?symbol=%s&scale=%d&ma=no&datalen=%d",
		s.BaseURL, wire, scale, wire, scale, limit), nil
}

// sinaKline is the wire shape of one minute bar.
type sinaKline struct {
	Day    string `json:"day"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

func (s *Sina) Parse(body []byte, symbol string, _ model.Timeframe) ([]Record, error) {
	text := strings.TrimSpace(string(body))
	if text == "" || text == "null" {
		return nil, ErrNoData
	}
	if strings.Contains(text, "script type") || strings.Contains(strings.ToLower(text), "forbidden") {
		return nil, fmt.Errorf("sina: blocked payload: %w", ErrRateLimited)
	}

	// strip the callback wrapper: keep the outermost (...) content
	open := strings.Index(text, "(")
	end := strings.LastIndex(text, ")")
	if open < 0 || end <= open {
		return nil, fmt.Errorf("sina: no callback wrapper in payload")
	}
	payload := text[open+1 : end]
	if payload == "" || payload == "null" {
		return nil, ErrNoData
	}

	var klines []sinaKline
	if err := json.Unmarshal([]byte(payload), &klines); err != nil {
		return nil, fmt.Errorf("sina: decode klines: %w", err)
	}
	if len(klines) == 0 {
		return nil, ErrNoData
	}

	out := make([]Record, 0, len(klines))
	for _, k := range klines {
		rec := Record{Code: symbol, TradeTime: k.Day}
		var err error
		if rec.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
			return nil, fmt.Errorf("sina: bad open %q: %w", k.Open, err)
		}
		if rec.High, err = strconv.ParseFloat(k.High, 64); err != nil {
			return nil, fmt.Errorf("sina: bad high %q: %w", k.High, err)
		}
		if rec.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
			return nil, fmt.Errorf("sina: bad low %q: %w", k.Low, err)
		}
		if rec.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
			return nil, fmt.Errorf("sina: bad close %q: %w", k.Close, err)
		}
		rec.Volume = parseFloatDefault(k.Volume, 0)
		out = append(out, rec)
	}
	return out, nil
}
