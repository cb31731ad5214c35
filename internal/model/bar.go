package model

import (
	"encoding/json"
	"time"
)

// InstrumentClass separates the three kinds of instruments the pipeline tracks.
type InstrumentClass string

const (
	ClassEquity InstrumentClass = "equity"
	ClassIndex  InstrumentClass = "index"
	ClassSector InstrumentClass = "sector_index"
)

// Timeframe is the bar granularity.
type Timeframe string

const (
	TFDay   Timeframe = "day"
	TF30Min Timeframe = "30min"
	TF5Min  Timeframe = "5min"
	TF1Min  Timeframe = "1min"
)

// IntradayTimeframes lists the minute granularities, finest last.
var IntradayTimeframes = []Timeframe{TF30Min, TF5Min, TF1Min}

// Intraday reports whether the timeframe is finer than daily.
func (tf Timeframe) Intraday() bool {
	return tf != TFDay
}

// Minutes returns the bar width in minutes (0 for daily).
func (tf Timeframe) Minutes() int {
	switch tf {
	case TF30Min:
		return 30
	case TF5Min:
		return 5
	case TF1Min:
		return 1
	default:
		return 0
	}
}

// Bar is one normalized OHLCV record plus derived MACD fields.
// TradeTime is an exchange-local wall-clock instant; for daily bars the
// time portion is midnight.
//
// Indicator fields are pointers: nil means "insufficient data", which is
// the documented value consumers see, never an error.
type Bar struct {
	Class     InstrumentClass `json:"class"`
	Code      string          `json:"code"` // canonical 6-digit ticker
	Name      string          `json:"name"`
	Timeframe Timeframe       `json:"timeframe"`
	TradeTime time.Time       `json:"trade_time"`

	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Amount float64 `json:"amount"`

	Diff *float64 `json:"diff"`
	DEA  *float64 `json:"dea"`
	Hist *float64 `json:"hist"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the composite identity "class:code:timeframe:tradetime".
func (b *Bar) Key() string {
	return string(b.Class) + ":" + b.Code + ":" + string(b.Timeframe) + ":" + b.TradeTime.Format("200601021504")
}

// StreamKey returns the Redis stream key this bar is published on:
// "bars:{timeframe}:{class}:{code}".
func (b *Bar) StreamKey() string {
	return "bars:" + string(b.Timeframe) + ":" + string(b.Class) + ":" + b.Code
}

// JSON returns the JSON-encoded bar.
func (b *Bar) JSON() []byte {
	j, _ := json.Marshal(b)
	return j
}
