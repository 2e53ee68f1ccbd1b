package exchange

import "context"

// Candle is one OHLCV bar. Indicator math runs on float64; order prices and
// sizes derived from it are quantized back through the instrument rules.
type Candle struct {
	OpenTime  int64 // unix ms
	CloseTime int64 // unix ms
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CandleSource supplies recent history for indicator-driven controllers.
type CandleSource interface {
	FetchHistory(ctx context.Context, instrument, interval string, limit int) ([]Candle, error)
}
