package models

// Candle is one OHLCV bar. OpenTime is unique within a (symbol, timeframe) series.
type Candle struct {
	OpenTime  int64   `json:"openTime"`
	CloseTime int64   `json:"closeTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Closed    bool    `json:"closed"`
}

// CloneCandles copies bars.
func CloneCandles(bars []Candle) []Candle {
	if len(bars) == 0 {
		return nil
	}
	out := make([]Candle, len(bars))
	copy(out, bars)
	return out
}
