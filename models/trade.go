package models

// Side of the aggressor.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// SideFromMaker maps the venue "buyer is maker" flag to the aggressor side.
func SideFromMaker(buyerIsMaker bool) Side {
	if buyerIsMaker {
		return SideSell
	}
	return SideBuy
}

// Trade is a single print. IDs increase strictly within one symbol stream.
type Trade struct {
	ID       int64   `json:"id"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Time     int64   `json:"time"`
	Side     Side    `json:"side"`
}

// Ticker is the 24h rolling summary for one symbol.
type Ticker struct {
	Symbol       string  `json:"symbol"`
	LastPrice    float64 `json:"lastPrice"`
	PctChange24h float64 `json:"pctChange24h"`
	Volume24h    float64 `json:"volume24h"`
	BidPrice     float64 `json:"bidPrice"`
	AskPrice     float64 `json:"askPrice"`
}
