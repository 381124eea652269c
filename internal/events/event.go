package events

import (
	"context"
	"time"

	"marketcore/models"
)

// Type names a normalized event.
type Type string

const (
	TypeSymbolChanged    Type = "SYMBOL_CHANGED"
	TypeTimeframeChanged Type = "TIMEFRAME_CHANGED"
	TypeTickers          Type = "TICKERS"
	TypeCandleHistory    Type = "CANDLE_HISTORY"
	TypeCandleUpdate     Type = "CANDLE_UPDATE"
	TypeTrade            Type = "TRADE"
	TypeDepthSnapshot    Type = "DEPTH_SNAPSHOT"
	TypeDepthUpdate      Type = "DEPTH_UPDATE"
	TypeStatus           Type = "STATUS"
)

// Event is an immutable normalized payload tagged with the epoch it was produced under.
type Event struct {
	Type      Type
	Epoch     uint64
	Symbol    string
	Timeframe models.Timeframe
	Time      time.Time
	// Target addresses a single subscriber. Empty means broadcast.
	Target  string
	Payload any
}

// StateCarrying is false only for STATUS events, which may be shed under backpressure.
func (e Event) StateCarrying() bool {
	return e.Type != TypeStatus
}

// Publisher accepts events for ordered delivery.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Switch asks the provider to move to a new key under a new epoch.
type Switch struct {
	Symbol    string
	Timeframe models.Timeframe
	Epoch     uint64
}

type SymbolChanged struct {
	Previous string
	Current  string
}

type TimeframeChanged struct {
	Previous models.Timeframe
	Current  models.Timeframe
}

type Tickers struct {
	Tickers []models.Ticker
}

type CandleHistory struct {
	Bars []models.Candle
}

type CandleUpdate struct {
	Bar    models.Candle
	Closed bool
}

type Trade struct {
	Trade models.Trade
}

type DepthSnapshot struct {
	Book models.BookSnapshot
}

type DepthUpdate struct {
	Update models.DepthUpdate
}
