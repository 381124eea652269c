package models

import (
	"time"
)

// RawStreamMessage is a frame read from a venue websocket before decoding.
type RawStreamMessage struct {
	Session   string
	Epoch     uint64
	Data      []byte
	Timestamp time.Time
}

// DepthLevel is a single price level. A zero quantity removes the level.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// DepthSnapshot is an authoritative book fetched over REST.
type DepthSnapshot struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []DepthLevel `json:"bids"`
	Asks         []DepthLevel `json:"asks"`
}

// DepthDiff is one incremental depth event covering update ids U..u.
type DepthDiff struct {
	Symbol        string       `json:"symbol"`
	FirstUpdateID int64        `json:"U"`
	FinalUpdateID int64        `json:"u"`
	EventTime     int64        `json:"E"`
	Bids          []DepthLevel `json:"bids"`
	Asks          []DepthLevel `json:"asks"`
}

// BookSnapshot is an immutable view of a reconciled order book.
// Bids are sorted descending and asks ascending.
type BookSnapshot struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []DepthLevel `json:"bids"`
	Asks         []DepthLevel `json:"asks"`
	Timestamp    time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid, if any.
func (b BookSnapshot) BestBid() (DepthLevel, bool) {
	if len(b.Bids) == 0 {
		return DepthLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b BookSnapshot) BestAsk() (DepthLevel, bool) {
	if len(b.Asks) == 0 {
		return DepthLevel{}, false
	}
	return b.Asks[0], true
}

// Spread is best ask minus best bid. ok is false when either side is empty.
func (b BookSnapshot) Spread() (spread float64, ok bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// DepthUpdate is the throttled, consumer-facing result of one or more diffs.
type DepthUpdate struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []DepthLevel `json:"bids"`
	Asks         []DepthLevel `json:"asks"`
	ChangedBids  []DepthLevel `json:"changedBids"`
	ChangedAsks  []DepthLevel `json:"changedAsks"`
	Diffs        int          `json:"diffs"`
	Timestamp    time.Time    `json:"timestamp"`
}

// CloneLevels returns a copy of levels that shares no memory with the input.
func CloneLevels(levels []DepthLevel) []DepthLevel {
	if len(levels) == 0 {
		return nil
	}
	out := make([]DepthLevel, len(levels))
	copy(out, levels)
	return out
}

// Clone deep-copies the snapshot.
func (b BookSnapshot) Clone() BookSnapshot {
	b.Bids = CloneLevels(b.Bids)
	b.Asks = CloneLevels(b.Asks)
	return b
}
