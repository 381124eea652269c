package events

import (
	"time"

	"marketcore/models"
)

// Builder stamps events with a key and epoch. Slice payloads are copied so the
// caller may keep mutating its own buffers.
type Builder struct {
	Epoch     uint64
	Symbol    string
	Timeframe models.Timeframe
	Now       func() time.Time
}

func (b Builder) base(t Type, payload any) Event {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	return Event{
		Type:      t,
		Epoch:     b.Epoch,
		Symbol:    b.Symbol,
		Timeframe: b.Timeframe,
		Time:      now(),
		Payload:   payload,
	}
}

func (b Builder) SymbolChanged(prev, cur string) Event {
	return b.base(TypeSymbolChanged, SymbolChanged{Previous: prev, Current: cur})
}

func (b Builder) TimeframeChanged(prev, cur models.Timeframe) Event {
	return b.base(TypeTimeframeChanged, TimeframeChanged{Previous: prev, Current: cur})
}

func (b Builder) Tickers(tickers []models.Ticker) Event {
	cp := make([]models.Ticker, len(tickers))
	copy(cp, tickers)
	return b.base(TypeTickers, Tickers{Tickers: cp})
}

func (b Builder) CandleHistory(bars []models.Candle) Event {
	return b.base(TypeCandleHistory, CandleHistory{Bars: models.CloneCandles(bars)})
}

func (b Builder) CandleUpdate(bar models.Candle) Event {
	return b.base(TypeCandleUpdate, CandleUpdate{Bar: bar, Closed: bar.Closed})
}

func (b Builder) Trade(t models.Trade) Event {
	return b.base(TypeTrade, Trade{Trade: t})
}

func (b Builder) DepthSnapshot(book models.BookSnapshot) Event {
	return b.base(TypeDepthSnapshot, DepthSnapshot{Book: book.Clone()})
}

func (b Builder) DepthUpdate(u models.DepthUpdate) Event {
	u.Bids = models.CloneLevels(u.Bids)
	u.Asks = models.CloneLevels(u.Asks)
	u.ChangedBids = models.CloneLevels(u.ChangedBids)
	u.ChangedAsks = models.CloneLevels(u.ChangedAsks)
	return b.base(TypeDepthUpdate, DepthUpdate{Update: u})
}

func (b Builder) Status(sev Severity, code, msg string) Event {
	return b.base(TypeStatus, Status{Severity: sev, Code: code, Message: msg})
}

func (b Builder) Error(err error) Event {
	return b.base(TypeStatus, StatusFromError(err))
}
