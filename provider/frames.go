package provider

import (
	"context"
	"errors"
	"sort"
	"time"

	"marketcore/internal/book"
	"marketcore/internal/events"
	"marketcore/internal/faults"
	"marketcore/internal/metrics"
	"marketcore/logger"
	"marketcore/models"
	"marketcore/reader/binance"
)

// handleFrame decodes one raw frame and routes it. Frames from closed links
// belong to a superseded key and are dropped.
func (p *Provider) handleFrame(ctx context.Context, raw models.RawStreamMessage) {
	l := p.linkFor(raw.Session)
	if l == nil || (l == p.symbolLink && raw.Epoch != p.sw.Epoch) {
		metrics.EmitDropMetric(p.log, metrics.DropStaleEpoch, "", "raw_frame")
		return
	}
	if !l.healthy {
		l.healthy = true
		l.attempts = 0
		l.backoff.Reset()
	}

	msg, err := binance.Decode(raw.Data)
	if err != nil {
		metrics.EmitDropMetric(p.log, metrics.DropMalformed, p.sw.Symbol, l.name)
		p.log.WithComponent("provider").WithError(err).WithFields(logger.Fields{
			"link": l.name,
			"size": len(raw.Data),
		}).Warn("dropping malformed frame")
		return
	}

	if msg.Kind == binance.KindTicker {
		p.mergeTickers(msg.Tickers)
		return
	}
	if l != p.symbolLink || msg.Symbol != p.sw.Symbol {
		metrics.EmitDropMetric(p.log, metrics.DropStaleEpoch, msg.Symbol, msg.Kind.String())
		return
	}

	switch msg.Kind {
	case binance.KindKline:
		if msg.Interval != p.sw.Timeframe {
			metrics.EmitDropMetric(p.log, metrics.DropStaleEpoch, msg.Symbol, "kline")
			return
		}
		p.applyCandle(msg.Candle)
	case binance.KindTrade:
		p.storeTrade(msg.Trade)
	case binance.KindDepth:
		p.handleDepth(ctx, msg.Diff)
	}
}

func (p *Provider) handleDepth(ctx context.Context, diff models.DepthDiff) {
	res, err := p.book.ApplyDiff(diff)
	if err != nil {
		var gap *faults.ProtocolGapError
		if !errors.As(err, &gap) {
			return
		}
		metrics.DepthResync(p.sw.Symbol)
		p.throttle.Reset()
		p.log.WithComponent("provider").WithError(err).WithFields(logger.Fields{
			"symbol": p.sw.Symbol,
		}).Warn("depth stream out of sync, re-seeding")
		p.publish(p.actx, p.builder().Status(events.SeverityWarning, faults.CodeResyncRequired, err.Error()))
		if !p.resyncArmed {
			p.reseed(ctx)
		}
		return
	}
	p.throttle.Add(res)
}

// flush emits throttled depth and ticker batches that are due.
func (p *Provider) flush(ctx context.Context, now time.Time) {
	if p.book != nil && p.book.State() == book.StateStreaming && p.throttle.Due(now) {
		if u, ok := p.throttle.Flush(p.book, now); ok {
			p.cache.PutDepth(p.book.Snapshot(p.opts.DepthLimit, now))
			p.publish(p.actx, p.builder().DepthUpdate(u))
		}
	}

	if p.tickersDirty && now.Sub(p.lastTickerEmit) >= p.opts.TickerThrottle {
		set := p.watchSet()
		batch := make([]models.Ticker, 0, len(set))
		for sym, t := range p.tickers {
			if _, ok := set[sym]; ok {
				batch = append(batch, t)
			}
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].Symbol < batch[j].Symbol })

		p.tickersDirty = false
		p.lastTickerEmit = now
		p.cache.PutTickers(batch)
		p.publish(ctx, p.builder().Tickers(batch))
	}
}
