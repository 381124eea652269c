package provider

import (
	"context"
	"fmt"
	"sort"

	"marketcore/internal/book"
	"marketcore/internal/candle"
	"marketcore/internal/events"
	"marketcore/internal/faults"
	"marketcore/internal/metrics"
	"marketcore/logger"
	"marketcore/models"
	"marketcore/reader/binance"
)

// activate moves the worker to sw: old streams close, per-key state resets,
// then backfill, depth seed and trade priming run in that order.
func (p *Provider) activate(ctx context.Context, sw events.Switch) {
	prev := p.sw
	p.closeLink(p.symbolLink)
	if p.book != nil {
		p.book.Close()
	}
	p.newActivation(ctx)
	p.sw = sw

	if prev.Symbol != "" && !p.opts.RetainOnSwitch {
		switch {
		case prev.Symbol != sw.Symbol:
			p.cache.DropSymbol(prev.Symbol)
		case prev.Timeframe != sw.Timeframe:
			p.cache.DropSeries(models.SeriesKey{Symbol: prev.Symbol, Timeframe: prev.Timeframe})
		}
	}

	p.book = book.NewReconciler(sw.Symbol)
	p.throttle.Reset()
	p.series = candle.NewSeries(p.key(), p.opts.MaxCandles)
	p.resync.Reset()
	p.resyncArmed = false
	p.resyncAttempts = 0
	p.symbolLink = newLink(linkSymbol, binance.SymbolStreams(sw.Symbol, sw.Timeframe, p.opts.DepthStreamSpeed), sw.Epoch, p.opts)

	log := p.log.WithComponent("provider").WithFields(logger.Fields{
		"symbol":    sw.Symbol,
		"timeframe": string(sw.Timeframe),
		"epoch":     sw.Epoch,
	})
	log.Info("activating market data key")

	if len(p.switches) > 0 {
		log.Debug("activation superseded before start")
		return
	}

	// Frames buffer in the raw channel until seeding completes.
	if err := p.open(p.actx, p.symbolLink); err != nil {
		if p.actx.Err() != nil {
			return
		}
		log.WithError(err).Warn("symbol stream unavailable")
		p.scheduleReconnect(ctx, p.symbolLink)
	}
	p.ensureTickerLink(ctx)

	if !p.backfill() {
		return
	}
	if !p.reseed(ctx) {
		return
	}
	p.primeTrades()
}

func (p *Provider) newActivation(parent context.Context) {
	actx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	if p.cancelActive != nil {
		p.cancelActive()
	}
	p.cancelActive = cancel
	p.mu.Unlock()
	p.actx = actx
}

func (p *Provider) key() models.SeriesKey {
	return models.SeriesKey{Symbol: p.sw.Symbol, Timeframe: p.sw.Timeframe}
}

// superseded reports whether the active key changed while a request was in flight.
// Such results are discarded.
func (p *Provider) superseded(op string) bool {
	if p.actx.Err() == nil {
		return false
	}
	metrics.EmitDropMetric(p.log, metrics.DropStaleEpoch, p.sw.Symbol, op)
	return true
}

func (p *Provider) reportREST(op string, err error) {
	p.log.WithComponent("provider").WithError(err).WithFields(logger.Fields{
		"symbol": p.sw.Symbol,
		"op":     op,
	}).Error("rest request failed")
	p.publish(p.actx, p.builder().Error(&faults.RESTError{Op: op, Err: err}))
}

// backfill loads history for the active key and emits CANDLE_HISTORY. It
// reports false only when the activation was superseded.
func (p *Provider) backfill() bool {
	bars, err := p.rest.Klines(p.actx, p.sw.Symbol, p.sw.Timeframe, p.opts.BackfillBars)
	if p.superseded("backfill") {
		return false
	}
	if err != nil {
		p.reportREST("candle backfill", err)
		return true
	}

	history := p.series.LoadHistory(bars)
	p.cache.PutCandles(p.series.Key(), history)
	p.publish(p.actx, p.builder().CandleHistory(history))
	return true
}

// reseed fetches a depth snapshot and seeds the reconciler, replaying diffs
// buffered meanwhile. Failures re-arm a delayed attempt.
func (p *Provider) reseed(ctx context.Context) bool {
	symbol := p.sw.Symbol
	snap, err := p.rest.Depth(p.actx, symbol, p.opts.DepthLimit)
	if p.superseded("depth_snapshot") {
		return false
	}
	if err != nil {
		p.reportREST("depth snapshot", err)
		p.armResync(ctx)
		return true
	}

	applied, err := p.book.Seed(snap)
	p.throttle.Reset()
	if err != nil {
		metrics.DepthResync(symbol)
		p.publish(p.actx, p.builder().Status(events.SeverityWarning, faults.CodeResyncRequired, err.Error()))
		p.armResync(ctx)
		return true
	}

	p.resync.Reset()
	p.resyncAttempts = 0
	now := p.now()
	snapshot := p.book.Snapshot(p.opts.DepthLimit, now)
	p.cache.PutDepth(snapshot)
	p.publish(p.actx, p.builder().DepthSnapshot(snapshot))

	p.log.WithComponent("provider").WithFields(logger.Fields{
		"symbol":         symbol,
		"last_update_id": snapshot.LastUpdateID,
		"replayed_diffs": applied,
	}).Info("order book seeded")
	return true
}

func (p *Provider) armResync(ctx context.Context) {
	if p.resyncArmed {
		return
	}
	p.resyncAttempts++
	if p.resyncAttempts > p.opts.Reconnect.MaxAttempts {
		msg := fmt.Sprintf("%s order book could not be re-seeded after %d attempts; reload to retry",
			p.sw.Symbol, p.opts.Reconnect.MaxAttempts)
		p.publish(p.actx, p.builder().Status(events.SeverityError, faults.CodeStreamDown, msg))
		return
	}
	p.resyncArmed = true
	p.arm(ctx, wake{kind: wakeResync, epoch: p.sw.Epoch}, p.resync.NextBackOff())
}

// primeTrades loads recent trades so the cache is not empty before the first print.
func (p *Provider) primeTrades() {
	if p.opts.TradeLimit == 0 {
		return
	}
	trades, err := p.rest.AggTrades(p.actx, p.sw.Symbol, p.opts.TradeLimit)
	if p.superseded("agg_trades") {
		return
	}
	if err != nil {
		p.reportREST("recent trades", err)
		return
	}
	for _, t := range trades {
		p.storeTrade(t)
	}
}

// storeTrade caches t and publishes it only when it extends the tape. A trade
// older than the newest one seen fills its slot in the cache silently.
func (p *Provider) storeTrade(t models.Trade) {
	last, seen := p.cache.LastTradeID(p.sw.Symbol)
	if !p.cache.PutTrade(p.sw.Symbol, t) {
		return
	}
	if seen && t.ID <= last {
		metrics.EmitDropMetric(p.log, metrics.DropOutOfOrder, p.sw.Symbol, "trade")
		return
	}
	p.publish(p.actx, p.builder().Trade(t))
}

// topUpCandles fills bars missed while disconnected. A gap wider than one
// request or the retained window falls back to a full backfill.
func (p *Provider) topUpCandles(ctx context.Context) bool {
	last, ok := p.series.Last()
	tfMillis := p.sw.Timeframe.Millis()
	window := int64(min(p.opts.MaxCandles, binance.MaxKlinesPerRequest)) * tfMillis
	if !ok || tfMillis <= 0 || p.now().UnixMilli()-last.OpenTime >= window {
		return p.backfill()
	}

	bars, err := p.rest.KlinesSince(p.actx, p.sw.Symbol, p.sw.Timeframe, last.OpenTime)
	if p.superseded("klines_since") {
		return false
	}
	if err != nil {
		p.reportREST("candle top-up", err)
		return true
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime < bars[j].OpenTime })
	for _, bar := range bars {
		p.applyCandle(bar)
	}
	return true
}

// applyCandle merges bar and emits one CANDLE_UPDATE per mutated bar.
func (p *Provider) applyCandle(bar models.Candle) {
	mutated := p.series.ApplyUpdate(bar)
	if len(mutated) == 0 {
		p.log.WithComponent("provider").WithFields(logger.Fields{
			"symbol":    p.sw.Symbol,
			"open_time": bar.OpenTime,
		}).Debug("late candle discarded")
		return
	}
	key := p.series.Key()
	for _, b := range mutated {
		p.cache.PutCandle(key, b)
		p.publish(p.actx, p.builder().CandleUpdate(b))
	}
}

// watchSet is the configured watchlist plus the active symbol.
func (p *Provider) watchSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.opts.Watchlist)+1)
	for _, s := range p.opts.Watchlist {
		set[models.NormalizeSymbol(s)] = struct{}{}
	}
	if p.sw.Symbol != "" {
		set[p.sw.Symbol] = struct{}{}
	}
	return set
}

func (p *Provider) primeTickers(ctx context.Context) {
	set := p.watchSet()
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	tickers, err := p.rest.Tickers(ctx, symbols)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.log.WithComponent("provider").WithError(err).Warn("ticker prime failed")
		p.publish(ctx, p.builder().Error(&faults.RESTError{Op: "ticker snapshot", Err: err}))
		return
	}
	p.mergeTickers(tickers)
}

func (p *Provider) mergeTickers(tickers []models.Ticker) {
	set := p.watchSet()
	for _, t := range tickers {
		if _, ok := set[t.Symbol]; ok {
			p.tickers[t.Symbol] = t
			p.tickersDirty = true
		}
	}
}
