package engine

import (
	"context"
	"fmt"

	"marketcore/internal/events"
	"marketcore/internal/faults"
	"marketcore/internal/metrics"
	"marketcore/logger"
	"marketcore/models"
)

// dispatch delivers queued events in order until ctx is cancelled, then
// delivers whatever is still queued.
func (o *Orchestrator) dispatch(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		ev, err := o.queue.Pop(ctx)
		if err != nil {
			break
		}
		o.deliver(ev)
	}
	for {
		ev, ok := o.queue.TryPop()
		if !ok {
			return
		}
		o.deliver(ev)
	}
}

func (o *Orchestrator) deliver(ev events.Event) {
	if ev.Type == typeReplay {
		o.replay(ev.Target)
		return
	}
	if !o.epoch.IsCurrent(ev.Epoch) {
		metrics.EmitDropMetric(o.log, metrics.DropStaleEpoch, ev.Symbol, "dispatch")
		return
	}
	metrics.EventPublished(string(ev.Type))

	for _, sub := range o.recipients(ev.Target) {
		o.send(sub, ev)
	}
}

func (o *Orchestrator) recipients(target string) []*subscriber {
	o.subsMu.RLock()
	defer o.subsMu.RUnlock()
	if target != "" {
		if sub, ok := o.subs[target]; ok && sub.ready.Load() {
			return []*subscriber{sub}
		}
		return nil
	}
	out := make([]*subscriber, 0, len(o.order))
	for _, id := range o.order {
		if sub := o.subs[id]; sub != nil && sub.ready.Load() {
			out = append(out, sub)
		}
	}
	return out
}

// send hands ev to one sink. A panicking sink is reported through STATUS and
// keeps its subscription.
func (o *Orchestrator) send(sub *subscriber, ev events.Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("subscriber %s panicked on %s: %v", sub.id, ev.Type, r)
		o.log.WithComponent("engine").WithError(err).Error("recovered from panic")

		if st, ok := ev.Payload.(events.Status); ok && st.Code == faults.CodeInternal {
			return
		}
		o.emitStatus(o.current(), events.SeverityError, faults.CodeInternal, err.Error())
	}()
	sub.sink.OnEvent(ev)
}

// replay sends the cached state of the active key to a newly added subscriber
// and then marks it ready for live events. Replay events share the epoch in
// force at delivery, so they are ordered before anything newer.
func (o *Orchestrator) replay(id string) {
	o.subsMu.RLock()
	sub := o.subs[id]
	o.subsMu.RUnlock()
	if sub == nil {
		return
	}

	sw := o.current()
	b := o.builder(sw)
	key := models.SeriesKey{Symbol: sw.Symbol, Timeframe: sw.Timeframe}

	var out []events.Event
	if tickers := o.cache.Tickers(); len(tickers) > 0 {
		out = append(out, b.Tickers(tickers))
	}
	bars := o.cache.Candles(key)
	if len(bars) > 0 {
		out = append(out, b.CandleHistory(bars))
	}
	book, hasDepth := o.cache.Depth(sw.Symbol)
	if hasDepth {
		out = append(out, b.DepthSnapshot(book))
	}
	trades := o.cache.Trades(sw.Symbol)
	if len(trades) > o.opts.ReplayTrades {
		trades = trades[len(trades)-o.opts.ReplayTrades:]
	}
	for _, t := range trades {
		out = append(out, b.Trade(t))
	}
	if len(bars) == 0 && !hasDepth {
		out = append(out, b.Status(events.SeverityInfo, faults.CodeNoData,
			fmt.Sprintf("no cached data for %s %s yet", sw.Symbol, sw.Timeframe)))
	}

	for _, ev := range out {
		o.send(sub, ev)
	}
	sub.ready.Store(true)

	o.log.WithComponent("engine").WithFields(logger.Fields{
		"subscriber": id,
		"events":     len(out),
		"epoch":      sw.Epoch,
	}).Debug("replayed cached state")
}
