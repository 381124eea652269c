package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketcore/config"
	"marketcore/internal/cache"
	"marketcore/internal/events"
	"marketcore/internal/faults"
	"marketcore/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testOptions() Options {
	return Options{
		Watchlist:         []string{"BTCUSDT", "ETHUSDT"},
		BackfillBars:      300,
		DepthLimit:        100,
		TradeLimit:        10,
		DepthStreamSpeed:  "100ms",
		DepthThrottle:     10 * time.Millisecond,
		DepthUpdateLevels: 10,
		TickerThrottle:    10 * time.Millisecond,
		Reconnect: config.ReconnectConfig{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
			MaxAttempts: 3,
		},
		RawBuffer:  256,
		MaxCandles: 1200,
	}
}

type harness struct {
	p      *Provider
	rest   *fakeREST
	dialer *fakeDialer
	cache  *cache.Manager
	rec    *recorder
}

func newHarness(rest *fakeREST, opts Options) *harness {
	c := cache.NewManager(cache.Limits{})
	d := &fakeDialer{}
	return &harness{p: New(rest, d, c, opts), rest: rest, dialer: d, cache: c, rec: &recorder{}}
}

func (h *harness) run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx, h.rec) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) count(typ events.Type) func() bool {
	return func() bool { return len(h.rec.ofType(typ)) > 0 }
}

func seededREST(symbol string) *fakeREST {
	rest := newFakeREST()
	rest.klines[symbol] = closedBars(0, 300, models.Timeframe1m)
	rest.depth = []models.DepthSnapshot{{
		LastUpdateID: 100,
		Bids:         []models.DepthLevel{{Price: 99, Quantity: 1}},
		Asks:         []models.DepthLevel{{Price: 101, Quantity: 1}},
	}}
	rest.trades[symbol] = []models.Trade{{ID: 1, Price: 100, Quantity: 1}, {ID: 2, Price: 100, Quantity: 1}, {ID: 3, Price: 100, Quantity: 1}}
	return rest
}

func indexOf(evs []events.Event, typ events.Type) int {
	for i, ev := range evs {
		if ev.Type == typ {
			return i
		}
	}
	return -1
}

func TestCapabilitiesCoverProducedEvents(t *testing.T) {
	p := New(newFakeREST(), &fakeDialer{}, cache.NewManager(cache.Limits{}), Options{})
	caps := p.Capabilities()
	for _, typ := range []events.Type{
		events.TypeTickers, events.TypeCandleHistory, events.TypeCandleUpdate, events.TypeTrade,
		events.TypeDepthSnapshot, events.TypeDepthUpdate, events.TypeStatus,
	} {
		assert.Contains(t, caps, typ)
	}
}

func TestSwitchKeepsOnlyLatestRequest(t *testing.T) {
	p := New(newFakeREST(), &fakeDialer{}, cache.NewManager(cache.Limits{}), Options{})
	p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	p.Switch(events.Switch{Symbol: "ETHUSDT", Timeframe: models.Timeframe1m, Epoch: 2})
	p.Switch(events.Switch{Symbol: "SOLUSDT", Timeframe: models.Timeframe5m, Epoch: 3})

	require.Len(t, p.switches, 1)
	sw := <-p.switches
	assert.Equal(t, uint64(3), sw.Epoch)
	assert.Equal(t, "SOLUSDT", sw.Symbol)
}

func TestProviderSeedsThenStreamsDepth(t *testing.T) {
	rest := seededREST("BTCUSDT")
	rest.depth = append(rest.depth, models.DepthSnapshot{
		LastUpdateID: 115,
		Bids:         []models.DepthLevel{{Price: 98, Quantity: 2}},
		Asks:         []models.DepthLevel{{Price: 102, Quantity: 2}},
	})
	h := newHarness(rest, testOptions())
	h.run(t)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	require.Eventually(t, h.count(events.TypeDepthSnapshot), waitFor, tick)
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeTrade)) == 3 }, waitFor, tick)

	evs := h.rec.all()
	history := indexOf(evs, events.TypeCandleHistory)
	snapshot := indexOf(evs, events.TypeDepthSnapshot)
	trade := indexOf(evs, events.TypeTrade)
	require.NotEqual(t, -1, history)
	assert.Less(t, history, snapshot, "history precedes the depth snapshot")
	assert.Less(t, snapshot, trade, "depth snapshot precedes trades")
	assert.Len(t, evs[history].Payload.(events.CandleHistory).Bars, 300)
	for _, ev := range evs {
		assert.Equal(t, uint64(1), ev.Epoch)
	}

	conn := h.dialer.lastSymbolConn()
	require.NotNil(t, conn)

	// 101..105 applies on top of the snapshot at 100.
	conn.frames <- depthFrame("BTCUSDT", 101, 105, "99.5", "100.5")
	require.Eventually(t, h.count(events.TypeDepthUpdate), waitFor, tick)
	update := h.rec.ofType(events.TypeDepthUpdate)[0].Payload.(events.DepthUpdate).Update
	assert.EqualValues(t, 105, update.LastUpdateID)
	assert.Equal(t, 99.5, update.Bids[0].Price)

	// 90..95 is stale and changes nothing.
	conn.frames <- depthFrame("BTCUSDT", 90, 95, "99.9", "100.1")

	// 110..115 skips 106..109.
	conn.frames <- depthFrame("BTCUSDT", 110, 115, "99.7", "100.3")
	require.Eventually(t, func() bool { return h.rec.hasStatus(faults.CodeResyncRequired) }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeDepthSnapshot)) == 2 }, waitFor, tick)

	for _, ev := range h.rec.ofType(events.TypeDepthUpdate) {
		u := ev.Payload.(events.DepthUpdate).Update
		assert.NotEqual(t, 99.9, u.Bids[0].Price, "stale diff must not reach consumers")
	}
	reseeded := h.rec.ofType(events.TypeDepthSnapshot)[1].Payload.(events.DepthSnapshot).Book
	assert.EqualValues(t, 115, reseeded.LastUpdateID)

	book, ok := h.cache.Depth("BTCUSDT")
	require.True(t, ok)
	assert.EqualValues(t, 115, book.LastUpdateID)

	require.Eventually(t, func() bool {
		health := h.p.Health()
		return health.BidLevels == 1 && health.AskLevels == 1
	}, waitFor, tick)
}

func TestProviderDedupsTradesAndMergesKlines(t *testing.T) {
	h := newHarness(seededREST("BTCUSDT"), testOptions())
	h.run(t)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeTrade)) == 3 }, waitFor, tick)

	conn := h.dialer.lastSymbolConn()
	conn.frames <- tradeFrame("BTCUSDT", 3)
	conn.frames <- tradeFrame("BTCUSDT", 4)
	conn.frames <- tradeFrame("BTCUSDT", 4)

	next := int64(300) * models.Timeframe1m.Millis()
	conn.frames <- klineFrame("BTCUSDT", models.Timeframe1m, next, false)
	conn.frames <- klineFrame("BTCUSDT", models.Timeframe1m, next, true)
	conn.frames <- klineFrame("BTCUSDT", models.Timeframe1m, 0, true)

	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeCandleUpdate)) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeTrade)) == 4 }, waitFor, tick)

	var ids []int64
	for _, tr := range h.cache.Trades("BTCUSDT") {
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	bars := h.cache.Candles(models.SeriesKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m})
	require.Len(t, bars, 301)
	last := bars[len(bars)-1]
	assert.Equal(t, next, last.OpenTime)
	assert.True(t, last.Closed)
	assert.Equal(t, 0.5, last.Low)
}

func TestProviderPublishesTradesInIDOrder(t *testing.T) {
	h := newHarness(seededREST("BTCUSDT"), testOptions())
	h.run(t)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeTrade)) == 3 }, waitFor, tick)

	conn := h.dialer.lastSymbolConn()
	conn.frames <- tradeFrame("BTCUSDT", 10)
	conn.frames <- tradeFrame("BTCUSDT", 5)
	require.Eventually(t, func() bool { return len(h.cache.Trades("BTCUSDT")) == 5 }, waitFor, tick)

	var published []int64
	for _, ev := range h.rec.ofType(events.TypeTrade) {
		published = append(published, ev.Payload.(events.Trade).Trade.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 10}, published)

	var cached []int64
	for _, tr := range h.cache.Trades("BTCUSDT") {
		cached = append(cached, tr.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 5, 10}, cached, "late trade still fills its slot")
}

func TestProviderDiscardsBackfillHeldAcrossSwitch(t *testing.T) {
	rest := seededREST("BTCUSDT")
	rest.klines["ETHUSDT"] = closedBars(0, 300, models.Timeframe1m)
	rest.trades["ETHUSDT"] = []models.Trade{{ID: 50, Price: 2000, Quantity: 1}}
	release := rest.holdKlines("BTCUSDT")
	h := newHarness(rest, testOptions())
	h.run(t)
	t.Cleanup(release)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	select {
	case sym := <-rest.entered:
		require.Equal(t, "BTCUSDT", sym)
	case <-time.After(waitFor):
		t.Fatal("backfill request was not issued")
	}

	// A frame buffered for the old key must not leak out either.
	btcConn := h.dialer.lastSymbolConn()
	require.NotNil(t, btcConn)
	btcConn.frames <- tradeFrame("BTCUSDT", 99)

	h.p.Switch(events.Switch{Symbol: "ETHUSDT", Timeframe: models.Timeframe1m, Epoch: 2})
	release()

	require.Eventually(t, func() bool {
		for _, ev := range h.rec.ofType(events.TypeDepthSnapshot) {
			if ev.Epoch == 2 {
				return true
			}
		}
		return false
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeTrade)) == 1 }, waitFor, tick)

	for _, ev := range h.rec.all() {
		if ev.Epoch == 1 {
			assert.Equal(t, events.TypeStatus, ev.Type, "epoch 1 produced %s", ev.Type)
			continue
		}
		assert.Equal(t, "ETHUSDT", ev.Symbol)
	}
	history := h.rec.ofType(events.TypeCandleHistory)
	require.Len(t, history, 1)
	assert.Equal(t, uint64(2), history[0].Epoch)
	assert.Nil(t, h.cache.Candles(models.SeriesKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m}))
}

func TestReconnectJitterDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultReconnectJitter, opts.Reconnect.Jitter)
	assert.Equal(t, DefaultReconnectJitter, newBackOff(opts).RandomizationFactor)

	opts = Options{Reconnect: config.ReconnectConfig{Jitter: 0.5}}.withDefaults()
	assert.Equal(t, 0.5, newBackOff(opts).RandomizationFactor)

	opts = Options{Reconnect: config.ReconnectConfig{Jitter: 3}}.withDefaults()
	assert.Equal(t, 1.0, opts.Reconnect.Jitter)
}

func TestProviderSwitchDropsPreviousSymbol(t *testing.T) {
	rest := seededREST("BTCUSDT")
	rest.klines["ETHUSDT"] = closedBars(0, 300, models.Timeframe1m)
	rest.trades["ETHUSDT"] = []models.Trade{{ID: 50, Price: 2000, Quantity: 1}}
	h := newHarness(rest, testOptions())
	h.run(t)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	require.Eventually(t, h.count(events.TypeDepthSnapshot), waitFor, tick)
	require.Eventually(t, func() bool { return len(h.cache.Trades("BTCUSDT")) == 3 }, waitFor, tick)
	btcConn := h.dialer.lastSymbolConn()

	h.p.Switch(events.Switch{Symbol: "ETHUSDT", Timeframe: models.Timeframe1m, Epoch: 2})
	require.Eventually(t, func() bool {
		for _, ev := range h.rec.ofType(events.TypeDepthSnapshot) {
			if ev.Epoch == 2 && ev.Symbol == "ETHUSDT" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	select {
	case <-btcConn.done:
	case <-time.After(waitFor):
		t.Fatal("previous symbol stream was not closed")
	}
	assert.Empty(t, h.cache.Trades("BTCUSDT"))
	assert.Nil(t, h.cache.Candles(models.SeriesKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m}))
	_, ok := h.cache.Depth("BTCUSDT")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		health := h.p.Health()
		return health.Symbol == "ETHUSDT" && health.Epoch == 2
	}, waitFor, tick)
}

func TestProviderRetainsCacheWhenConfigured(t *testing.T) {
	rest := seededREST("BTCUSDT")
	opts := testOptions()
	opts.RetainOnSwitch = true
	h := newHarness(rest, opts)
	h.run(t)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	require.Eventually(t, func() bool { return len(h.cache.Trades("BTCUSDT")) == 3 }, waitFor, tick)

	h.p.Switch(events.Switch{Symbol: "ETHUSDT", Timeframe: models.Timeframe1m, Epoch: 2})
	require.Eventually(t, func() bool { return h.p.Health().Epoch == 2 }, waitFor, tick)
	assert.Len(t, h.cache.Trades("BTCUSDT"), 3)
}

func TestProviderReconnectReseedsAndTopsUp(t *testing.T) {
	rest := seededREST("BTCUSDT")
	h := newHarness(rest, testOptions())
	lastOpen := int64(299) * models.Timeframe1m.Millis()
	h.p.now = func() time.Time { return time.UnixMilli(lastOpen + 3*models.Timeframe1m.Millis()) }
	h.run(t)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	require.Eventually(t, h.count(events.TypeDepthSnapshot), waitFor, tick)
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeTrade)) == 3 }, waitFor, tick)

	h.dialer.lastSymbolConn().drop()

	require.Eventually(t, func() bool { return h.dialer.symbolDials() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.rec.ofType(events.TypeDepthSnapshot)) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.rec.hasStatus(faults.CodeInfo) }, waitFor, tick)

	codes := h.rec.statusCodes()
	assert.Contains(t, codes, faults.CodeTransport)
	assert.Contains(t, codes, faults.CodeResyncRequired)

	rest.mu.Lock()
	since := append([]int64(nil), rest.since...)
	rest.mu.Unlock()
	assert.Equal(t, []int64{lastOpen}, since, "a short outage tops up from the last bar")
	assert.Len(t, h.rec.ofType(events.TypeCandleHistory), 1)
}

func TestProviderStreamDownAfterMaxAttempts(t *testing.T) {
	h := newHarness(seededREST("BTCUSDT"), testOptions())
	h.run(t)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	require.Eventually(t, h.count(events.TypeDepthSnapshot), waitFor, tick)

	h.dialer.setFailAll(true)
	h.dialer.lastSymbolConn().drop()

	require.Eventually(t, func() bool { return h.rec.hasStatus(faults.CodeStreamDown) }, waitFor, tick)
	require.Eventually(t, func() bool { return h.p.Health().SymbolStream == "down" }, waitFor, tick)

	book, ok := h.cache.Depth("BTCUSDT")
	require.True(t, ok, "last known book stays visible")
	assert.EqualValues(t, 100, book.LastUpdateID)
	assert.Len(t, h.cache.Trades("BTCUSDT"), 3)
}

func TestProviderReportsRESTFailureAndContinues(t *testing.T) {
	rest := seededREST("BTCUSDT")
	rest.klinesErr = &faults.TransportError{Op: "klines", Err: context.DeadlineExceeded}
	h := newHarness(rest, testOptions())
	h.run(t)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	require.Eventually(t, func() bool { return h.rec.hasStatus(faults.CodeRESTFailed) }, waitFor, tick)
	require.Eventually(t, h.count(events.TypeDepthSnapshot), waitFor, tick)

	for _, ev := range h.rec.ofType(events.TypeStatus) {
		st := ev.Payload.(events.Status)
		if st.Code == faults.CodeRESTFailed {
			assert.Equal(t, events.SeverityError, st.Severity)
			assert.Contains(t, st.Message, "candle backfill")
		}
	}
	assert.Empty(t, h.rec.ofType(events.TypeCandleHistory))
}

func TestProviderTickersFilteredToWatchlist(t *testing.T) {
	rest := seededREST("BTCUSDT")
	rest.tickers = []models.Ticker{
		{Symbol: "BTCUSDT", LastPrice: 60000},
		{Symbol: "XRPUSDT", LastPrice: 0.5},
	}
	h := newHarness(rest, testOptions())
	h.run(t)

	h.p.Switch(events.Switch{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m, Epoch: 1})
	require.Eventually(t, h.count(events.TypeTickers), waitFor, tick)

	first := h.rec.ofType(events.TypeTickers)[0].Payload.(events.Tickers).Tickers
	require.Len(t, first, 1)
	assert.Equal(t, "BTCUSDT", first[0].Symbol)

	conn := h.dialer.lastTickerConn()
	require.NotNil(t, conn)
	conn.frames <- []byte(`{"stream":"!ticker@arr","data":[
		{"e":"24hrTicker","E":1,"s":"ETHUSDT","p":"1","P":"0.5","c":"2000","b":"1999","a":"2001","v":"10","Q":"1","B":"1","A":"1","o":"1","O":0,"C":1,"l":"1","L":1,"q":"1"},
		{"e":"24hrTicker","E":1,"s":"DOGEUSDT","p":"1","P":"0.5","c":"0.1","b":"0.1","a":"0.1","v":"10","Q":"1","B":"1","A":"1","o":"1","O":0,"C":1,"l":"1","L":1,"q":"1"}]}`)

	require.Eventually(t, func() bool { return len(h.cache.Tickers()) == 2 }, waitFor, tick)
	tickers := h.cache.Tickers()
	assert.Equal(t, "BTCUSDT", tickers[0].Symbol)
	assert.Equal(t, "ETHUSDT", tickers[1].Symbol)
	assert.Equal(t, 2000.0, tickers[1].LastPrice)
}
