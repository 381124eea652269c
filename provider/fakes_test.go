package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"marketcore/internal/events"
	"marketcore/internal/faults"
	"marketcore/models"
	"marketcore/reader/binance"
)

type fakeREST struct {
	mu        sync.Mutex
	klines    map[string][]models.Candle
	klinesErr error
	depth     []models.DepthSnapshot
	depthErr  error
	depthHits int
	trades    map[string][]models.Trade
	tickers   []models.Ticker
	since     []int64
	hold      map[string]chan struct{}
	entered   chan string
}

func newFakeREST() *fakeREST {
	return &fakeREST{
		klines:  make(map[string][]models.Candle),
		trades:  make(map[string][]models.Trade),
		hold:    make(map[string]chan struct{}),
		entered: make(chan string, 8),
	}
}

// holdKlines makes Klines for symbol block, ignoring ctx, until release is
// called. The result is then served as if the request had been slow.
func (f *fakeREST) holdKlines(symbol string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.hold[symbol] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeREST) Klines(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	f.mu.Lock()
	gate := f.hold[symbol]
	f.mu.Unlock()
	if gate != nil {
		f.entered <- symbol
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.klinesErr != nil {
		return nil, f.klinesErr
	}
	return models.CloneCandles(f.klines[symbol]), nil
}

func (f *fakeREST) KlinesSince(ctx context.Context, symbol string, tf models.Timeframe, startTime int64) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, startTime)
	var out []models.Candle
	for _, c := range f.klines[symbol] {
		if c.OpenTime >= startTime {
			out = append(out, c)
		}
	}
	return out, nil
}

// Depth serves the queued snapshots in order, repeating the last one.
func (f *fakeREST) Depth(ctx context.Context, symbol string, limit int) (models.DepthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depthHits++
	if f.depthErr != nil {
		return models.DepthSnapshot{}, f.depthErr
	}
	if len(f.depth) == 0 {
		return models.DepthSnapshot{Symbol: symbol}, nil
	}
	snap := f.depth[0]
	if len(f.depth) > 1 {
		f.depth = f.depth[1:]
	}
	snap.Symbol = symbol
	return snap, nil
}

func (f *fakeREST) Tickers(ctx context.Context, symbols []string) ([]models.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Ticker(nil), f.tickers...), nil
}

func (f *fakeREST) AggTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Trade(nil), f.trades[symbol]...), nil
}

func (f *fakeREST) depthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depthHits
}

type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, &faults.TransportError{Op: "read", Err: errors.New("connection reset")}
		}
		return f, nil
	case <-c.done:
		return nil, &faults.TransportError{Op: "read", Err: errors.New("closed")}
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// drop simulates the venue closing the connection.
func (c *fakeConn) drop() { close(c.frames) }

type fakeDialer struct {
	mu      sync.Mutex
	symbol  []*fakeConn
	ticker  []*fakeConn
	dials   []string
	failAll bool
	failN   int
}

func (d *fakeDialer) Dial(ctx context.Context, streams []string) (binance.StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, strings.Join(streams, "/"))
	isTicker := len(streams) == 1 && streams[0] == binance.TickerArrayStream
	if !isTicker && (d.failAll || d.failN > 0) {
		if d.failN > 0 {
			d.failN--
		}
		return nil, &faults.TransportError{Op: "dial", Err: errors.New("refused")}
	}
	c := newFakeConn()
	if isTicker {
		d.ticker = append(d.ticker, c)
	} else {
		d.symbol = append(d.symbol, c)
	}
	return c, nil
}

func (d *fakeDialer) lastSymbolConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.symbol) == 0 {
		return nil
	}
	return d.symbol[len(d.symbol)-1]
}

func (d *fakeDialer) symbolDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.symbol)
}

func (d *fakeDialer) lastTickerConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ticker) == 0 {
		return nil
	}
	return d.ticker[len(d.ticker)-1]
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

// recorder is a Publisher that keeps every event for inspection.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) statusCodes() []string {
	var out []string
	for _, ev := range r.ofType(events.TypeStatus) {
		out = append(out, ev.Payload.(events.Status).Code)
	}
	return out
}

func (r *recorder) hasStatus(code string) bool {
	for _, c := range r.statusCodes() {
		if c == code {
			return true
		}
	}
	return false
}

func closedBars(start int64, n int, tf models.Timeframe) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		open := start + int64(i)*tf.Millis()
		out[i] = models.Candle{
			OpenTime:  open,
			CloseTime: open + tf.Millis() - 1,
			Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 1,
			Closed: true,
		}
	}
	return out
}

func depthFrame(symbol string, first, last int64, bid, ask string) []byte {
	return []byte(fmt.Sprintf(`{"stream":"%s@depth@100ms","data":{"e":"depthUpdate","E":1,"s":"%s","U":%d,"u":%d,"b":[[%q,"1"]],"a":[[%q,"1"]]}}`,
		strings.ToLower(symbol), symbol, first, last, bid, ask))
}

func tradeFrame(symbol string, id int64) []byte {
	return []byte(fmt.Sprintf(`{"stream":"%s@aggTrade","data":{"e":"aggTrade","E":1,"s":"%s","a":%d,"p":"100","q":"1","f":1,"l":1,"T":%d,"m":false,"M":true}}`,
		strings.ToLower(symbol), symbol, id, id))
}

func klineFrame(symbol string, tf models.Timeframe, open int64, closed bool) []byte {
	return []byte(fmt.Sprintf(`{"stream":"%s@kline_%s","data":{"e":"kline","E":1,"s":"%s","k":{"t":%d,"T":%d,"s":"%s","i":"%s","f":1,"L":2,"o":"1","c":"2","h":"3","l":"0.5","v":"10","n":2,"x":%t,"q":"20","V":"5","Q":"10","B":"0"}}}`,
		strings.ToLower(symbol), tf, symbol, open, open+tf.Millis()-1, symbol, tf, closed))
}
