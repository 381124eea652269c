// Package cache keeps a bounded, memory-only window of recent market state.
//
// Each key stores an immutable slice behind an atomic pointer. The single
// writer replaces the slice on every change, so readers never wait on the
// writer and never see a partially applied update. Reads also hand back a
// copy so callers cannot reach into the stored version.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"marketcore/internal/events"
	"marketcore/models"
)

const (
	DefaultMaxCandles  = 1200
	DefaultMaxTrades   = 2000
	DefaultMaxStatuses = 50
)

// Limits bounds the number of items retained per key.
type Limits struct {
	Candles  int
	Trades   int
	Statuses int
}

func (l Limits) withDefaults() Limits {
	if l.Candles <= 0 {
		l.Candles = DefaultMaxCandles
	}
	if l.Trades <= 0 {
		l.Trades = DefaultMaxTrades
	}
	if l.Statuses <= 0 {
		l.Statuses = DefaultMaxStatuses
	}
	return l
}

// StatusRecord is a STATUS event kept for later inspection.
type StatusRecord struct {
	Time   time.Time     `json:"time"`
	Epoch  uint64        `json:"epoch"`
	Status events.Status `json:"status"`
}

type slot[T any] struct {
	p atomic.Pointer[[]T]
}

func (s *slot[T]) load() []T {
	if v := s.p.Load(); v != nil {
		return *v
	}
	return nil
}

func (s *slot[T]) store(v []T) {
	s.p.Store(&v)
}

// Manager is safe for concurrent use. Writes are serialized; reads are lock-free
// apart from a short map lookup.
type Manager struct {
	limits Limits

	writeMu sync.Mutex

	mu      sync.RWMutex
	candles map[models.SeriesKey]*slot[models.Candle]
	trades  map[string]*slot[models.Trade]
	depth   map[string]*atomic.Pointer[models.BookSnapshot]

	tickers  slot[models.Ticker]
	statuses slot[StatusRecord]
}

func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:  limits.withDefaults(),
		candles: make(map[models.SeriesKey]*slot[models.Candle]),
		trades:  make(map[string]*slot[models.Trade]),
		depth:   make(map[string]*atomic.Pointer[models.BookSnapshot]),
	}
}

func (m *Manager) candleSlot(key models.SeriesKey, create bool) *slot[models.Candle] {
	m.mu.RLock()
	s := m.candles[key]
	m.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.candles[key]; s == nil {
		s = &slot[models.Candle]{}
		m.candles[key] = s
	}
	return s
}

func (m *Manager) tradeSlot(symbol string, create bool) *slot[models.Trade] {
	m.mu.RLock()
	s := m.trades[symbol]
	m.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.trades[symbol]; s == nil {
		s = &slot[models.Trade]{}
		m.trades[symbol] = s
	}
	return s
}

// PutCandles replaces the series for key with bars (assumed ordered by open time).
func (m *Manager) PutCandles(key models.SeriesKey, bars []models.Candle) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if len(bars) > m.limits.Candles {
		bars = bars[len(bars)-m.limits.Candles:]
	}
	m.candleSlot(key, true).store(models.CloneCandles(bars))
}

// PutCandle inserts or replaces bar by open time, evicting the oldest bar on overflow.
func (m *Manager) PutCandle(key models.SeriesKey, bar models.Candle) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	s := m.candleSlot(key, true)
	cur := s.load()
	idx := sort.Search(len(cur), func(i int) bool { return cur[i].OpenTime >= bar.OpenTime })

	next := make([]models.Candle, 0, len(cur)+1)
	next = append(next, cur[:idx]...)
	next = append(next, bar)
	if idx < len(cur) && cur[idx].OpenTime == bar.OpenTime {
		next = append(next, cur[idx+1:]...)
	} else {
		next = append(next, cur[idx:]...)
	}
	if len(next) > m.limits.Candles {
		next = next[len(next)-m.limits.Candles:]
	}
	s.store(next)
}

// Candles returns a copy of the cached series for key.
func (m *Manager) Candles(key models.SeriesKey) []models.Candle {
	s := m.candleSlot(key, false)
	if s == nil {
		return nil
	}
	return models.CloneCandles(s.load())
}

// PutTrade stores t keeping trades ordered by ID. It reports false for a
// duplicate ID or for a trade older than a full window.
func (m *Manager) PutTrade(symbol string, t models.Trade) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	s := m.tradeSlot(symbol, true)
	cur := s.load()
	if len(cur) >= m.limits.Trades && t.ID < cur[0].ID {
		return false
	}
	idx := sort.Search(len(cur), func(i int) bool { return cur[i].ID >= t.ID })
	if idx < len(cur) && cur[idx].ID == t.ID {
		return false
	}

	next := make([]models.Trade, 0, len(cur)+1)
	next = append(next, cur[:idx]...)
	next = append(next, t)
	next = append(next, cur[idx:]...)
	if len(next) > m.limits.Trades {
		next = next[len(next)-m.limits.Trades:]
	}
	s.store(next)
	return true
}

// Trades returns a copy of the cached trades for symbol, ascending by ID.
func (m *Manager) Trades(symbol string) []models.Trade {
	s := m.tradeSlot(symbol, false)
	if s == nil {
		return nil
	}
	cur := s.load()
	out := make([]models.Trade, len(cur))
	copy(out, cur)
	return out
}

// LastTradeID reports the highest cached trade ID for symbol.
func (m *Manager) LastTradeID(symbol string) (int64, bool) {
	s := m.tradeSlot(symbol, false)
	if s == nil {
		return 0, false
	}
	cur := s.load()
	if len(cur) == 0 {
		return 0, false
	}
	return cur[len(cur)-1].ID, true
}

func (m *Manager) PutDepth(book models.BookSnapshot) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cp := book.Clone()
	m.mu.Lock()
	p := m.depth[book.Symbol]
	if p == nil {
		p = &atomic.Pointer[models.BookSnapshot]{}
		m.depth[book.Symbol] = p
	}
	m.mu.Unlock()
	p.Store(&cp)
}

func (m *Manager) Depth(symbol string) (models.BookSnapshot, bool) {
	m.mu.RLock()
	p := m.depth[symbol]
	m.mu.RUnlock()
	if p == nil {
		return models.BookSnapshot{}, false
	}
	b := p.Load()
	if b == nil {
		return models.BookSnapshot{}, false
	}
	return b.Clone(), true
}

// PutTickers replaces the ticker batch wholesale.
func (m *Manager) PutTickers(tickers []models.Ticker) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cp := make([]models.Ticker, len(tickers))
	copy(cp, tickers)
	m.tickers.store(cp)
}

func (m *Manager) Tickers() []models.Ticker {
	cur := m.tickers.load()
	out := make([]models.Ticker, len(cur))
	copy(out, cur)
	return out
}

func (m *Manager) PutStatus(rec StatusRecord) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.statuses.load()
	next := make([]StatusRecord, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, rec)
	if len(next) > m.limits.Statuses {
		next = next[len(next)-m.limits.Statuses:]
	}
	m.statuses.store(next)
}

func (m *Manager) Statuses() []StatusRecord {
	cur := m.statuses.load()
	out := make([]StatusRecord, len(cur))
	copy(out, cur)
	return out
}

// DropSymbol discards every cached item for symbol.
func (m *Manager) DropSymbol(symbol string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.candles {
		if key.Symbol == symbol {
			delete(m.candles, key)
		}
	}
	delete(m.trades, symbol)
	delete(m.depth, symbol)
}

// DropSeries discards one candle series.
func (m *Manager) DropSeries(key models.SeriesKey) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	delete(m.candles, key)
	m.mu.Unlock()
}

// SeriesKeys lists the candle series currently cached, sorted for stable output.
func (m *Manager) SeriesKeys() []models.SeriesKey {
	m.mu.RLock()
	keys := make([]models.SeriesKey, 0, len(m.candles))
	for k := range m.candles {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
