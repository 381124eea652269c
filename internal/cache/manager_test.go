package cache

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketcore/internal/events"
	"marketcore/models"
)

func TestTradesDeduplicatedAndAscending(t *testing.T) {
	m := NewManager(Limits{})
	rng := rand.New(rand.NewSource(7))

	distinct := make(map[int64]struct{})
	var id int64 = 5000
	for i := 0; i < 1000; i++ {
		if i > 0 && rng.Intn(4) == 0 {
			// replay an id already seen
			dup := id - int64(rng.Intn(5))
			if _, ok := distinct[dup]; ok {
				assert.False(t, m.PutTrade("BTCUSDT", models.Trade{ID: dup}))
				continue
			}
		}
		id++
		distinct[id] = struct{}{}
		require.True(t, m.PutTrade("BTCUSDT", models.Trade{ID: id, Price: 1, Quantity: 1}))
	}

	trades := m.Trades("BTCUSDT")
	require.Len(t, trades, len(distinct))
	for i := 1; i < len(trades); i++ {
		require.Less(t, trades[i-1].ID, trades[i].ID)
	}
	for _, tr := range trades {
		_, ok := distinct[tr.ID]
		require.True(t, ok)
	}
}

func TestTradesOutOfOrderInsert(t *testing.T) {
	m := NewManager(Limits{})
	for _, id := range []int64{3, 1, 2, 3, 1} {
		m.PutTrade("ETHUSDT", models.Trade{ID: id})
	}
	trades := m.Trades("ETHUSDT")
	require.Len(t, trades, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{trades[0].ID, trades[1].ID, trades[2].ID})

	last, ok := m.LastTradeID("ETHUSDT")
	assert.True(t, ok)
	assert.Equal(t, int64(3), last)
}

func TestTradesEvictOldest(t *testing.T) {
	m := NewManager(Limits{Trades: 3})
	for id := int64(1); id <= 5; id++ {
		m.PutTrade("BTCUSDT", models.Trade{ID: id})
	}
	trades := m.Trades("BTCUSDT")
	require.Len(t, trades, 3)
	assert.Equal(t, int64(3), trades[0].ID)

	assert.False(t, m.PutTrade("BTCUSDT", models.Trade{ID: 1}), "older than full window")
}

func TestCandleUpsertAndBound(t *testing.T) {
	m := NewManager(Limits{Candles: 3})
	key := models.SeriesKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m}

	m.PutCandles(key, []models.Candle{{OpenTime: 1, Closed: true}, {OpenTime: 2, Closed: true}})
	m.PutCandle(key, models.Candle{OpenTime: 3, Close: 10})
	m.PutCandle(key, models.Candle{OpenTime: 3, Close: 11})
	m.PutCandle(key, models.Candle{OpenTime: 4})

	bars := m.Candles(key)
	require.Len(t, bars, 3)
	assert.Equal(t, int64(2), bars[0].OpenTime)
	assert.Equal(t, 11.0, bars[1].Close)
	assert.Equal(t, int64(4), bars[2].OpenTime)
}

func TestCopyOnRead(t *testing.T) {
	m := NewManager(Limits{})
	key := models.SeriesKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m}
	m.PutCandles(key, []models.Candle{{OpenTime: 1, Close: 5}})

	bars := m.Candles(key)
	bars[0].Close = 42
	assert.Equal(t, 5.0, m.Candles(key)[0].Close)

	m.PutDepth(models.BookSnapshot{Symbol: "BTCUSDT", Bids: []models.DepthLevel{{Price: 1, Quantity: 1}}})
	book, ok := m.Depth("BTCUSDT")
	require.True(t, ok)
	book.Bids[0].Quantity = 9
	again, _ := m.Depth("BTCUSDT")
	assert.Equal(t, 1.0, again.Bids[0].Quantity)
}

func TestConcurrentReadersSeeWholeVersions(t *testing.T) {
	m := NewManager(Limits{Trades: 100})
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				trades := m.Trades("BTCUSDT")
				for i := 1; i < len(trades); i++ {
					if trades[i-1].ID >= trades[i].ID {
						t.Errorf("torn read: %d before %d", trades[i-1].ID, trades[i].ID)
						return
					}
				}
			}
		}()
	}

	for id := int64(1); id <= 2000; id++ {
		m.PutTrade("BTCUSDT", models.Trade{ID: id})
	}
	close(stop)
	wg.Wait()
	assert.Len(t, m.Trades("BTCUSDT"), 100)
}

func TestDropSymbol(t *testing.T) {
	m := NewManager(Limits{})
	btc := models.SeriesKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1m}
	eth := models.SeriesKey{Symbol: "ETHUSDT", Timeframe: models.Timeframe1m}
	m.PutCandles(btc, []models.Candle{{OpenTime: 1}})
	m.PutCandles(eth, []models.Candle{{OpenTime: 1}})
	m.PutTrade("BTCUSDT", models.Trade{ID: 1})
	m.PutDepth(models.BookSnapshot{Symbol: "BTCUSDT"})

	m.DropSymbol("BTCUSDT")

	assert.Empty(t, m.Candles(btc))
	assert.Empty(t, m.Trades("BTCUSDT"))
	_, ok := m.Depth("BTCUSDT")
	assert.False(t, ok)
	assert.Equal(t, []models.SeriesKey{eth}, m.SeriesKeys())
}

func TestStatusesBounded(t *testing.T) {
	m := NewManager(Limits{Statuses: 2})
	for i := 0; i < 3; i++ {
		m.PutStatus(StatusRecord{Epoch: uint64(i), Status: events.Status{Code: "info"}})
	}
	st := m.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, uint64(1), st[0].Epoch)
}
