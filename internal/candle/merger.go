// Package candle merges REST backfill with live kline updates into one ordered series.
package candle

import (
	"sort"

	"marketcore/models"
)

// DefaultMaxBars bounds the merged series.
const DefaultMaxBars = 1200

// Series is the merged bar series of one (symbol, timeframe) key. Open times
// are strictly increasing and at most one bar, the last, is still forming.
// A Series is owned by a single goroutine.
type Series struct {
	key     models.SeriesKey
	bars    []models.Candle
	maxBars int
}

func NewSeries(key models.SeriesKey, maxBars int) *Series {
	if maxBars <= 0 {
		maxBars = DefaultMaxBars
	}
	return &Series{key: key, maxBars: maxBars}
}

func (s *Series) Key() models.SeriesKey { return s.key }

func (s *Series) Len() int { return len(s.bars) }

// Bars returns a copy of the series.
func (s *Series) Bars() []models.Candle {
	return models.CloneCandles(s.bars)
}

// Last returns the most recent bar.
func (s *Series) Last() (models.Candle, bool) {
	if len(s.bars) == 0 {
		return models.Candle{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// LoadHistory replaces the series with the closed bars of history, ordered and
// deduplicated by open time. Forming bars in history are ignored; the stream
// delivers them.
func (s *Series) LoadHistory(history []models.Candle) []models.Candle {
	bars := make([]models.Candle, 0, len(history))
	for _, b := range history {
		if b.Closed {
			bars = append(bars, b)
		}
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].OpenTime < bars[j].OpenTime })

	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].OpenTime == b.OpenTime {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	s.bars = out
	s.trim()
	return s.Bars()
}

// ApplyUpdate merges one live bar and returns the bars it mutated, in order.
// An update older than the last bar is discarded and returns nil.
func (s *Series) ApplyUpdate(bar models.Candle) []models.Candle {
	n := len(s.bars)
	if n == 0 {
		s.bars = append(s.bars, bar)
		return []models.Candle{bar}
	}

	last := s.bars[n-1]
	switch {
	case bar.OpenTime == last.OpenTime:
		s.bars[n-1] = bar
		return []models.Candle{bar}

	case bar.OpenTime > last.OpenTime:
		var mutated []models.Candle
		if !last.Closed {
			// superseded before its closing update arrived
			last.Closed = true
			s.bars[n-1] = last
			mutated = append(mutated, last)
		}
		s.bars = append(s.bars, bar)
		s.trim()
		return append(mutated, bar)

	default:
		return nil
	}
}

func (s *Series) trim() {
	if len(s.bars) > s.maxBars {
		s.bars = append([]models.Candle(nil), s.bars[len(s.bars)-s.maxBars:]...)
	}
}
