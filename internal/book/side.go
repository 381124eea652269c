package book

import (
	"slices"
	"sort"

	"marketcore/models"
)

// side holds one side of the book.
//
// prices stays sorted at all times:
//   - asks: ascending  (prices[0] = best ask)
//   - bids: descending (prices[0] = best bid)
type side struct {
	prices []float64
	levels map[float64]float64
	asc    bool
}

func newSide(asc bool) *side {
	return &side{
		levels: make(map[float64]float64),
		asc:    asc,
	}
}

func (s *side) best() (models.DepthLevel, bool) {
	if len(s.prices) == 0 {
		return models.DepthLevel{}, false
	}
	p := s.prices[0]
	return models.DepthLevel{Price: p, Quantity: s.levels[p]}, true
}

// set upserts a level. A non-positive quantity removes it. It reports whether the book changed.
func (s *side) set(price, qty float64) bool {
	old, exists := s.levels[price]
	if qty <= 0 {
		if !exists {
			return false
		}
		delete(s.levels, price)
		idx := s.searchIdx(price)
		if idx < len(s.prices) && s.prices[idx] == price {
			s.prices = slices.Delete(s.prices, idx, idx+1)
		}
		return true
	}
	if exists {
		s.levels[price] = qty
		return old != qty
	}
	s.levels[price] = qty
	s.prices = slices.Insert(s.prices, s.searchIdx(price), price)
	return true
}

func (s *side) searchIdx(p float64) int {
	if s.asc {
		return sort.Search(len(s.prices), func(i int) bool { return s.prices[i] >= p })
	}
	return sort.Search(len(s.prices), func(i int) bool { return s.prices[i] <= p })
}

// top returns up to depth levels in book order. depth <= 0 returns all.
func (s *side) top(depth int) []models.DepthLevel {
	n := len(s.prices)
	if depth > 0 && depth < n {
		n = depth
	}
	if n == 0 {
		return nil
	}
	out := make([]models.DepthLevel, 0, n)
	for _, p := range s.prices[:n] {
		out = append(out, models.DepthLevel{Price: p, Quantity: s.levels[p]})
	}
	return out
}

func (s *side) len() int {
	return len(s.prices)
}

func (s *side) clear() {
	s.prices = s.prices[:0]
	clear(s.levels)
}
