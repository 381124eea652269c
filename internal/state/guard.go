package state

import (
	"sync"
	"sync/atomic"

	"marketcore/models"
)

// Guard is a mutable cell holding the active value of a setting.
// It is safe for concurrent use.
type Guard[T comparable] struct {
	mu    sync.RWMutex
	value T
	norm  func(T) T
}

func newGuard[T comparable](initial T, norm func(T) T) *Guard[T] {
	g := &Guard[T]{norm: norm}
	g.value = g.normalize(initial)
	return g
}

// NewSymbolGuard returns a guard that stores normalized symbols.
func NewSymbolGuard(initial string) *Guard[string] {
	return newGuard(initial, models.NormalizeSymbol)
}

// NewTimeframeGuard returns a guard for the active bar resolution.
func NewTimeframeGuard(initial models.Timeframe) *Guard[models.Timeframe] {
	return newGuard(initial, nil)
}

func (g *Guard[T]) normalize(v T) T {
	if g.norm == nil {
		return v
	}
	return g.norm(v)
}

func (g *Guard[T]) Load() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Store sets v and returns the previous value. changed is false when v was already active.
func (g *Guard[T]) Store(v T) (prev T, changed bool) {
	v = g.normalize(v)
	g.mu.Lock()
	defer g.mu.Unlock()
	prev = g.value
	if prev == v {
		return prev, false
	}
	g.value = v
	return prev, true
}

// CompareAndSwap sets next only while the active value is still old.
func (g *Guard[T]) CompareAndSwap(old, next T) bool {
	old, next = g.normalize(old), g.normalize(next)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.value != old {
		return false
	}
	g.value = next
	return true
}

// Epoch is the generation counter bumped on every symbol or timeframe switch.
type Epoch struct {
	n atomic.Uint64
}

func (e *Epoch) Current() uint64 {
	return e.n.Load()
}

// Bump advances the generation and returns the new value.
func (e *Epoch) Bump() uint64 {
	return e.n.Add(1)
}

func (e *Epoch) IsCurrent(v uint64) bool {
	return e.n.Load() == v
}
