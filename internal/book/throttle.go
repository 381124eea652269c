package book

import (
	"sort"
	"time"

	"marketcore/models"
)

const (
	DefaultThrottleInterval = 250 * time.Millisecond
	DefaultUpdateDepth      = 20
)

// Throttle coalesces applied diffs into at most one DepthUpdate per interval.
// The emitted update always carries the reconciler's current top of book, so a
// consumer never sees an intermediate state.
type Throttle struct {
	interval time.Duration
	depth    int
	lastEmit time.Time
	bids     map[float64]float64
	asks     map[float64]float64
	diffs    int
}

func NewThrottle(interval time.Duration, depth int) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	if depth <= 0 {
		depth = DefaultUpdateDepth
	}
	return &Throttle{
		interval: interval,
		depth:    depth,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
	}
}

func (t *Throttle) Interval() time.Duration { return t.interval }

// Add records the levels changed by an applied diff. Later quantities for the
// same price overwrite earlier ones.
func (t *Throttle) Add(res Result) {
	if res.Outcome != OutcomeApplied {
		return
	}
	for _, l := range res.ChangedBids {
		t.bids[l.Price] = l.Quantity
	}
	for _, l := range res.ChangedAsks {
		t.asks[l.Price] = l.Quantity
	}
	t.diffs++
}

func (t *Throttle) Pending() bool {
	return t.diffs > 0
}

// Due reports whether a pending update may be emitted at now.
func (t *Throttle) Due(now time.Time) bool {
	return t.diffs > 0 && now.Sub(t.lastEmit) >= t.interval
}

// Flush builds the coalesced update from r and clears the pending set.
func (t *Throttle) Flush(r *Reconciler, now time.Time) (models.DepthUpdate, bool) {
	if t.diffs == 0 {
		return models.DepthUpdate{}, false
	}
	snap := r.Snapshot(t.depth, now)
	u := models.DepthUpdate{
		Symbol:       snap.Symbol,
		LastUpdateID: snap.LastUpdateID,
		Bids:         snap.Bids,
		Asks:         snap.Asks,
		ChangedBids:  changed(t.bids, false),
		ChangedAsks:  changed(t.asks, true),
		Diffs:        t.diffs,
		Timestamp:    now,
	}
	t.Reset()
	t.lastEmit = now
	return u, true
}

// Reset drops pending changes, for example after a re-seed.
func (t *Throttle) Reset() {
	clear(t.bids)
	clear(t.asks)
	t.diffs = 0
}

func changed(m map[float64]float64, asc bool) []models.DepthLevel {
	if len(m) == 0 {
		return nil
	}
	out := make([]models.DepthLevel, 0, len(m))
	for p, q := range m {
		out = append(out, models.DepthLevel{Price: p, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].Price < out[j].Price
		}
		return out[i].Price > out[j].Price
	})
	return out
}
