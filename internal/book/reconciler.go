// Package book reconciles REST depth snapshots with sequenced diff streams.
package book

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"marketcore/internal/faults"
	"marketcore/models"
)

// State of a reconciler.
type State int32

const (
	StateUnseeded State = iota
	StateSeeded
	StateStreaming
	StateResyncing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnseeded:
		return "UNSEEDED"
	case StateSeeded:
		return "SEEDED"
	case StateStreaming:
		return "STREAMING"
	case StateResyncing:
		return "RESYNCING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Outcome of applying one diff.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeStale
	OutcomeGap
	OutcomeBuffered
)

// DefaultPendingLimit bounds the diffs buffered while the book is not seeded.
const DefaultPendingLimit = 1000

var ErrClosed = errors.New("reconciler closed")

// Result describes the effect of a diff.
type Result struct {
	Outcome     Outcome
	ChangedBids []models.DepthLevel
	ChangedAsks []models.DepthLevel
}

// Reconciler keeps one symbol's book consistent. It is owned by a single
// goroutine; only State may be called concurrently.
type Reconciler struct {
	symbol       string
	bids         *side
	asks         *side
	lastUpdateID int64
	state        atomic.Int32

	pending      []models.DepthDiff
	pendingLimit int
}

func NewReconciler(symbol string) *Reconciler {
	return &Reconciler{
		symbol:       symbol,
		bids:         newSide(false),
		asks:         newSide(true),
		pendingLimit: DefaultPendingLimit,
	}
}

func (r *Reconciler) Symbol() string { return r.symbol }

func (r *Reconciler) State() State {
	return State(r.state.Load())
}

func (r *Reconciler) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Reconciler) LastUpdateID() int64 {
	return r.lastUpdateID
}

// Seed installs an authoritative snapshot and replays diffs buffered while the
// book was not seeded. It returns the number of buffered diffs applied. A gap
// found during replay leaves the reconciler RESYNCING and is returned.
func (r *Reconciler) Seed(snap models.DepthSnapshot) (int, error) {
	if r.State() == StateClosed {
		return 0, ErrClosed
	}
	r.bids.clear()
	r.asks.clear()
	for _, l := range snap.Bids {
		r.bids.set(l.Price, l.Quantity)
	}
	for _, l := range snap.Asks {
		r.asks.set(l.Price, l.Quantity)
	}
	r.lastUpdateID = snap.LastUpdateID
	r.setState(StateSeeded)

	if crossed(r.bids, r.asks) {
		r.markResyncing()
		return 0, &faults.ProtocolGapError{Symbol: r.symbol, LastUpdateID: r.lastUpdateID, Reason: "crossed snapshot"}
	}

	pending := r.pending
	r.pending = nil
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].FinalUpdateID < pending[j].FinalUpdateID
	})

	applied := 0
	for i, d := range pending {
		res, err := r.ApplyDiff(d)
		if err != nil {
			// keep what was not replayed for the next seed
			r.pending = append(r.pending, pending[i+1:]...)
			return applied, err
		}
		if res.Outcome == OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}

// ApplyDiff applies one diff covering update ids U..u.
func (r *Reconciler) ApplyDiff(d models.DepthDiff) (Result, error) {
	switch r.State() {
	case StateClosed:
		return Result{}, ErrClosed
	case StateUnseeded, StateResyncing:
		r.buffer(d)
		return Result{Outcome: OutcomeBuffered}, nil
	}

	if d.FinalUpdateID <= r.lastUpdateID {
		return Result{Outcome: OutcomeStale}, nil
	}
	if d.FirstUpdateID > r.lastUpdateID+1 {
		gap := &faults.ProtocolGapError{Symbol: r.symbol, LastUpdateID: r.lastUpdateID, FirstUpdateID: d.FirstUpdateID}
		r.markResyncing()
		r.buffer(d)
		return Result{Outcome: OutcomeGap}, gap
	}

	res := Result{Outcome: OutcomeApplied}
	for _, l := range d.Bids {
		if r.bids.set(l.Price, l.Quantity) {
			res.ChangedBids = append(res.ChangedBids, l)
		}
	}
	for _, l := range d.Asks {
		if r.asks.set(l.Price, l.Quantity) {
			res.ChangedAsks = append(res.ChangedAsks, l)
		}
	}
	r.lastUpdateID = d.FinalUpdateID

	if crossed(r.bids, r.asks) {
		last := r.lastUpdateID
		r.markResyncing()
		return Result{Outcome: OutcomeGap}, &faults.ProtocolGapError{Symbol: r.symbol, LastUpdateID: last, Reason: "crossed book"}
	}
	r.setState(StateStreaming)
	return res, nil
}

// Invalidate discards the book and waits for a fresh snapshot. Used after a
// reconnect, where the diff stream cannot be trusted to resume in sequence.
func (r *Reconciler) Invalidate() {
	if r.State() == StateClosed {
		return
	}
	r.markResyncing()
	r.pending = nil
}

// Close is terminal.
func (r *Reconciler) Close() {
	r.setState(StateClosed)
	r.pending = nil
}

// Snapshot returns up to depth levels per side. depth <= 0 returns the whole book.
func (r *Reconciler) Snapshot(depth int, now time.Time) models.BookSnapshot {
	return models.BookSnapshot{
		Symbol:       r.symbol,
		LastUpdateID: r.lastUpdateID,
		Bids:         r.bids.top(depth),
		Asks:         r.asks.top(depth),
		Timestamp:    now,
	}
}

// Levels reports the number of stored levels per side.
func (r *Reconciler) Levels() (bids, asks int) {
	return r.bids.len(), r.asks.len()
}

// Pending reports how many diffs are buffered.
func (r *Reconciler) Pending() int {
	return len(r.pending)
}

func (r *Reconciler) markResyncing() {
	r.bids.clear()
	r.asks.clear()
	r.setState(StateResyncing)
}

func (r *Reconciler) buffer(d models.DepthDiff) {
	if len(r.pending) >= r.pendingLimit {
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, d)
}

func crossed(bids, asks *side) bool {
	bid, okBid := bids.best()
	ask, okAsk := asks.best()
	return okBid && okAsk && bid.Price >= ask.Price
}
