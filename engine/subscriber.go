package engine

import (
	"sync/atomic"

	"marketcore/internal/events"
)

// Sink receives events on the dispatcher goroutine. It must not retain or
// mutate slices inside payloads beyond the call.
type Sink interface {
	OnEvent(ev events.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev events.Event)

func (f SinkFunc) OnEvent(ev events.Event) { f(ev) }

type subscriber struct {
	id    string
	sink  Sink
	ready atomic.Bool
}

// typeReplay marks the point in the queue where a new subscriber joins.
const typeReplay events.Type = "_REPLAY"

// DefaultReplayTrades caps the trades replayed to a new subscriber.
const DefaultReplayTrades = 100
