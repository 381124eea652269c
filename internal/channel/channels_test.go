package channel

import (
	"context"
	"testing"
	"time"

	"marketcore/internal/metrics"
	"marketcore/models"
)

var _ metrics.Buffer = (*Channels)(nil)

func TestSendRawDropsWhenFull(t *testing.T) {
	c := NewChannels("test", 1)
	ctx := context.Background()

	if !c.SendRaw(ctx, models.RawStreamMessage{Data: []byte("a"), Timestamp: time.Now()}) {
		t.Fatalf("expected first send to succeed")
	}
	if c.SendRaw(ctx, models.RawStreamMessage{Data: []byte("b")}) {
		t.Fatalf("expected second send to be dropped")
	}

	stats := c.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if c.Len() != 1 || c.Cap() != 1 {
		t.Fatalf("unexpected occupancy %d/%d", c.Len(), c.Cap())
	}

	msg := <-c.Raw
	if string(msg.Data) != "a" {
		t.Fatalf("unexpected frame %q", msg.Data)
	}
}

func TestSendRawHonoursCancelledContext(t *testing.T) {
	c := NewChannels("test", 0)
	c.Raw <- models.RawStreamMessage{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either branch may win the select when both are ready; the frame must not be queued.
	c.SendRaw(ctx, models.RawStreamMessage{Data: []byte("late")})
	if c.Len() != 1 {
		t.Fatalf("expected buffer to stay at 1, got %d", c.Len())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := NewChannels("test", 4)
	c.Close()
	c.Close()
	if _, ok := <-c.Raw; ok {
		t.Fatalf("expected closed channel")
	}
}
