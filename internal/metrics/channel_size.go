package metrics

import (
	"context"
	"time"

	"marketcore/logger"
)

// Buffer is a bounded queue whose occupancy is worth reporting.
type Buffer interface {
	Name() string
	Len() int
	Cap() int
}

// StartBufferMetrics reports occupancy of buffers every interval until ctx is
// cancelled. When interval <= 0 a one-second cadence is used.
func StartBufferMetrics(ctx context.Context, interval time.Duration, buffers ...Buffer) {
	if len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range buffers {
					ReportBuffer(log, b)
				}
			}
		}
	}()
}

// ReportBuffer records a single occupancy sample for b.
func ReportBuffer(log *logger.Log, b Buffer) {
	n := b.Len()
	Default().Buffered.WithLabelValues(b.Name()).Set(float64(n))
	EmitMetric(log, "buffers", b.Name()+"_length", n, "gauge", logger.Fields{
		"buffer":   b.Name(),
		"capacity": b.Cap(),
	})
}
