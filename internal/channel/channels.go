// Package channel holds the bounded hand-off between websocket readers and the provider worker.
package channel

import (
	"context"
	"sync"

	"marketcore/internal/metrics"
	"marketcore/logger"
	"marketcore/models"
)

type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

// Channels carries raw stream frames to the single provider worker.
type Channels struct {
	Raw chan models.RawStreamMessage

	name       string
	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(name string, rawBufferSize int) *Channels {
	if rawBufferSize <= 0 {
		rawBufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		Raw:  make(chan models.RawStreamMessage, rawBufferSize),
		name: name,
		log:  log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"channel":         name,
		"raw_buffer_size": rawBufferSize,
	}).Info("raw stream channel initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		c.log.WithComponent("channels").WithFields(logger.Fields{"channel": c.name}).Info("raw stream channel closed")
	})
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
}

// SendRaw never blocks the reader. A frame that does not fit is dropped and
// counted; a dropped depth diff surfaces downstream as a sequence gap.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawStreamMessage) bool {
	select {
	case c.Raw <- msg:
		c.IncrementRawSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementRawDropped()
		metrics.EmitDropMetric(c.log, metrics.DropRawFull, "", c.name)
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

func (c *Channels) Name() string { return c.name }
func (c *Channels) Len() int     { return len(c.Raw) }
func (c *Channels) Cap() int     { return cap(c.Raw) }
