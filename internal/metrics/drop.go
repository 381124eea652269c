package metrics

import "marketcore/logger"

// DropReason identifies why an event or frame was discarded.
type DropReason string

const (
	// DropStaleEpoch records events produced under a superseded epoch.
	DropStaleEpoch DropReason = "stale_epoch"
	// DropStatusShed records STATUS events shed by a full hand-off queue.
	DropStatusShed DropReason = "status_shed"
	// DropRawFull records websocket frames dropped because the raw channel was full.
	DropRawFull DropReason = "raw_channel_full"
	// DropMalformed records undecodable frames.
	DropMalformed DropReason = "malformed"
	// DropOutOfOrder records trades older than the newest one published.
	DropOutOfOrder DropReason = "out_of_order"
	// DropQueueClosed records events published after shutdown.
	DropQueueClosed DropReason = "queue_closed"
)

// EmitDropMetric counts one discarded item in Prometheus and emits a structured
// metric so the dashboard can show it. Empty metadata is omitted.
func EmitDropMetric(log *logger.Log, reason DropReason, symbol, stage string) {
	Default().Dropped.WithLabelValues(string(reason)).Inc()

	fields := logger.Fields{}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "drops", string(reason), 1, "counter", fields)
}
