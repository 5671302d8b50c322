package metrics

import "cryptolink/logger"

// DropMetric identifies the metric name emitted when queue messages are dropped.
type DropMetric string

const (
	DropMetricTrade    DropMetric = "trade_messages_dropped"
	DropMetricDiff     DropMetric = "diff_messages_dropped"
	DropMetricSnapshot DropMetric = "snapshot_messages_dropped"
	DropMetricUser     DropMetric = "user_messages_dropped"
	// DropMetricSequence records messages discarded by the update id guard.
	DropMetricSequence DropMetric = "sequence_regressions_dropped"
)

// DropMetricFor maps a message type to its drop metric.
func DropMetricFor(msgType string) DropMetric {
	switch msgType {
	case "trade":
		return DropMetricTrade
	case "diff":
		return DropMetricDiff
	case "snapshot":
		return DropMetricSnapshot
	default:
		return DropMetricUser
	}
}

// EmitDropMetric records one dropped message. Optional metadata (exchange,
// stream, pair) is attached when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, stream, pair string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if stream != "" {
		fields["stream"] = stream
	}
	if pair != "" {
		fields["pair"] = pair
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
