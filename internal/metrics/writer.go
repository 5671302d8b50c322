package metrics

import "cryptolink/logger"

// WriterStats holds metrics for writer components.
type WriterStats struct {
	MessagesWritten int64
	BatchesWritten  int64
	BytesWritten    int64
	ErrorsCount     int64
	QueueLen        int
	QueueCap        int
}

// ReportWriter emits common writer metrics using the provided logger and component name.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	avgBytesPerBatch := float64(0)
	if stats.BatchesWritten > 0 {
		avgBytesPerBatch = float64(stats.BytesWritten) / float64(stats.BatchesWritten)
	}

	l.LogMetric(component, "messages_written", stats.MessagesWritten, "counter", logger.Fields{})
	l.LogMetric(component, "batches_written", stats.BatchesWritten, "counter", logger.Fields{})
	l.LogMetric(component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{})
	l.LogMetric(component, "errors_count", stats.ErrorsCount, "counter", logger.Fields{})
	l.LogMetric(component, "error_rate", errorRate, "gauge", logger.Fields{})
	l.LogMetric(component, "queue_len", stats.QueueLen, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"messages_written":    stats.MessagesWritten,
		"batches_written":     stats.BatchesWritten,
		"bytes_written":       stats.BytesWritten,
		"errors_count":        stats.ErrorsCount,
		"error_rate":          errorRate,
		"avg_bytes_per_batch": avgBytesPerBatch,
		"queue_len":           stats.QueueLen,
		"queue_cap":           stats.QueueCap,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
