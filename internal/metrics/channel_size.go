package metrics

import (
	"context"
	"time"

	"cryptolink/internal/channel"
	"cryptolink/logger"
)

// StartChannelSizeMetrics emits occupancy and drop counts for every output
// queue each interval until ctx is cancelled. A non-positive interval means
// one second.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range channels.Queues() {
					stats := q.GetStats()
					EmitMetric(log, component, q.Name()+"_buffer_length", q.Len(), "gauge", logger.Fields{
						"buffer":   q.Name(),
						"capacity": q.Cap(),
						"sent":     stats.Sent,
						"dropped":  stats.Dropped,
					})
				}
			}
		}
	}()
}
