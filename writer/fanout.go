package writer

import (
	"context"
	"sync"

	"cryptolink/internal/channel"
	"cryptolink/internal/metrics"
	"cryptolink/logger"
	"cryptolink/models"
)

// Fanout copies every message from src to each output without blocking. A
// full output drops its copy and counts it. It returns once src is closed
// and empty, or when ctx is cancelled. Outputs are never closed here.
func Fanout(ctx context.Context, name string, src <-chan models.Message, outs ...chan<- models.Message) {
	log := logger.GetLogger()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-src:
			if !ok {
				return
			}
			for _, out := range outs {
				select {
				case out <- msg:
				default:
					metrics.IncDropped(msg.Exchange, name, string(msg.Type))
					metrics.EmitDropMetric(log, metrics.DropMetricFor(string(msg.Type)), msg.Exchange, name, msg.TradingPair)
				}
			}
		}
	}
}

// FanoutQueues runs one Fanout per queue. The returned wait blocks until
// every queue has been closed and copied out, so closing the queues after
// the readers stop hands everything still buffered to the writers.
func FanoutQueues(ctx context.Context, queues []*channel.Queue, outs ...chan<- models.Message) (wait func()) {
	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *channel.Queue) {
			defer wg.Done()
			Fanout(ctx, q.Name(), q.C(), outs...)
		}(q)
	}
	return wg.Wait
}
