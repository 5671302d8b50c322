package bitglobal

import (
	"context"
	"time"

	"cryptolink/internal/metrics"
	"cryptolink/logger"
	"cryptolink/models"
	"cryptolink/processor"
)

const snapshotStream = "snapshots"

type snapshotFetcher interface {
	GetSnapshot(ctx context.Context, pair string, limit int) (*models.Snapshot, error)
}

// SnapshotPoller sweeps the configured pairs over REST once per UTC hour.
type SnapshotPoller struct {
	rest       snapshotFetcher
	pairs      []string
	limit      int
	pairDelay  time.Duration
	errorDelay time.Duration
	sink       Sink
	seq        *processor.Sequencer
	log        *logger.Log
	now        func() time.Time
}

func NewSnapshotPoller(rest snapshotFetcher, pairs []string, limit int, pairDelay, errorDelay time.Duration, sink Sink) *SnapshotPoller {
	return &SnapshotPoller{
		rest:       rest,
		pairs:      pairs,
		limit:      limit,
		pairDelay:  pairDelay,
		errorDelay: errorDelay,
		sink:       sink,
		seq:        processor.NewSequencer(ExchangeName, snapshotStream),
		log:        logger.GetLogger(),
		now:        time.Now,
	}
}

// WithSequencer replaces the poller's own sequencer, typically with one
// shared with the order book stream.
func (p *SnapshotPoller) WithSequencer(seq *processor.Sequencer) *SnapshotPoller {
	if seq != nil {
		p.seq = seq
	}
	return p
}

// Run sweeps until ctx is cancelled. A sweep in which every pair failed is
// retried after errorDelay instead of waiting for the next hour.
func (p *SnapshotPoller) Run(ctx context.Context) error {
	log := p.log.WithComponent("bitglobal_snapshots").WithFields(logger.Fields{
		"stream": snapshotStream,
		"pairs":  len(p.pairs),
	})

	for {
		ok := p.Sweep(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := untilNextHour(p.now())
		if ok == 0 && len(p.pairs) > 0 {
			wait = p.errorDelay
			log.WithField("retry_in", wait.String()).Warn("snapshot sweep failed for every pair")
		} else {
			log.WithFields(logger.Fields{
				"succeeded": ok,
				"next_in":   wait.String(),
			}).Info("snapshot sweep complete")
		}

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// Sweep fetches every pair once, pausing pairDelay after each pair whether
// it succeeded or not. It returns how many snapshots were enqueued.
func (p *SnapshotPoller) Sweep(ctx context.Context) int {
	ok := 0
	for _, pair := range p.pairs {
		if ctx.Err() != nil {
			return ok
		}
		if p.fetchOne(ctx, pair) {
			ok++
		}
		if err := sleepCtx(ctx, p.pairDelay); err != nil {
			return ok
		}
	}
	return ok
}

func (p *SnapshotPoller) fetchOne(ctx context.Context, pair string) bool {
	log := p.log.WithComponent("bitglobal_snapshots").WithFields(logger.Fields{
		"stream": snapshotStream,
		"pair":   pair,
	})

	start := time.Now()
	snap, err := p.rest.GetSnapshot(ctx, pair, p.limit)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("failed to fetch snapshot")
			metrics.IncrementError(ExchangeName, pair)
		}
		return false
	}

	msg := snap.Message()
	if !p.seq.Accept(msg) {
		metrics.EmitDropMetric(p.log, metrics.DropMetricSequence, ExchangeName, snapshotStream, pair)
		return false
	}
	if !p.sink.Send(ctx, msg) {
		metrics.IncDropped(ExchangeName, snapshotStream, string(msg.Type))
		metrics.EmitDropMetric(p.log, metrics.DropMetricSnapshot, ExchangeName, snapshotStream, pair)
		return false
	}

	metrics.IncEnqueued(ExchangeName, snapshotStream, string(msg.Type))
	metrics.IncrementSuccess(ExchangeName, pair)
	logger.LogPerformanceEntry(log, "bitglobal_snapshots", "fetch_snapshot", time.Since(start), logger.Fields{
		"bids": len(snap.Bids),
		"asks": len(snap.Asks),
	})
	return true
}

// untilNextHour is the time left to the next top of the hour in UTC.
func untilNextHour(now time.Time) time.Duration {
	now = now.UTC()
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
