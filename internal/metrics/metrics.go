// Registers the cryptolink_* stream and REST metrics plus go_* and process_*
// system metrics, and serves them on /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptolink/logger"
)

var (
	once sync.Once

	messagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptolink_messages_enqueued_total",
			Help: "Normalized messages handed to an output queue",
		},
		[]string{"exchange", "stream", "type"},
	)

	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptolink_messages_dropped_total",
			Help: "Normalized messages dropped because the output queue was full",
		},
		[]string{"exchange", "stream", "type"},
	)

	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptolink_stream_reconnects_total",
			Help: "Stream sessions that ended in error and were retried",
		},
		[]string{"exchange", "stream"},
	)

	streamState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryptolink_stream_state",
			Help: "Current supervisor state as an ordinal",
		},
		[]string{"exchange", "stream"},
	)

	sequenceRegressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptolink_sequence_regressions_total",
			Help: "Messages discarded because their update id went backwards",
		},
		[]string{"exchange", "type", "pair"},
	)

	restDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptolink_rest_request_duration_seconds",
			Help:    "REST request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exchange", "endpoint", "status"},
	)

	snapshotSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptolink_snapshot_success_total",
			Help: "Order book snapshots fetched and enqueued",
		},
		[]string{"exchange", "pair"},
	)

	snapshotErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptolink_snapshot_errors_total",
			Help: "Failed order book snapshot fetches",
		},
		[]string{"exchange", "pair"},
	)
)

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		for _, c := range []prometheus.Collector{
			messagesEnqueued,
			messagesDropped,
			reconnects,
			streamState,
			sequenceRegressions,
			restDuration,
			snapshotSuccess,
			snapshotErrors,
			events,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			_ = prometheus.Register(c)
		}
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	Init()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"address": addr}).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func IncEnqueued(exchange, stream, msgType string) {
	messagesEnqueued.WithLabelValues(exchange, stream, msgType).Inc()
}

func IncDropped(exchange, stream, msgType string) {
	messagesDropped.WithLabelValues(exchange, stream, msgType).Inc()
}

func IncReconnect(exchange, stream string) {
	reconnects.WithLabelValues(exchange, stream).Inc()
}

func SetStreamState(exchange, stream string, state int) {
	streamState.WithLabelValues(exchange, stream).Set(float64(state))
}

func IncSequenceRegression(exchange, msgType, pair string) {
	sequenceRegressions.WithLabelValues(exchange, msgType, pair).Inc()
}

func ObserveREST(exchange, endpoint, status string, d time.Duration) {
	restDuration.WithLabelValues(exchange, endpoint, status).Observe(d.Seconds())
}

// IncrementSuccess increases the snapshot success counter for a pair.
func IncrementSuccess(exchange, pair string) {
	snapshotSuccess.WithLabelValues(exchange, pair).Inc()
}

// IncrementError increases the snapshot error counter for a pair.
func IncrementError(exchange, pair string) {
	snapshotErrors.WithLabelValues(exchange, pair).Inc()
}
