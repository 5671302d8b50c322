package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "cryptolink/config"
	"cryptolink/internal/metrics"
	"cryptolink/logger"
	"cryptolink/models"
)

// messageWriter is the part of *kafka.Writer the writer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes normalized messages as JSON, keyed by trading pair
// so every pair stays ordered within one partition.
type KafkaWriter struct {
	config  *appconfig.Config
	in      <-chan models.Message
	writer  messageWriter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	messagesWritten atomic.Int64
	batchesWritten  atomic.Int64
	bytesWritten    atomic.Int64
	errorsCount     atomic.Int64
}

func NewKafkaWriter(cfg *appconfig.Config, in <-chan models.Message) (*KafkaWriter, error) {
	if len(cfg.Storage.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if in == nil {
		return nil, fmt.Errorf("nil input channel provided")
	}
	kw := &KafkaWriter{
		config: cfg,
		in:     in,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Storage.Kafka.Brokers...),
			Topic:        cfg.Storage.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.Writer.BatchSize,
			BatchTimeout: time.Second,
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Storage.Kafka.Brokers,
		"topic":   cfg.Storage.Kafka.Topic,
	}).Info("kafka writer initialized")
	return kw, nil
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	kw.ctx, kw.cancel = context.WithCancel(ctx)
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Info("starting kafka writer")

	kw.wg.Add(1)
	go kw.run()

	return nil
}

// run collects up to BatchSize messages, or whatever arrived within
// FlushInterval, and writes them in one call.
func (kw *KafkaWriter) run() {
	defer kw.wg.Done()

	size := kw.config.Writer.BatchSize
	if size <= 0 {
		size = 1
	}
	interval := kw.config.Writer.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, size)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		kw.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-kw.ctx.Done():
			// take what is already queued, then flush once more
			for drained := false; !drained; {
				select {
				case msg, ok := <-kw.in:
					if !ok {
						drained = true
						break
					}
					if km, ok := kw.encode(msg); ok {
						batch = append(batch, km)
					}
				default:
					drained = true
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(ctx)
			cancel()
			return
		case <-ticker.C:
			flush(kw.ctx)
		case msg, ok := <-kw.in:
			if !ok {
				flush(kw.ctx)
				return
			}
			km, err := encodeKafkaMessage(msg)
			if err != nil {
				kw.errorsCount.Add(1)
				kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal message")
				continue
			}
			batch = append(batch, km)
			if len(batch) >= size {
				flush(kw.ctx)
			}
		}
	}
}

func (kw *KafkaWriter) write(ctx context.Context, batch []kafka.Message) {
	bytes := 0
	for _, m := range batch {
		bytes += len(m.Value)
	}
	if err := kw.writer.WriteMessages(ctx, batch...); err != nil {
		kw.errorsCount.Add(1)
		kw.log.WithComponent("kafka_writer").WithError(err).WithField("messages", len(batch)).Warn("failed to write messages")
		return
	}
	kw.messagesWritten.Add(int64(len(batch)))
	kw.batchesWritten.Add(1)
	kw.bytesWritten.Add(int64(bytes))
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"messages": len(batch),
		"bytes":    bytes,
	}).Debug("batch written to kafka")
}

// encode counts and logs messages that cannot be marshalled.
func (kw *KafkaWriter) encode(msg models.Message) (kafka.Message, bool) {
	km, err := encodeKafkaMessage(msg)
	if err != nil {
		kw.errorsCount.Add(1)
		kw.log.WithComponent("kafka_writer").WithError(err).WithFields(logger.Fields{
			"exchange": msg.Exchange,
			"pair":     msg.TradingPair,
		}).Warn("failed to marshal message")
		return kafka.Message{}, false
	}
	return km, true
}

func encodeKafkaMessage(msg models.Message) (kafka.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.Exchange + ":" + msg.TradingPair),
		Value: data,
		Time:  msg.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Type)},
			{Key: "exchange", Value: []byte(msg.Exchange)},
		},
	}, nil
}

func (kw *KafkaWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		MessagesWritten: kw.messagesWritten.Load(),
		BatchesWritten:  kw.batchesWritten.Load(),
		BytesWritten:    kw.bytesWritten.Load(),
		ErrorsCount:     kw.errorsCount.Load(),
		QueueLen:        len(kw.in),
		QueueCap:        cap(kw.in),
	}
}

func (kw *KafkaWriter) ReportMetrics() {
	metrics.ReportWriter(kw.log, "kafka_writer", kw.Stats())
}

func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	if !kw.running {
		kw.mu.Unlock()
		return
	}
	kw.running = false
	cancel := kw.cancel
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Info("stopping kafka writer")
	cancel()
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	kw.ReportMetrics()
	kw.log.WithComponent("kafka_writer").Info("kafka writer stopped")
}
