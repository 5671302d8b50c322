package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "cryptolink/config"
	"cryptolink/internal/metrics"
	"cryptolink/logger"
	"cryptolink/models"
)

type archiveRecord struct {
	ID          string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange    string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type        string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradingPair string `parquet:"name=trading_pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp   int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ReceivedAt  int64  `parquet:"name=received_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	UpdateID    int64  `parquet:"name=update_id, type=INT64"`
	TradeID     string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price       string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount      string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side        string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bids        string `parquet:"name=bids, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asks        string `parquet:"name=asks, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID     string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status      string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Raw         string `parquet:"name=raw, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type archiveBatch struct {
	Exchange  string
	Type      models.MessageType
	Pair      string
	Entries   []models.Message
	Timestamp time.Time
	Reason    string
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveWriter buffers messages per (exchange, type, pair) and uploads each
// buffer to S3 as one parquet file when it fills or on the flush interval.
type ArchiveWriter struct {
	cfg *appconfig.Config
	in  <-chan models.Message
	s3  objectPutter

	ctx     context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	uploads sync.WaitGroup
	log     *logger.Log

	mu          sync.Mutex
	buffer      map[string][]models.Message
	maxBuffer   int
	flushTicker *time.Ticker
	jobCh       chan archiveBatch
	running     bool

	messagesWritten atomic.Int64
	batchesWritten  atomic.Int64
	bytesWritten    atomic.Int64
	errorsCount     atomic.Int64
}

func NewArchiveWriter(cfg *appconfig.Config, in <-chan models.Message) (*ArchiveWriter, error) {
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}
	if in == nil {
		return nil, fmt.Errorf("nil input channel provided")
	}

	ctx := context.Background()
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	return newArchiveWriter(cfg, in, client), nil
}

func newArchiveWriter(cfg *appconfig.Config, in <-chan models.Message, putter objectPutter) *ArchiveWriter {
	maxBuffer := cfg.Writer.BatchSize
	if maxBuffer <= 0 {
		maxBuffer = 500
	}
	return &ArchiveWriter{
		cfg:       cfg,
		in:        in,
		s3:        putter,
		log:       logger.GetLogger(),
		buffer:    make(map[string][]models.Message),
		maxBuffer: maxBuffer,
		jobCh:     make(chan archiveBatch, 64),
	}
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	interval := w.cfg.Writer.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(interval)
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":         w.cfg.Storage.S3.Bucket,
		"flush_interval": interval,
		"max_buffer":     w.maxBuffer,
	}).Info("starting archive writer")

	w.loops.Add(2)
	go w.ingest()
	go w.flushLoop()

	w.uploads.Add(1)
	go w.uploadWorker()
	return nil
}

// Stop flushes every buffer and waits for pending uploads.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	ticker := w.flushTicker
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	ticker.Stop()
	cancel()
	w.loops.Wait()
	w.flushBuffers("shutdown")
	close(w.jobCh)
	w.uploads.Wait()
	w.ReportMetrics()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) ingest() {
	defer w.loops.Done()
	for {
		select {
		case <-w.ctx.Done():
			for {
				select {
				case msg, ok := <-w.in:
					if !ok {
						return
					}
					w.addMessage(msg)
				default:
					return
				}
			}
		case msg, ok := <-w.in:
			if !ok {
				w.flushBuffers("channel_closed")
				return
			}
			w.addMessage(msg)
		}
	}
}

func (w *ArchiveWriter) flushLoop() {
	defer w.loops.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *ArchiveWriter) uploadWorker() {
	defer w.uploads.Done()
	for batch := range w.jobCh {
		w.processBatch(batch)
	}
}

func (w *ArchiveWriter) addMessage(msg models.Message) {
	key := bufferKey(msg.Exchange, msg.Type, msg.TradingPair)

	var full []models.Message
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], msg)
	if len(w.buffer[key]) >= w.maxBuffer {
		full = w.buffer[key]
		delete(w.buffer, key)
	}
	w.mu.Unlock()

	if len(full) > 0 {
		w.enqueueBatch(full, "max_buffer")
	}
}

func (w *ArchiveWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.Message)
	w.mu.Unlock()

	for _, entries := range buffers {
		if len(entries) == 0 {
			continue
		}
		w.enqueueBatch(entries, reason)
	}
}

func (w *ArchiveWriter) enqueueBatch(entries []models.Message, reason string) {
	last := entries[len(entries)-1]
	ts := last.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	w.jobCh <- archiveBatch{
		Exchange:  last.Exchange,
		Type:      last.Type,
		Pair:      last.TradingPair,
		Entries:   entries,
		Timestamp: ts,
		Reason:    reason,
	}
}

func bufferKey(exchange string, t models.MessageType, pair string) string {
	return strings.Join([]string{strings.ToLower(exchange), string(t), strings.ToUpper(pair)}, "|")
}

func (w *ArchiveWriter) processBatch(batch archiveBatch) {
	entryLog := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"exchange":     batch.Exchange,
		"type":         batch.Type,
		"pair":         batch.Pair,
		"record_count": len(batch.Entries),
		"reason":       batch.Reason,
	})

	data, err := w.createParquet(batch)
	if err != nil {
		w.errorsCount.Add(1)
		entryLog.WithError(err).Error("failed to create parquet")
		return
	}

	key := w.objectKey(batch)
	if err := w.upload(key, data); err != nil {
		w.errorsCount.Add(1)
		entryLog.WithError(err).WithField("key", key).Error("failed to upload parquet")
		return
	}

	w.messagesWritten.Add(int64(len(batch.Entries)))
	w.batchesWritten.Add(1)
	w.bytesWritten.Add(int64(len(data)))
	entryLog.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("batch uploaded")
}

func (w *ArchiveWriter) createParquet(batch archiveBatch) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(archiveRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(w.cfg.Writer.Compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, msg := range batch.Entries {
		rec, err := toRecord(msg)
		if err != nil {
			pw.WriteStop()
			return nil, err
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return mem.Bytes(), nil
}

func toRecord(msg models.Message) (archiveRecord, error) {
	rec := archiveRecord{
		ID:          msg.ID,
		Exchange:    msg.Exchange,
		Type:        string(msg.Type),
		TradingPair: msg.TradingPair,
		Timestamp:   msg.Timestamp.UnixMilli(),
		ReceivedAt:  msg.ReceivedAt.UnixMilli(),
		UpdateID:    msg.UpdateID,
	}
	switch {
	case msg.Trade != nil:
		rec.TradeID = msg.Trade.TradeID
		rec.Price = msg.Trade.Price.String()
		rec.Amount = msg.Trade.Amount.String()
		rec.Side = msg.Trade.Side
	case msg.Book != nil:
		bids, err := json.Marshal(msg.Book.Bids)
		if err != nil {
			return rec, fmt.Errorf("encode bids: %w", err)
		}
		asks, err := json.Marshal(msg.Book.Asks)
		if err != nil {
			return rec, fmt.Errorf("encode asks: %w", err)
		}
		rec.Bids, rec.Asks = string(bids), string(asks)
	case msg.User != nil:
		rec.OrderID = msg.User.OrderID
		rec.Status = msg.User.Status
		rec.Side = msg.User.Side
		rec.Price = msg.User.Price.String()
		rec.Amount = msg.User.Quantity.String()
		rec.Raw = string(msg.User.Raw)
	}
	return rec, nil
}

// objectKey lays files out as hive partitions under the configured prefix.
func (w *ArchiveWriter) objectKey(batch archiveBatch) string {
	pair := batch.Pair
	if pair == "" {
		pair = "ALL"
	}
	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		strings.ToLower(batch.Exchange),
		strings.ToUpper(pair),
		batch.Type,
		time.Now().UTC().Format("20060102150405")+"_"+uuid.NewString(),
	)
	return path.Join(
		w.cfg.Storage.S3.Prefix,
		fmt.Sprintf("exchange=%s", strings.ToLower(batch.Exchange)),
		fmt.Sprintf("type=%s", batch.Type),
		fmt.Sprintf("pair=%s", strings.ToUpper(pair)),
		fmt.Sprintf("date=%s", batch.Timestamp.UTC().Format("2006-01-02")),
		filename,
	)
}

func (w *ArchiveWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        w.cfg.Writer.Compression,
			"cryptolink-version": w.cfg.Cryptolink.Version,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := w.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload parquet: %w", err)
	}
	return nil
}

func (w *ArchiveWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		MessagesWritten: w.messagesWritten.Load(),
		BatchesWritten:  w.batchesWritten.Load(),
		BytesWritten:    w.bytesWritten.Load(),
		ErrorsCount:     w.errorsCount.Load(),
		QueueLen:        len(w.in),
		QueueCap:        cap(w.in),
	}
}

func (w *ArchiveWriter) ReportMetrics() {
	metrics.ReportWriter(w.log, "archive_writer", w.Stats())
}
