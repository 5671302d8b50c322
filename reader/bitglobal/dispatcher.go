package bitglobal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptolink/internal/metrics"
	"cryptolink/logger"
	"cryptolink/models"
	"cryptolink/processor"
)

type FrameClass int

const (
	ClassUnknown FrameClass = iota
	ClassConnectAck
	ClassSubscribeAck
	ClassAuthAck
	ClassPong
	ClassBatch
	ClassLive
	ClassError
)

func (c FrameClass) String() string {
	switch c {
	case ClassConnectAck:
		return "connect_ack"
	case ClassSubscribeAck:
		return "subscribe_ack"
	case ClassAuthAck:
		return "auth_ack"
	case ClassPong:
		return "pong"
	case ClassBatch:
		return "batch"
	case ClassLive:
		return "live"
	case ClassError:
		return "error"
	default:
		return "unknown"
	}
}

// Classify maps a response code to its class. Every code is matched on its
// own; error codes are the five digit 1xxxx range.
func Classify(code string) FrameClass {
	switch code {
	case CodeConnectAck:
		return ClassConnectAck
	case CodeSubscribeAck:
		return ClassSubscribeAck
	case CodeAuthOK:
		return ClassAuthAck
	case CodePong:
		return ClassPong
	case CodeBatchData:
		return ClassBatch
	case CodeLiveUpdate:
		return ClassLive
	}
	if len(code) == 5 && code[0] == '1' {
		return ClassError
	}
	return ClassUnknown
}

// InboundFrame is one decoded websocket frame.
type InboundFrame struct {
	Code      string
	Msg       string
	Topic     string
	Timestamp time.Time
	Data      json.RawMessage
}

func (f InboundFrame) Class() FrameClass { return Classify(f.Code) }

// ParseFrame decodes {"code","msg","topic","timestamp","data"}. A missing
// timestamp leaves Timestamp zero.
func ParseFrame(raw []byte) (InboundFrame, error) {
	var wire struct {
		Code      json.RawMessage `json:"code"`
		Msg       string          `json:"msg"`
		Topic     string          `json:"topic"`
		Timestamp json.RawMessage `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return InboundFrame{}, fmt.Errorf("malformed frame: %w", err)
	}
	ts, err := epochFromRaw(wire.Timestamp)
	if err != nil {
		return InboundFrame{}, fmt.Errorf("malformed frame timestamp: %w", err)
	}
	return InboundFrame{
		Code:      codeString(wire.Code),
		Msg:       wire.Msg,
		Topic:     wire.Topic,
		Timestamp: ts,
		Data:      wire.Data,
	}, nil
}

// Sink receives normalized messages. It must not block.
type Sink interface {
	Send(ctx context.Context, msg models.Message) bool
}

// Dispatcher turns frames of one stream into normalized messages. Only book
// messages are sequenced: diffs by the session sequencer, snapshots by the
// snapshot sequencer when one is shared with the REST poller.
type Dispatcher struct {
	stream    string
	kind      models.ChannelKind
	pairs     []string
	sink      Sink
	seq       *processor.Sequencer
	snapshots *processor.Sequencer
	log       *logger.Log
}

func NewDispatcher(stream string, sub models.Subscription, sink Sink, seq *processor.Sequencer) *Dispatcher {
	return &Dispatcher{
		stream: stream,
		kind:   sub.Kind,
		pairs:  sub.Pairs,
		sink:   sink,
		seq:    seq,
		log:    logger.GetLogger(),
	}
}

// WithSnapshotSequencer routes snapshot messages through seq instead of the
// session sequencer.
func (d *Dispatcher) WithSnapshotSequencer(seq *processor.Sequencer) *Dispatcher {
	d.snapshots = seq
	return d
}

// sequencerFor returns nil for message types that carry no book update id.
func (d *Dispatcher) sequencerFor(t models.MessageType) *processor.Sequencer {
	switch t {
	case models.MessageSnapshot:
		if d.snapshots != nil {
			return d.snapshots
		}
		return d.seq
	case models.MessageDiff:
		return d.seq
	}
	return nil
}

// Dispatch handles one raw frame and returns how many messages were
// enqueued. Error frames are returned as *ExchangeError. Unknown codes are
// logged and ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (int, error) {
	frame, err := ParseFrame(raw)
	if err != nil {
		return 0, err
	}
	return d.DispatchFrame(ctx, frame)
}

func (d *Dispatcher) DispatchFrame(ctx context.Context, frame InboundFrame) (int, error) {
	log := d.log.WithComponent("bitglobal_dispatcher").WithFields(logger.Fields{
		"stream": d.stream,
		"code":   frame.Code,
		"topic":  frame.Topic,
	})

	class := frame.Class()
	switch class {
	case ClassConnectAck, ClassSubscribeAck, ClassAuthAck, ClassPong:
		log.WithField("class", class.String()).Debug(frame.Msg)
		return 0, nil
	case ClassError:
		log.WithField("msg", frame.Msg).Warn("error frame from bitglobal websocket")
		return 0, &ExchangeError{Code: frame.Code, Message: frame.Msg}
	case ClassBatch, ClassLive:
	default:
		log.WithField("frame", truncate(string(frame.Data), 256)).Warn("unrecognized message from bitglobal websocket")
		return 0, nil
	}

	records, err := splitRecords(frame.Data)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, rec := range records {
		msg, err := d.convert(frame, class, rec)
		if err != nil {
			log.WithError(err).Warn("failed to convert record")
			continue
		}
		if seq := d.sequencerFor(msg.Type); seq != nil && !seq.Accept(msg) {
			metrics.EmitDropMetric(d.log, metrics.DropMetricSequence, ExchangeName, d.stream, msg.TradingPair)
			continue
		}
		if d.sink.Send(ctx, msg) {
			enqueued++
			metrics.IncEnqueued(ExchangeName, d.stream, string(msg.Type))
			continue
		}
		metrics.IncDropped(ExchangeName, d.stream, string(msg.Type))
		metrics.EmitDropMetric(d.log, metrics.DropMetricFor(string(msg.Type)), ExchangeName, d.stream, msg.TradingPair)
	}
	return enqueued, nil
}

func (d *Dispatcher) convert(frame InboundFrame, class FrameClass, rec json.RawMessage) (models.Message, error) {
	topic := frame.Topic
	if topic == "" {
		topic = topicFor(d.kind)
	}
	pair := d.fallbackPair()

	switch topic {
	case TopicTrade:
		return TradeFromRecord(rec, pair, frame.Timestamp)
	case TopicOrderBook:
		msgType := models.MessageDiff
		if class == ClassBatch {
			msgType = models.MessageSnapshot
		}
		return BookFromRecord(rec, msgType, pair, frame.Timestamp)
	default:
		return UserEventFromRecord(rec, topic, pair, frame.Timestamp)
	}
}

// fallbackPair is used for records without a symbol; it is only known when
// exactly one pair is subscribed.
func (d *Dispatcher) fallbackPair() string {
	if len(d.pairs) == 1 {
		return d.pairs[0]
	}
	return ""
}

func topicFor(kind models.ChannelKind) string {
	switch kind {
	case models.ChannelTrade:
		return TopicTrade
	case models.ChannelOrderBook:
		return TopicOrderBook
	default:
		return TopicOrder
	}
}

// splitRecords yields each element of an array payload, or the payload
// itself when it is an object.
func splitRecords(data json.RawMessage) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("malformed data array: %w", err)
		}
		return records, nil
	}
	return []json.RawMessage{data}, nil
}

type tradeRecord struct {
	Price  json.RawMessage `json:"p"`
	Side   string          `json:"s"`
	Volume json.RawMessage `json:"v"`
	Time   json.RawMessage `json:"t"`
	Symbol string          `json:"symbol"`
	Ver    json.RawMessage `json:"ver"`
}

// TradeFromRecord converts a {p,s,v,t,symbol,ver} record. The record time
// wins over frameTS.
func TradeFromRecord(rec json.RawMessage, pair string, frameTS time.Time) (models.Message, error) {
	var r tradeRecord
	if err := json.Unmarshal(rec, &r); err != nil {
		return models.Message{}, fmt.Errorf("decode trade: %w", err)
	}
	price, err := decimalFromRaw(r.Price)
	if err != nil {
		return models.Message{}, fmt.Errorf("trade price: %w", err)
	}
	amount, err := decimalFromRaw(r.Volume)
	if err != nil {
		return models.Message{}, fmt.Errorf("trade volume: %w", err)
	}
	ver, err := int64FromRaw(r.Ver)
	if err != nil {
		return models.Message{}, fmt.Errorf("trade ver: %w", err)
	}
	ts, err := epochFromRaw(r.Time)
	if err != nil {
		return models.Message{}, fmt.Errorf("trade time: %w", err)
	}
	if ts.IsZero() {
		ts = frameTS
	}
	if r.Symbol != "" {
		pair = r.Symbol
	}

	trade := models.Trade{
		TradeID: tradeID(pair, ver),
		Price:   price,
		Amount:  amount,
		Side:    strings.ToLower(r.Side),
	}
	return models.NewTradeMessage(ExchangeName, pair, ts, ver, trade), nil
}

func tradeID(pair string, ver int64) string {
	if ver <= 0 {
		return ""
	}
	return fmt.Sprintf("%s-%d", pair, ver)
}

// BookFromRecord converts a {b,s,ver,symbol} record into a snapshot or diff
// stamped with frameTS.
func BookFromRecord(rec json.RawMessage, msgType models.MessageType, pair string, frameTS time.Time) (models.Message, error) {
	var b bookData
	if err := json.Unmarshal(rec, &b); err != nil {
		return models.Message{}, fmt.Errorf("decode order book: %w", err)
	}
	ver, err := int64FromRaw(b.Ver)
	if err != nil {
		return models.Message{}, fmt.Errorf("order book ver: %w", err)
	}
	if b.Symbol != "" {
		pair = b.Symbol
	}
	return models.NewBookMessage(msgType, ExchangeName, pair, frameTS, ver,
		models.OrderBook{Bids: b.Bids, Asks: b.Asks}), nil
}

type orderRecord struct {
	OrderID  string          `json:"oId"`
	Status   string          `json:"status"`
	Side     string          `json:"side"`
	Price    json.RawMessage `json:"price"`
	Quantity json.RawMessage `json:"quantity"`
	Symbol   string          `json:"symbol"`
}

// UserEventFromRecord keeps the raw record and fills the order fields when
// they are present.
func UserEventFromRecord(rec json.RawMessage, topic, pair string, frameTS time.Time) (models.Message, error) {
	var o orderRecord
	if err := json.Unmarshal(rec, &o); err != nil {
		return models.Message{}, fmt.Errorf("decode user event: %w", err)
	}
	price, err := decimalFromRaw(o.Price)
	if err != nil {
		price = decimal.Zero
	}
	qty, err := decimalFromRaw(o.Quantity)
	if err != nil {
		qty = decimal.Zero
	}
	if o.Symbol != "" {
		pair = o.Symbol
	}

	event := models.UserEvent{
		Topic:    topic,
		OrderID:  o.OrderID,
		Status:   o.Status,
		Side:     strings.ToLower(o.Side),
		Price:    price,
		Quantity: qty,
		Raw:      append(json.RawMessage(nil), rec...),
	}
	return models.NewUserMessage(ExchangeName, pair, frameTS, event), nil
}

// epochFromRaw parses seconds or milliseconds since the epoch, quoted or
// not. Fractional seconds are kept to the millisecond.
func epochFromRaw(raw json.RawMessage) (time.Time, error) {
	s := codeString(raw)
	if s == "" {
		return time.Time{}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	switch {
	case f <= 0:
		return time.Time{}, nil
	case f > 1e12:
		return time.UnixMilli(int64(f)).UTC(), nil
	default:
		return time.UnixMilli(int64(f * 1000)).UTC(), nil
	}
}
