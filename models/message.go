package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageTrade     MessageType = "trade"
	MessageSnapshot  MessageType = "snapshot"
	MessageDiff      MessageType = "diff"
	MessageUserEvent MessageType = "user_event"
)

// Message is the normalized unit handed to downstream consumers. Exactly one
// of Trade, Book and User is set, matching Type.
type Message struct {
	ID          string      `json:"id"`
	Type        MessageType `json:"type"`
	Exchange    string      `json:"exchange"`
	TradingPair string      `json:"trading_pair"`
	Timestamp   time.Time   `json:"timestamp"`
	UpdateID    int64       `json:"update_id"`
	ReceivedAt  time.Time   `json:"received_at"`

	Trade *Trade     `json:"trade,omitempty"`
	Book  *OrderBook `json:"book,omitempty"`
	User  *UserEvent `json:"user,omitempty"`
}

type Trade struct {
	TradeID string          `json:"trade_id,omitempty"`
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
	Side    string          `json:"side,omitempty"`
}

// UserEvent carries one private stream frame. Order fields are filled when
// the frame is an order update; Raw always holds the data payload.
type UserEvent struct {
	Topic    string          `json:"topic"`
	OrderID  string          `json:"order_id,omitempty"`
	Status   string          `json:"status,omitempty"`
	Side     string          `json:"side,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

func newMessage(t MessageType, exchange, pair string, ts time.Time, updateID int64) Message {
	return Message{
		ID:          uuid.NewString(),
		Type:        t,
		Exchange:    exchange,
		TradingPair: pair,
		Timestamp:   ts,
		UpdateID:    updateID,
		ReceivedAt:  time.Now().UTC(),
	}
}

func NewTradeMessage(exchange, pair string, ts time.Time, updateID int64, trade Trade) Message {
	m := newMessage(MessageTrade, exchange, pair, ts, updateID)
	m.Trade = &trade
	return m
}

// NewBookMessage builds a snapshot or diff message.
func NewBookMessage(t MessageType, exchange, pair string, ts time.Time, updateID int64, book OrderBook) Message {
	m := newMessage(t, exchange, pair, ts, updateID)
	m.Book = &book
	return m
}

func NewUserMessage(exchange, pair string, ts time.Time, event UserEvent) Message {
	m := newMessage(MessageUserEvent, exchange, pair, ts, 0)
	m.User = &event
	return m
}

// Validate checks that the payload matches the message type.
func (m Message) Validate() error {
	set := 0
	for _, p := range []bool{m.Trade != nil, m.Book != nil, m.User != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("message %s has %d payloads", m.Type, set)
	}
	switch m.Type {
	case MessageTrade:
		if m.Trade == nil {
			return fmt.Errorf("trade message without trade payload")
		}
	case MessageSnapshot, MessageDiff:
		if m.Book == nil {
			return fmt.Errorf("%s message without book payload", m.Type)
		}
	case MessageUserEvent:
		if m.User == nil {
			return fmt.Errorf("user event message without user payload")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
