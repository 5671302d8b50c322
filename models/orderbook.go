package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one price/quantity pair of a book side. It encodes as the
// exchange's [price, qty] array form.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (p PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Price.String(), p.Quantity.String()})
}

func (p *PriceLevel) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("price level needs 2 elements, got %d", len(raw))
	}
	price, err := decimalFromRaw(raw[0])
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	qty, err := decimalFromRaw(raw[1])
	if err != nil {
		return fmt.Errorf("quantity: %w", err)
	}
	p.Price, p.Quantity = price, qty
	return nil
}

// decimalFromRaw accepts both quoted and bare JSON numbers.
func decimalFromRaw(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decimal.NewFromString(s)
	}
	var d decimal.Decimal
	err := d.UnmarshalJSON(raw)
	return d, err
}

// OrderBook is the payload of snapshot and diff messages.
type OrderBook struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// Snapshot is a point-in-time REST order book.
type Snapshot struct {
	Exchange    string       `json:"exchange"`
	TradingPair string       `json:"trading_pair"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	UpdateID    int64        `json:"update_id"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Message converts the snapshot into a queue message.
func (s *Snapshot) Message() Message {
	return NewBookMessage(MessageSnapshot, s.Exchange, s.TradingPair, s.Timestamp, s.UpdateID,
		OrderBook{Bids: s.Bids, Asks: s.Asks})
}

// Market is one row of the exchange ticker table.
type Market struct {
	TradingPair string          `json:"trading_pair"`
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	// Fields keeps the remaining ticker columns untouched.
	Fields map[string]interface{} `json:"fields,omitempty"`
}
