package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSubscriptionArgs(t *testing.T) {
	cases := []struct {
		sub  Subscription
		want []string
	}{
		{Subscription{Kind: ChannelTrade, Pairs: []string{"BTC-USDT", "ETH-USDT"}}, []string{"TRADE:BTC-USDT", "TRADE:ETH-USDT"}},
		{Subscription{Kind: ChannelOrderBook, Pairs: []string{"BTC-USDT"}}, []string{"ORDERBOOK:BTC-USDT"}},
		{Subscription{Kind: ChannelUserOrder, Pairs: []string{"BTC-USDT"}}, []string{"ORDER"}},
	}
	for _, c := range cases {
		if got := c.sub.Args(); !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s args = %v, want %v", c.sub.Kind, got, c.want)
		}
	}
}

func TestSubscriptionFrameJSON(t *testing.T) {
	sub := Subscription{Kind: ChannelTrade, Pairs: []string{"BTC-USDT"}}
	data, err := json.Marshal(sub.Frame())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"cmd":"subscribe","args":["TRADE:BTC-USDT"]}` {
		t.Fatalf("unexpected frame: %s", data)
	}

	ping, _ := json.Marshal(PingFrame)
	if string(ping) != `{"cmd":"ping"}` {
		t.Fatalf("unexpected ping frame: %s", ping)
	}
}

func TestPriceLevelJSON(t *testing.T) {
	var levels []PriceLevel
	if err := json.Unmarshal([]byte(`[["100.5","2"],[101, 0.25]]`), &levels); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if !levels[0].Price.Equal(decimal.RequireFromString("100.5")) || !levels[1].Quantity.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected levels: %+v", levels)
	}

	out, err := json.Marshal(levels[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `["100.5","2"]` {
		t.Fatalf("unexpected encoding: %s", out)
	}

	var bad PriceLevel
	if err := json.Unmarshal([]byte(`["1"]`), &bad); err == nil {
		t.Fatalf("expected error for short level")
	}
}

func TestMessageValidate(t *testing.T) {
	ts := time.Unix(0, 0)
	trade := NewTradeMessage("bitglobal", "BTC-USDT", ts, 1, Trade{Price: decimal.NewFromInt(1)})
	if err := trade.Validate(); err != nil {
		t.Fatalf("trade should validate: %v", err)
	}
	if trade.ID == "" {
		t.Fatalf("message id not set")
	}

	snap := (&Snapshot{Exchange: "bitglobal", TradingPair: "BTC-USDT", UpdateID: 7}).Message()
	if snap.Type != MessageSnapshot || snap.UpdateID != 7 || snap.Validate() != nil {
		t.Fatalf("unexpected snapshot message: %+v", snap)
	}

	bad := trade
	bad.Book = &OrderBook{}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for two payloads")
	}

	wrong := NewUserMessage("bitglobal", "", ts, UserEvent{Topic: "ORDER"})
	wrong.Type = MessageDiff
	if err := wrong.Validate(); err == nil {
		t.Fatalf("expected error for mismatched payload")
	}
}
