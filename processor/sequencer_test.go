package processor

import (
	"bytes"
	"testing"

	"cryptolink/logger"
	"cryptolink/models"
)

func snapshot(pair string, id int64) models.Message {
	return models.Message{Type: models.MessageSnapshot, TradingPair: pair, UpdateID: id, Book: &models.OrderBook{}}
}

func newQuietSequencer() *Sequencer {
	s := NewSequencer("bitglobal", "snapshots")
	s.log = logger.Logger()
	s.log.SetOutput(&bytes.Buffer{})
	return s
}

func TestSequencerDropsRegression(t *testing.T) {
	s := newQuietSequencer()

	var forwarded []int64
	for _, id := range []int64{10, 12, 11, 12, 15} {
		if s.Accept(snapshot("BTC-USDT", id)) {
			forwarded = append(forwarded, id)
		}
	}

	want := []int64{10, 12, 12, 15}
	if len(forwarded) != len(want) {
		t.Fatalf("forwarded %v, want %v", forwarded, want)
	}
	for i := range want {
		if forwarded[i] != want[i] {
			t.Fatalf("forwarded %v, want %v", forwarded, want)
		}
	}
	if s.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", s.Dropped())
	}
}

func TestSequencerKeysByTypeAndPair(t *testing.T) {
	s := newQuietSequencer()

	if !s.Accept(snapshot("BTC-USDT", 100)) {
		t.Fatalf("first snapshot rejected")
	}
	if !s.Accept(snapshot("ETH-USDT", 5)) {
		t.Fatalf("other pair must be independent")
	}
	diff := models.Message{Type: models.MessageDiff, TradingPair: "BTC-USDT", UpdateID: 50, Book: &models.OrderBook{}}
	if !s.Accept(diff) {
		t.Fatalf("other type must be independent")
	}
	if id, ok := s.LastID(models.MessageSnapshot, "BTC-USDT"); !ok || id != 100 {
		t.Fatalf("LastID = %d,%v", id, ok)
	}
}

func TestSequencerResetStartsNewSession(t *testing.T) {
	s := newQuietSequencer()
	s.Accept(snapshot("BTC-USDT", 100))
	s.Reset()
	if !s.Accept(snapshot("BTC-USDT", 1)) {
		t.Fatalf("reset should clear previous session ids")
	}
}

func TestSequencerPassesUnsequenced(t *testing.T) {
	s := newQuietSequencer()
	s.Accept(snapshot("BTC-USDT", 100))
	trade := models.Message{Type: models.MessageTrade, TradingPair: "BTC-USDT", Trade: &models.Trade{}}
	if !s.Accept(trade) {
		t.Fatalf("message without update id should pass")
	}
}
