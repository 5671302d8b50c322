package bitglobal

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cryptolink/config"
	"cryptolink/logger"
	"cryptolink/models"
	"cryptolink/reader"
)

var _ reader.Reader = (*Reader)(nil)

func TestNewReaderRequiresCredentialsForUserStream(t *testing.T) {
	src := config.BitglobalSourceConfig{
		TradingPairs: []string{"BTC-USDT"},
		User:         config.UserStreamConfig{Enabled: true},
	}
	if _, err := NewReader(minimalConfig(), src, &recordingSink{}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}

	src.APIKey, src.SecretKey = "key", "secret"
	if _, err := NewReader(minimalConfig(), src, &recordingSink{}); err != nil {
		t.Fatalf("NewReader with credentials: %v", err)
	}
}

func TestListenUserStreamWithoutCredentials(t *testing.T) {
	r, err := NewReader(minimalConfig(), config.BitglobalSourceConfig{TradingPairs: []string{"BTC-USDT"}}, &recordingSink{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if err := r.ListenUserStream(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestReaderFetchSnapshotUsesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":{"b":[["3","1"],["2","1"],["1","1"]],"s":[],"ver":"1","symbol":"BTC-USDT"}}`))
	}))
	defer srv.Close()

	src := config.BitglobalSourceConfig{
		RestURL:      srv.URL,
		TradingPairs: []string{"BTC-USDT"},
		Snapshots:    config.SnapshotConfig{Limit: 2},
	}
	r, err := NewReader(minimalConfig(), src, &recordingSink{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	snap, err := r.FetchSnapshot(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if len(snap.Bids) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(snap.Bids))
	}
}

func TestReaderStartStop(t *testing.T) {
	sink := &recordingSink{}
	src := config.BitglobalSourceConfig{
		TradingPairs: []string{"BTC-USDT"},
		LocalIP:      "127.0.0.1",
		Trades:       config.StreamConfig{Enabled: true},
		Diffs:        config.StreamConfig{Enabled: true},
	}
	r, err := NewReader(minimalConfig(), src, sink)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	r.log = logger.Logger()
	r.log.SetOutput(&bytes.Buffer{})

	rec := &dialRecorder{next: func(int) *scriptedConn {
		return newScriptedConn(func(w string) []string {
			switch {
			case strings.Contains(w, `"TRADE:BTC-USDT"`):
				return []string{`{"code":"00007","topic":"TRADE","data":{"p":"1","v":"1","s":"buy","symbol":"BTC-USDT"}}`}
			case strings.Contains(w, `"ORDERBOOK:BTC-USDT"`):
				return []string{`{"code":"00007","topic":"ORDERBOOK","timestamp":1700000000000,"data":{"b":[],"s":[],"ver":"1","symbol":"BTC-USDT"}}`}
			}
			return nil
		})
	}}
	r.dial = rec.dial

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Fatalf("second Start should fail")
	}
	waitFor(t, "both streams", func() bool { return len(sink.messages()) == 2 })
	r.Stop()

	if rec.count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", rec.count())
	}
	for i := 0; i < 2; i++ {
		if rec.transport(i).CloseCount() != 1 {
			t.Fatalf("transport %d not closed on stop", i)
		}
	}
}

func TestReaderSharesSnapshotSequencer(t *testing.T) {
	src := config.BitglobalSourceConfig{TradingPairs: []string{"BTC-USDT"}, LocalIP: "127.0.0.1"}
	r, err := NewReader(minimalConfig(), src, &recordingSink{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	if r.snapshotPoller().seq != r.snapshots {
		t.Fatalf("poller does not use the reader snapshot sequencer")
	}
	diffs := r.supervisor("diffs", models.Subscription{Kind: models.ChannelOrderBook, Pairs: src.TradingPairs}, nil)
	if diffs.cfg.Snapshots != r.snapshots {
		t.Fatalf("order book stream does not use the reader snapshot sequencer")
	}
	trades := r.supervisor("trades", models.Subscription{Kind: models.ChannelTrade, Pairs: src.TradingPairs}, nil)
	if trades.cfg.Snapshots != nil {
		t.Fatalf("trade stream should not sequence snapshots")
	}
	if diffs.Name() != "diffs@127.0.0.1" {
		t.Fatalf("unexpected stream name %q", diffs.Name())
	}
}
