package bitglobal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cryptolink/config"
)

func minimalConfig() *config.Config {
	return &config.Config{
		Reader: config.ReaderConfig{
			Timeout:        time.Second,
			MessageTimeout: 50 * time.Millisecond,
			PingTimeout:    50 * time.Millisecond,
			Backoff:        10 * time.Millisecond,
			RateLimit:      config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100},
		},
	}
}

func newTestRest(t *testing.T, h http.Handler, opts ...RestOption) *RestClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewRestClient(minimalConfig(), config.BitglobalSourceConfig{RestURL: srv.URL}, opts...)
}

func TestGetSnapshot(t *testing.T) {
	rc := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spot/orderBook" || r.URL.Query().Get("symbol") != "BTC-USDT" {
			t.Errorf("unexpected request: %s", r.URL)
		}
		w.Write([]byte(`{"code":"0","msg":"success","data":{"b":[["100","1"],["99","2"]],"s":[["101","3"]],"ver":"42","symbol":"BTC-USDT"}}`))
	}))

	snap, err := rc.GetSnapshot(context.Background(), "BTC-USDT", 1)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.UpdateID != 42 || snap.TradingPair != "BTC-USDT" || snap.Exchange != ExchangeName {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price.String() != "100" {
		t.Fatalf("bids not trimmed to limit: %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Quantity.String() != "3" {
		t.Fatalf("unexpected asks: %+v", snap.Asks)
	}
}

func TestGetSnapshotNon2xx(t *testing.T) {
	rc := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream"))
	}))

	_, err := rc.GetSnapshot(context.Background(), "BTC-USDT", 10)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
}

func TestGetSnapshotExchangeError(t *testing.T) {
	rc := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"9002","msg":"symbol not found","data":null}`))
	}))

	_, err := rc.GetSnapshot(context.Background(), "NOPE-USDT", 10)
	var ee *ExchangeError
	if !errors.As(err, &ee) || ee.Code != "9002" {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
}

func TestGetLastTradedPrices(t *testing.T) {
	rc := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "BTC-USDT":
			w.Write([]byte(`{"code":"0","data":[{"p":"100.5","s":"buy","v":"1"}]}`))
		case "ETH-USDT":
			w.Write([]byte(`{"code":"0","data":[{"p":"10.25"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	prices, err := rc.GetLastTradedPrices(context.Background(), []string{"BTC-USDT", "ETH-USDT"})
	if err != nil {
		t.Fatalf("GetLastTradedPrices: %v", err)
	}
	if prices["BTC-USDT"].String() != "100.5" || prices["ETH-USDT"].String() != "10.25" {
		t.Fatalf("unexpected prices: %v", prices)
	}

	if _, err := rc.GetLastTradedPrices(context.Background(), []string{"BTC-USDT", "BAD-USDT"}); err == nil {
		t.Fatalf("expected batch failure when one pair fails")
	}
}

func TestFetchTradingPairsBestEffort(t *testing.T) {
	ok := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":{"spotConfig":[{"symbol":"BTC-USDT"},{"symbol":"ETH-USDT"}]}}`))
	}))
	pairs := ok.FetchTradingPairs(context.Background())
	if len(pairs) != 2 || pairs[0] != "BTC-USDT" {
		t.Fatalf("unexpected pairs: %v", pairs)
	}

	failing := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	pairs = failing.FetchTradingPairs(context.Background())
	if pairs == nil || len(pairs) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", pairs)
	}
}

func TestGetActiveMarketsCached(t *testing.T) {
	var calls atomic.Int32
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	rc := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("symbol") != "ALL" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"code":"0","data":[{"s":"BTC-USDT","c":"100.5","v":"12","h":"101"}]}`))
	}), WithRestClock(clock))

	for i := 0; i < 2; i++ {
		markets, err := rc.GetActiveMarkets(context.Background())
		if err != nil {
			t.Fatalf("GetActiveMarkets: %v", err)
		}
		if len(markets) != 1 || markets[0].TradingPair != "BTC-USDT" || markets[0].Price.String() != "100.5" || markets[0].Volume.String() != "12" {
			t.Fatalf("unexpected markets: %+v", markets)
		}
		if markets[0].Fields["h"] != "101" {
			t.Fatalf("extra columns not kept: %+v", markets[0].Fields)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one network call, got %d", calls.Load())
	}

	now = now.Add(activeMarketsTTL + time.Second)
	if _, err := rc.GetActiveMarkets(context.Background()); err != nil {
		t.Fatalf("GetActiveMarkets: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", calls.Load())
	}
}

func TestGetServerTime(t *testing.T) {
	rc := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":1700000000123}`))
	}))
	ts, err := rc.GetServerTime(context.Background())
	if err != nil {
		t.Fatalf("GetServerTime: %v", err)
	}
	if ts.UnixMilli() != 1700000000123 {
		t.Fatalf("unexpected time: %v", ts)
	}
}

func TestSignedRequestsCarryHeaders(t *testing.T) {
	auth, err := NewAuth(Credentials{APIKey: "key", SecretKey: "secret"})
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	rc := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerKey) != "key" || r.Header.Get(headerSign) == "" || r.Header.Get(headerTimestamp) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("User-Agent") != "cryptolink" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"code":"0","data":1}`))
	}), WithRestAuth(auth))

	if _, err := rc.GetServerTime(context.Background()); err != nil {
		t.Fatalf("signed request failed: %v", err)
	}
}
