package bitglobal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"testing"
	"time"
)

func testAuth(t *testing.T) *Auth {
	t.Helper()
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	a, err := NewAuth(Credentials{APIKey: "key", SecretKey: "secret"}, WithClock(clock))
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return a
}

func TestSignDeterministic(t *testing.T) {
	first := Sign([]byte("message"), []byte("secret"))
	for i := 0; i < 5; i++ {
		if got := Sign([]byte("message"), []byte("secret")); got != first {
			t.Fatalf("signature changed: %s != %s", got, first)
		}
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("message"))
	if want := hex.EncodeToString(mac.Sum(nil)); first != want {
		t.Fatalf("Sign = %s, want %s", first, want)
	}
	if Sign([]byte("other"), []byte("secret")) == first {
		t.Fatalf("different messages should not collide")
	}
}

func TestNewAuthRejectsEmptyCredentials(t *testing.T) {
	for _, c := range []Credentials{{}, {APIKey: "k"}, {SecretKey: "s"}, {APIKey: " ", SecretKey: "s"}} {
		if _, err := NewAuth(c); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("NewAuth(%+v) err = %v", c, err)
		}
	}
}

func TestRestAuthHeadersSorted(t *testing.T) {
	a := testAuth(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)

	headers := a.RestAuthHeaders("GET", "/spot/assetList", map[string]string{"z": "1", "a": "2"}, ts)
	if len(headers) != 3 {
		t.Fatalf("expected 3 headers, got %d", len(headers))
	}
	if !sort.SliceIsSorted(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key }) {
		t.Fatalf("headers not sorted: %+v", headers)
	}

	values := map[string]string{}
	for _, h := range headers {
		values[h.Key] = h.Value
	}
	if values[headerTimestamp] != "2024-01-02T03:04:05.006Z" {
		t.Fatalf("unexpected timestamp: %s", values[headerTimestamp])
	}
	if values[headerKey] != "key" {
		t.Fatalf("unexpected key header: %s", values[headerKey])
	}
	want := Sign([]byte("/spot/assetList"+"2024-01-02T03:04:05.006Z"+"key"), []byte("secret"))
	if values[headerSign] != want {
		t.Fatalf("unexpected signature: %s", values[headerSign])
	}
}

func TestWSAuthFrame(t *testing.T) {
	a := testAuth(t)
	frame := a.WSAuthFrame()
	if frame.Cmd != "authKey" || len(frame.Args) != 3 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Args[0] != "key" || frame.Args[1] != "1700000000" {
		t.Fatalf("unexpected args: %+v", frame.Args)
	}
	want := Sign([]byte("/message/realtime"+"1700000000"+"key"), []byte("secret"))
	if frame.Args[2] != want {
		t.Fatalf("unexpected signature: %v", frame.Args[2])
	}
}

func TestParamsSignatureOrderIndependent(t *testing.T) {
	a := testAuth(t)
	got := a.ParamsSignature(map[string]string{"symbol": "BTC-USDT", "apiKey": "key", "timestamp": "1"})
	want := Sign([]byte("apiKey=key&symbol=BTC-USDT&timestamp=1"), []byte("secret"))
	if got != want {
		t.Fatalf("ParamsSignature = %s, want %s", got, want)
	}
}
