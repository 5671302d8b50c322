package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalConfig = `cryptolink:
  name: "TestApp"
  version: "1.0"
channels:
  buffer: 8
reader:
  message_timeout: 15s
source:
  bitglobal:
    trading_pairs: ["BTC-USDT", "ETH-USDT"]
storage:
  s3:
    enabled: false
`

// writeTempConfig writes content to a temp file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cryptolink.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Cryptolink.Name)
	}
	if cfg.Channels.Buffer != 8 {
		t.Errorf("unexpected buffer: %d", cfg.Channels.Buffer)
	}
	if cfg.Reader.MessageTimeout != 15*time.Second {
		t.Errorf("unexpected message timeout: %s", cfg.Reader.MessageTimeout)
	}
	if got := cfg.Source.Bitglobal.TradingPairs; len(got) != 2 || got[0] != "BTC-USDT" {
		t.Errorf("unexpected trading pairs: %v", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Reader.PingTimeout != 10*time.Second {
		t.Errorf("ping timeout default: %s", cfg.Reader.PingTimeout)
	}
	if cfg.Reader.Backoff != 30*time.Second {
		t.Errorf("backoff default: %s", cfg.Reader.Backoff)
	}
	bg := cfg.Source.Bitglobal
	if !bg.Enabled || !bg.Trades.Enabled || !bg.Diffs.Enabled || !bg.Snapshots.Enabled {
		t.Errorf("bitglobal streams should default to enabled: %+v", bg)
	}
	if bg.User.Enabled {
		t.Errorf("user stream should default to disabled")
	}
	if bg.RestURL != DefaultBitglobalRestURL || bg.WSURL != DefaultBitglobalWSURL {
		t.Errorf("unexpected urls: %s %s", bg.RestURL, bg.WSURL)
	}
	if bg.Snapshots.PairDelay != 5*time.Second {
		t.Errorf("pair delay default: %s", bg.Snapshots.PairDelay)
	}
}

func TestLoadConfigUserStreamNeedsCredentials(t *testing.T) {
	t.Setenv("BITGLOBAL_API_KEY", "")
	t.Setenv("BITGLOBAL_API_SECRET", "")

	content := `cryptolink:
  name: "TestApp"
  version: "1.0"
source:
  bitglobal:
    trading_pairs: ["BTC-USDT"]
    user:
      enabled: true
`
	path := writeTempConfig(t, content)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error without credentials")
	}

	t.Setenv("BITGLOBAL_API_KEY", "key")
	t.Setenv("BITGLOBAL_API_SECRET", "secret")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Bitglobal.APIKey != "key" || cfg.Source.Bitglobal.SecretKey != "secret" {
		t.Fatalf("credentials not read from env: %+v", cfg.Source.Bitglobal)
	}
}

func TestLoadConfigRequiresPairs(t *testing.T) {
	content := `cryptolink:
  name: "TestApp"
  version: "1.0"
`
	if _, err := LoadConfig(writeTempConfig(t, content)); err == nil {
		t.Fatalf("expected error for empty trading_pairs")
	}
}

func TestLoadConfigKafkaValidation(t *testing.T) {
	content := minimalConfig + `  kafka:
    enabled: true
    brokers: ["localhost:9092"]
`
	if _, err := LoadConfig(writeTempConfig(t, content)); err == nil {
		t.Fatalf("expected error for missing kafka topic")
	}
}

func TestLoadIPShards(t *testing.T) {
	content := `shards:
- ip: "1.1.1.1"
  bitglobal_pairs: ["BTC-USDT"]
  binance_symbols: ["BTCUSDT"]
- ip: "2.2.2.2"
  binance_symbols: ["ETHUSDT"]
`
	path := filepath.Join(t.TempDir(), "shards.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	shards, err := LoadIPShards(path)
	if err != nil {
		t.Fatalf("LoadIPShards failed: %v", err)
	}
	if len(shards.Shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(shards.Shards))
	}

	bg := shards.BitglobalShards(BitglobalSourceConfig{TradingPairs: []string{"X-Y"}, RestURL: "u"})
	if len(bg) != 1 {
		t.Fatalf("expected 1 bitglobal shard, got %d", len(bg))
	}
	if bg[0].LocalIP != "1.1.1.1" || bg[0].TradingPairs[0] != "BTC-USDT" || bg[0].RestURL != "u" {
		t.Errorf("unexpected bitglobal shard: %+v", bg[0])
	}

	bn := shards.BinanceShards(BinanceSourceConfig{})
	if len(bn) != 2 || bn[1].LocalIP != "2.2.2.2" {
		t.Errorf("unexpected binance shards: %+v", bn)
	}
}

func TestNilShardsKeepSource(t *testing.T) {
	var shards *IPShards
	src := BitglobalSourceConfig{TradingPairs: []string{"BTC-USDT"}}
	got := shards.BitglobalShards(src)
	if len(got) != 1 || got[0].TradingPairs[0] != "BTC-USDT" {
		t.Fatalf("unexpected shards: %+v", got)
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prod, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath("", def); got != prod {
		t.Errorf("ResolvePath = %s, want %s", got, prod)
	}
	if got := ResolvePath("/other.yml", def); got != "/other.yml" {
		t.Errorf("explicit path should win, got %s", got)
	}

	t.Setenv("APP_ENV", "")
	if got := ResolvePath("", def); got != def {
		t.Errorf("development should keep default, got %s", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
