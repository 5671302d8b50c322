package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IPShard binds a set of trading pairs to a local source IP. Each shard gets
// its own reader so REST limits are spread across addresses.
type IPShard struct {
	IP             string   `yaml:"ip"`
	BitglobalPairs []string `yaml:"bitglobal_pairs"`
	BinanceSymbols []string `yaml:"binance_symbols"`
}

type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i, s := range cfg.Shards {
		if s.IP == "" {
			return nil, fmt.Errorf("shard %d has no ip", i)
		}
	}
	return &cfg, nil
}

// BitglobalShards returns a per-shard copy of the bitglobal source config.
// Shards with no bitglobal pairs are skipped. With no shards the source is
// returned unchanged.
func (s *IPShards) BitglobalShards(src BitglobalSourceConfig) []BitglobalSourceConfig {
	if s == nil || len(s.Shards) == 0 {
		return []BitglobalSourceConfig{src}
	}
	out := make([]BitglobalSourceConfig, 0, len(s.Shards))
	for _, shard := range s.Shards {
		if len(shard.BitglobalPairs) == 0 {
			continue
		}
		c := src
		c.LocalIP = shard.IP
		c.TradingPairs = append([]string(nil), shard.BitglobalPairs...)
		out = append(out, c)
	}
	return out
}

// BinanceShards mirrors BitglobalShards for the binance source.
func (s *IPShards) BinanceShards(src BinanceSourceConfig) []BinanceSourceConfig {
	if s == nil || len(s.Shards) == 0 {
		return []BinanceSourceConfig{src}
	}
	out := make([]BinanceSourceConfig, 0, len(s.Shards))
	for _, shard := range s.Shards {
		if len(shard.BinanceSymbols) == 0 {
			continue
		}
		c := src
		c.LocalIP = shard.IP
		c.TradingPairs = append([]string(nil), shard.BinanceSymbols...)
		out = append(out, c)
	}
	return out
}
