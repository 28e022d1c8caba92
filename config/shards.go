package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IPShard binds the streams of a set of symbols to one local source IP so
// exchange per-IP limits are spread over several addresses.
type IPShard struct {
	IP      string              `yaml:"ip"`
	Symbols map[string][]string `yaml:"symbols"`
}

// IPShards represents the full shard configuration.
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
	seen := make(map[string]string)
	for _, shard := range cfg.Shards {
		for exchange, symbols := range shard.Symbols {
			for _, s := range symbols {
				key := exchange + ":" + s
				if prev, ok := seen[key]; ok {
					return nil, fmt.Errorf("symbol %s on %s assigned to both %q and %q", s, exchange, prev, shard.IP)
				}
				seen[key] = shard.IP
			}
		}
	}
	return &cfg, nil
}

// SymbolsFor returns the exchange symbols of every shard, keyed by source IP.
// Without shards all configured symbols stream from the default address.
func (s *IPShards) SymbolsFor(exchange string, fallback []string) map[string][]string {
	out := make(map[string][]string)
	if s == nil || len(s.Shards) == 0 {
		if len(fallback) > 0 {
			out[""] = fallback
		}
		return out
	}
	for _, shard := range s.Shards {
		if syms := shard.Symbols[exchange]; len(syms) > 0 {
			out[shard.IP] = append(out[shard.IP], syms...)
		}
	}
	return out
}
