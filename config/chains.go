package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BurntSushi/toml"

	"sweepd/registry"
)

type chainEntry struct {
	Name     string      `toml:"name"`
	ChainID  int64       `toml:"chain_id"`
	RPC      []string    `toml:"rpc"`
	Explorer string      `toml:"explorer"`
	Native   nativeEntry `toml:"native"`
}

type nativeEntry struct {
	Name     string `toml:"name"`
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}

type chainsFile struct {
	Chains    map[string]chainEntry        `toml:"chains"`
	Standards map[string]map[string]string `toml:"standards"`
}

// ChainRegistry is the file-backed chain registry used when the store does
// not carry its own chain rows.
type ChainRegistry struct {
	Chains map[string]registry.ChainDescriptor
	// Standards maps chain key to token standard aliases, e.g.
	// "bep20" -> "erc20".
	Standards map[string]map[string]string
}

// LoadChains parses the TOML chain registry at path.
func LoadChains(path string) (ChainRegistry, error) {
	var raw chainsFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return ChainRegistry{}, fmt.Errorf("decode chains file: %w", err)
	}
	out := ChainRegistry{
		Chains:    make(map[string]registry.ChainDescriptor, len(raw.Chains)),
		Standards: make(map[string]map[string]string, len(raw.Standards)),
	}
	for key, entry := range raw.Chains {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return ChainRegistry{}, fmt.Errorf("chain key must not be empty")
		}
		if entry.ChainID <= 0 {
			return ChainRegistry{}, fmt.Errorf("chain %s: chain_id must be positive", key)
		}
		if len(entry.RPC) == 0 {
			return ChainRegistry{}, fmt.Errorf("chain %s: at least one rpc endpoint required", key)
		}
		decimals := entry.Native.Decimals
		if decimals == 0 {
			decimals = 18
		}
		out.Chains[key] = registry.ChainDescriptor{
			Key:     key,
			Name:    entry.Name,
			ChainID: big.NewInt(entry.ChainID),
			RPCURLs: append([]string(nil), entry.RPC...),
			Native: registry.NativeCurrency{
				Name:     entry.Native.Name,
				Symbol:   entry.Native.Symbol,
				Decimals: decimals,
			},
			Explorer: entry.Explorer,
		}
	}
	for chain, aliases := range raw.Standards {
		chain = strings.ToLower(strings.TrimSpace(chain))
		cleaned := make(map[string]string, len(aliases))
		for alias, canonical := range aliases {
			cleaned[strings.ToLower(alias)] = strings.ToLower(canonical)
		}
		out.Standards[chain] = cleaned
	}
	return out, nil
}
