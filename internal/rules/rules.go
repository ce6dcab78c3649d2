// internal/rules/rules.go
package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RuleSet is the per-(user, asset) risk policy consumed by the
// allocation engine. Optional floors are nil when not configured.
type RuleSet struct {
	InitialWalletCount   int      `yaml:"initial_wallet_count"`
	BuyPressureVolume    float64  `yaml:"buy_pressure_volume"` // SOL
	ArbitrageProfitFloor *float64 `yaml:"arbitrage_profit_floor"` // percent
	GlobalStopLoss       *float64 `yaml:"global_stop_loss"`       // percent
}

type storeFile struct {
	Default *RuleSet `yaml:"default"`
	Entries []struct {
		UserID  string  `yaml:"user_id"`
		AssetID string  `yaml:"asset_id"`
		Rules   RuleSet `yaml:"rules"`
	} `yaml:"entries"`
}

// Store resolves the RuleSet for a (userID, assetID) pair.
type Store struct {
	defaults RuleSet
	entries  map[string]RuleSet
}

func key(userID, assetID string) string {
	return userID + "/" + assetID
}

// NewStore builds a store with the given defaults. Used by tests and
// callers wiring rules programmatically.
func NewStore(defaults RuleSet) *Store {
	return &Store{
		defaults: defaults,
		entries:  make(map[string]RuleSet),
	}
}

// LoadStore reads the rules YAML file.
func LoadStore(path string) (*Store, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}

	store := &Store{entries: make(map[string]RuleSet)}
	if file.Default != nil {
		store.defaults = *file.Default
	}
	for _, e := range file.Entries {
		store.entries[key(e.UserID, e.AssetID)] = e.Rules
	}
	return store, nil
}

// Set installs a rule set for a (user, asset) pair.
func (s *Store) Set(userID, assetID string, rs RuleSet) {
	s.entries[key(userID, assetID)] = rs
}

// Resolve returns the rule set for the pair, falling back to defaults.
func (s *Store) Resolve(userID, assetID string) RuleSet {
	if rs, ok := s.entries[key(userID, assetID)]; ok {
		return rs
	}
	return s.defaults
}
