// internal/wallet/wallet.go
package wallet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// Wallet is one key-holding account available to the allocation engine.
type Wallet struct {
	ID         string
	Name       string
	Owner      string // user id the wallet belongs to
	Group      string // optional wallet-group label
	PrivateKey solana.PrivateKey
	PublicKey  solana.PublicKey
}

// New creates a wallet from a base58-encoded private key.
func New(id, name, owner, group, privateKeyBase58 string) (*Wallet, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &Wallet{
		ID:         id,
		Name:       name,
		Owner:      owner,
		Group:      group,
		PrivateKey: privateKey,
		PublicKey:  privateKey.PublicKey(),
	}, nil
}

// SignTransaction signs a transaction with the wallet's private key.
func (w *Wallet) SignTransaction(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.PublicKey) {
			return &w.PrivateKey
		}
		return nil
	})
	return err
}

// String returns the wallet's public key.
func (w *Wallet) String() string {
	return w.PublicKey.String()
}

// storeConfig is the on-disk shape of the wallets YAML file.
type storeConfig struct {
	Wallets []struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name"`
		Owner      string `yaml:"owner"`
		Group      string `yaml:"group"`
		PrivateKey string `yaml:"private_key"`
	} `yaml:"wallets"`
}

// Store is the wallet custody collaborator. Wallets that fail to load
// are skipped; they are unusable, not fatal.
type Store struct {
	byID map[string]*Wallet
}

// NewStore builds a store from an already-loaded wallet set. Used by tests.
func NewStore(wallets []*Wallet) *Store {
	s := &Store{byID: make(map[string]*Wallet, len(wallets))}
	for _, w := range wallets {
		s.byID[w.ID] = w
	}
	return s
}

// LoadStore loads wallets from a YAML file.
func LoadStore(path string) (*Store, error) {
	cleanPath := filepath.Clean(path)

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var config storeConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(config.Wallets) == 0 {
		return nil, fmt.Errorf("no wallets found in configuration")
	}

	store := &Store{byID: make(map[string]*Wallet)}
	for _, entry := range config.Wallets {
		if entry.ID == "" || entry.PrivateKey == "" {
			continue
		}
		w, err := New(entry.ID, entry.Name, entry.Owner, entry.Group, entry.PrivateKey)
		if err != nil {
			continue
		}
		store.byID[entry.ID] = w
	}

	if len(store.byID) == 0 {
		return nil, fmt.Errorf("no valid wallets loaded")
	}

	return store, nil
}

// Lookup returns the wallet with the given id.
func (s *Store) Lookup(walletID string) (*Wallet, bool) {
	w, ok := s.byID[walletID]
	return w, ok
}

// ByGroup returns every wallet in the given group owned by owner.
func (s *Store) ByGroup(owner, group string) []*Wallet {
	var out []*Wallet
	for _, w := range s.byID {
		if w.Owner == owner && w.Group == group {
			out = append(out, w)
		}
	}
	return out
}

// ByOwner returns every wallet owned by owner.
func (s *Store) ByOwner(owner string) []*Wallet {
	var out []*Wallet
	for _, w := range s.byID {
		if w.Owner == owner {
			out = append(out, w)
		}
	}
	return out
}
