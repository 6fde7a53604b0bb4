// Package backend provides chain-index clients for UTXO chains: address
// history, UTXO sets, confirmation depth and transaction broadcast. This
// package never sees private keys - the adapter layer signs and only
// hands a raw transaction down for broadcast.
package backend

import (
	"context"
	"errors"

	"github.com/crosslane-exchange/crosslane/internal/chain"
)

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
)

// Type represents the index provider flavor.
type Type string

const (
	TypeMempool   Type = "mempool"   // mempool.space API
	TypeEsplora   Type = "esplora"   // blockstream.info API
	TypeBlockbook Type = "blockbook" // Trezor Blockbook
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`        // in smallest unit (satoshis)
	ScriptPubKey  string `json:"scriptpubkey"` // hex encoded
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Address      string `json:"scriptpubkey_address,omitempty"`
	Value        uint64 `json:"value"`
}

// Transaction carries the slice of transaction data the deposit watcher
// needs: identity, confirmation depth and the outputs crediting an
// address.
type Transaction struct {
	TxID          string     `json:"txid"`
	Confirmed     bool       `json:"confirmed"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Outputs       []TxOutput `json:"vout"`
}

// CreditTo sums the outputs paying the given address.
func (t *Transaction) CreditTo(address string) uint64 {
	var sum uint64
	for _, out := range t.Outputs {
		if out.Address == address {
			sum += out.Value
		}
	}
	return sum
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// Backend defines the interface for UTXO chain-index providers.
type Backend interface {
	// Type returns the backend type (mempool, esplora, blockbook).
	Type() Type

	// Connect establishes connection to the backend.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// Address operations
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressTxs(ctx context.Context, address string) ([]Transaction, error)

	// Transaction operations
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// Block and fee queries
	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration for one chain symbol.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	// Optional settings
	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// DefaultConfigs returns default index providers for the supported
// UTXO chains. EVM and Solana chains go through their own node RPC in
// the adapter layer and have no entry here.
func DefaultConfigs() map[string]*Config {
	return map[string]*Config{
		"BTC": {
			Type:       TypeMempool,
			MainnetURL: "https://mempool.space/api",
			TestnetURL: "https://mempool.space/testnet4/api",
		},
		"LTC": {
			Type:       TypeMempool,
			MainnetURL: "https://litecoinspace.org/api",
			TestnetURL: "https://litecoinspace.org/testnet/api",
		},
		"DOGE": {
			Type:       TypeBlockbook,
			MainnetURL: "https://doge1.trezor.io/api/v2",
			TestnetURL: "https://doge1.trezor.io/api/v2", // No public testnet
		},
	}
}

// New constructs a backend from a config for the given network.
// Returns nil when the config has no URL for the network.
func New(cfg *Config, network chain.Network) Backend {
	url := cfg.MainnetURL
	if network == chain.Testnet {
		url = cfg.TestnetURL
	}
	if url == "" {
		return nil
	}

	switch cfg.Type {
	case TypeMempool:
		return NewMempoolBackend(url)
	case TypeEsplora:
		return NewEsploraBackend(url)
	case TypeBlockbook:
		return NewBlockbookBackend(url)
	default:
		return nil
	}
}

// Registry holds backend instances by chain symbol.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// NewDefaultRegistry creates a registry with default backends for the
// given network. Overrides map chain symbol to a replacement config.
func NewDefaultRegistry(network chain.Network, overrides map[string]*Config) *Registry {
	r := NewRegistry()
	configs := DefaultConfigs()
	for symbol, cfg := range overrides {
		configs[symbol] = cfg
	}

	for symbol, cfg := range configs {
		if b := New(cfg, network); b != nil {
			r.Register(symbol, b)
		}
	}
	return r
}

// Register adds a backend to the registry.
func (r *Registry) Register(symbol string, backend Backend) {
	r.backends[symbol] = backend
}

// Get returns a backend by symbol.
func (r *Registry) Get(symbol string) (Backend, bool) {
	b, ok := r.backends[symbol]
	return b, ok
}

// List returns all registered symbols.
func (r *Registry) List() []string {
	symbols := make([]string, 0, len(r.backends))
	for s := range r.backends {
		symbols = append(symbols, s)
	}
	return symbols
}

// CloseAll closes all registered backends.
func (r *Registry) CloseAll() {
	for _, b := range r.backends {
		b.Close()
	}
}
