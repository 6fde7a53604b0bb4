// Package chain defines per-chain parameters for every blockchain the broker
// settles on. All chain-specific constants live here - no external
// configuration needed, though RPC endpoints are supplied at runtime.
package chain

import "math/big"

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin" // BTC and forks (LTC, DOGE)
	ChainTypeEVM     ChainType = "evm"     // Ethereum and EVM chains
	ChainTypeSolana  ChainType = "solana"  // Solana
)

// AddressType represents the address encoding format.
type AddressType string

const (
	// Bitcoin address types
	AddressP2PKH  AddressType = "p2pkh"  // Legacy (1...)
	AddressP2SH   AddressType = "p2sh"   // Script hash (3...)
	AddressP2WPKH AddressType = "p2wpkh" // Native SegWit (bc1q...)

	// EVM address type
	AddressEVM AddressType = "evm" // 0x...

	// Solana address type
	AddressSolana AddressType = "solana" // Base58
)

// Params contains all parameters for a blockchain.
type Params struct {
	// Identity
	Symbol   string    // BTC, LTC, ETH, etc.
	Name     string    // Bitcoin, Litecoin, etc.
	Type     ChainType // bitcoin, evm, solana
	Decimals uint8     // 8 for BTC, 18 for ETH, 9 for SOL

	// BIP44 derivation for escrow keys
	CoinType       uint32 // BIP44 coin type (0=BTC, 2=LTC, 60=ETH, 501=SOL)
	DefaultPurpose uint32 // 44 or 84

	// Network params (Bitcoin-like)
	PubKeyHashAddrID byte   // Address prefix for P2PKH
	ScriptHashAddrID byte   // Address prefix for P2SH
	Bech32HRP        string // Bech32 human-readable prefix
	WIF              byte   // Private key prefix

	// Settlement chain id. EVM chains use the native chain id (1, 56,
	// 137, ...); non-EVM chains carry a registry-assigned id in the
	// 5000 range so asset specs can name any chain uniformly.
	ChainID     uint64
	NativeToken string // Native token symbol (ETH, BNB, POL) - empty means same as Symbol

	// Settlement policy
	MinConfirmations uint32 // deposits and payouts final at this depth
	GasBufferUnits   string // native smallest units an escrow keeps back to pay outbound gas
	DustUnits        string // residual native balance below this is not worth reclaiming

	// Default address type for escrows on this chain
	DefaultAddressType AddressType
}

// DerivationPath returns the BIP44/84 derivation path for this chain.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000, // purpose' (hardened)
		p.CoinType + 0x80000000,       // coin_type' (hardened)
		account + 0x80000000,          // account' (hardened)
		change,                        // change
		index,                         // address_index
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return formatPath(p.DefaultPurpose, p.CoinType, account, change, index)
}

func formatPath(purpose, coinType, account, change, index uint32) string {
	return "m/" +
		itoa(purpose) + "'/" +
		itoa(coinType) + "'/" +
		itoa(account) + "'/" +
		itoa(change) + "/" +
		itoa(index)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// GasBuffer returns the configured gas buffer as a big integer.
// Zero when the chain declares none.
func (p *Params) GasBuffer() *big.Int {
	if p.GasBufferUnits == "" {
		return new(big.Int)
	}
	n, ok := new(big.Int).SetString(p.GasBufferUnits, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// DustThreshold returns the reclaim floor as a big integer.
func (p *Params) DustThreshold() *big.Int {
	if p.DustUnits == "" {
		return new(big.Int)
	}
	n, ok := new(big.Int).SetString(p.DustUnits, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// GetNativeToken returns the native token symbol for a chain.
func (p *Params) GetNativeToken() string {
	if p.NativeToken != "" {
		return p.NativeToken
	}
	return p.Symbol
}

// Registry holds all chain parameters indexed by symbol.
var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry. Tests register synthetic
// chains through this same entry point.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ListByType returns all chains of a specific type.
func ListByType(chainType ChainType) []string {
	var symbols []string
	for symbol, nets := range registry {
		for _, params := range nets {
			if params.Type == chainType {
				symbols = append(symbols, symbol)
				break
			}
		}
	}
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}

// GetByChainID returns chain params for a settlement chain id.
func GetByChainID(chainID uint64, network Network) (*Params, bool) {
	for _, nets := range registry {
		if params, ok := nets[network]; ok {
			if params.ChainID == chainID {
				return params, true
			}
		}
	}
	return nil, false
}

// ListEVMChains returns all EVM chains with their chain IDs.
func ListEVMChains(network Network) map[string]uint64 {
	result := make(map[string]uint64)
	for symbol, nets := range registry {
		if params, ok := nets[network]; ok {
			if params.Type == ChainTypeEVM {
				result[symbol] = params.ChainID
			}
		}
	}
	return result
}
