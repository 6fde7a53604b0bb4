package deal

import (
	"errors"
	"fmt"
	"strings"
)

// Common asset errors
var (
	ErrInvalidAssetCode = errors.New("invalid asset code")
	ErrUnknownAssetKind = errors.New("unknown asset kind")
)

// AssetKind distinguishes native coins from contract-hosted tokens.
type AssetKind string

const (
	AssetNative AssetKind = "native" // chain's own coin (BTC, ETH, SOL)
	AssetERC20  AssetKind = "erc20"  // EVM token contract
	AssetSPL    AssetKind = "spl"    // Solana token mint
)

// Token asset codes carry a typed prefix; native codes are bare symbols.
const (
	erc20Prefix = "ERC20:"
	splPrefix   = "SPL:"
)

// ParseAssetCode splits an asset code into its kind and, for tokens, the
// contract or mint address. Native codes pass through as the symbol.
func ParseAssetCode(code string) (AssetKind, string, error) {
	switch {
	case code == "":
		return "", "", fmt.Errorf("%w: empty", ErrInvalidAssetCode)
	case strings.HasPrefix(code, erc20Prefix):
		addr := code[len(erc20Prefix):]
		if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
			return "", "", fmt.Errorf("%w: bad ERC20 address %q", ErrInvalidAssetCode, addr)
		}
		return AssetERC20, addr, nil
	case strings.HasPrefix(code, splPrefix):
		addr := code[len(splPrefix):]
		if addr == "" {
			return "", "", fmt.Errorf("%w: empty SPL mint", ErrInvalidAssetCode)
		}
		return AssetSPL, addr, nil
	case strings.Contains(code, ":"):
		return "", "", fmt.Errorf("%w: unknown prefix in %q", ErrInvalidAssetCode, code)
	default:
		return AssetNative, code, nil
	}
}

// ERC20Code builds the typed asset code for a token contract.
func ERC20Code(address string) string {
	return erc20Prefix + address
}

// SPLCode builds the typed asset code for a token mint.
func SPLCode(address string) string {
	return splPrefix + address
}

// AssetSpec names one side of a deal: which chain, which asset, how much.
// Decimals is resolved at creation (chain params for native, token
// registry or adapter query for contracts) so display formatting never
// needs another lookup.
type AssetSpec struct {
	ChainID   uint64  `json:"chainId"`
	AssetCode string  `json:"assetCode"`
	Amount    *Amount `json:"amount"`
	Decimals  uint8   `json:"decimals"`
}

// Validate checks the spec is structurally sound. Chain and token
// existence are checked by the adapter layer.
func (s *AssetSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil spec", ErrInvalidAssetCode)
	}
	if _, _, err := ParseAssetCode(s.AssetCode); err != nil {
		return err
	}
	if s.Amount == nil || s.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return nil
}

// Kind returns the asset kind. Invalid codes report native; Validate
// catches those before a spec is accepted.
func (s *AssetSpec) Kind() AssetKind {
	kind, _, err := ParseAssetCode(s.AssetCode)
	if err != nil {
		return AssetNative
	}
	return kind
}

// IsNative reports whether the spec names the chain's own coin.
func (s *AssetSpec) IsNative() bool {
	return s.Kind() == AssetNative
}

// TokenAddress returns the contract or mint address for token specs.
func (s *AssetSpec) TokenAddress() (string, bool) {
	kind, addr, err := ParseAssetCode(s.AssetCode)
	if err != nil || kind == AssetNative {
		return "", false
	}
	return addr, true
}
