package chain

import "strings"

// TokenInfo describes a token contract the broker knows ahead of time.
// Deals may reference tokens outside this registry; their decimals are then
// fetched from the chain and cached. Registered tokens skip that round trip
// and carry the stablecoin flag used by the commission planner.
type TokenInfo struct {
	Symbol     string // Token symbol (USDT, USDC, etc.)
	Name       string // Full name
	Decimals   uint8  // Token decimals
	Address    string // Contract address on this chain
	ChainID    uint64 // EVM chain ID (0 for non-EVM chains)
	Stablecoin bool   // Eligible for fixed-USD commission when configured
}

// tokenRegistry maps chainID -> lowercased contract address -> TokenInfo
var tokenRegistry = make(map[uint64]map[string]*TokenInfo)

func init() {
	// ==========================================================================
	// Ethereum Mainnet (chainID 1)
	// ==========================================================================
	registerToken(1, &TokenInfo{
		Symbol:     "USDT",
		Name:       "Tether USD",
		Decimals:   6,
		Address:    "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		ChainID:    1,
		Stablecoin: true,
	})
	registerToken(1, &TokenInfo{
		Symbol:     "USDC",
		Name:       "USD Coin",
		Decimals:   6,
		Address:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		ChainID:    1,
		Stablecoin: true,
	})
	registerToken(1, &TokenInfo{
		Symbol:   "WETH",
		Name:     "Wrapped Ether",
		Decimals: 18,
		Address:  "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		ChainID:  1,
	})
	registerToken(1, &TokenInfo{
		Symbol:   "WBTC",
		Name:     "Wrapped Bitcoin",
		Decimals: 8,
		Address:  "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599",
		ChainID:  1,
	})
	registerToken(1, &TokenInfo{
		Symbol:     "DAI",
		Name:       "Dai Stablecoin",
		Decimals:   18,
		Address:    "0x6B175474E89094C44Da98b954EedeAC495271d0F",
		ChainID:    1,
		Stablecoin: true,
	})

	// ==========================================================================
	// BNB Smart Chain (chainID 56)
	// ==========================================================================
	registerToken(56, &TokenInfo{
		Symbol:     "USDT",
		Name:       "Tether USD",
		Decimals:   18, // BSC USDT has 18 decimals
		Address:    "0x55d398326f99059fF775485246999027B3197955",
		ChainID:    56,
		Stablecoin: true,
	})
	registerToken(56, &TokenInfo{
		Symbol:     "USDC",
		Name:       "USD Coin",
		Decimals:   18,
		Address:    "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
		ChainID:    56,
		Stablecoin: true,
	})

	// ==========================================================================
	// Polygon (chainID 137)
	// ==========================================================================
	registerToken(137, &TokenInfo{
		Symbol:     "USDT",
		Name:       "Tether USD",
		Decimals:   6,
		Address:    "0xc2132D05D31c914a87C6611C10748AEb04B58e8F",
		ChainID:    137,
		Stablecoin: true,
	})
	registerToken(137, &TokenInfo{
		Symbol:     "USDC",
		Name:       "USD Coin",
		Decimals:   6,
		Address:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		ChainID:    137,
		Stablecoin: true,
	})
	registerToken(137, &TokenInfo{
		Symbol:   "WETH",
		Name:     "Wrapped Ether",
		Decimals: 18,
		Address:  "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619",
		ChainID:  137,
	})
}

func registerToken(chainID uint64, token *TokenInfo) {
	if tokenRegistry[chainID] == nil {
		tokenRegistry[chainID] = make(map[string]*TokenInfo)
	}
	tokenRegistry[chainID][strings.ToLower(token.Address)] = token
}

// GetTokenByAddress returns token info for a contract address on a chain.
// Returns nil if the token is not registered.
func GetTokenByAddress(chainID uint64, address string) *TokenInfo {
	if tokens, ok := tokenRegistry[chainID]; ok {
		return tokens[strings.ToLower(address)]
	}
	return nil
}

// ListTokens returns all registered tokens for a specific chain.
func ListTokens(chainID uint64) []*TokenInfo {
	tokens, ok := tokenRegistry[chainID]
	if !ok {
		return nil
	}
	result := make([]*TokenInfo, 0, len(tokens))
	for _, token := range tokens {
		result = append(result, token)
	}
	return result
}

// IsStablecoin reports whether a contract address is a registered stablecoin.
func IsStablecoin(chainID uint64, address string) bool {
	t := GetTokenByAddress(chainID, address)
	return t != nil && t.Stablecoin
}
