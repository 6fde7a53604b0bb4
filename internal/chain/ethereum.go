package chain

func init() {
	// ==========================================================================
	// Ethereum
	// ==========================================================================

	// Ethereum Mainnet (chainID 1)
	Register("ETH", Mainnet, &Params{
		Symbol:      "ETH",
		Name:        "Ethereum",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 1,

		MinConfirmations: 12,
		GasBufferUnits:   "2000000000000000", // 0.002 ETH covers a native transfer at elevated gas
		DustUnits:        "100000000000000",  // 0.0001 ETH

		DefaultAddressType: AddressEVM,
	})

	// Ethereum Sepolia Testnet (chainID 11155111)
	Register("ETH", Testnet, &Params{
		Symbol:      "ETH",
		Name:        "Ethereum Sepolia",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 11155111,

		MinConfirmations: 3,
		GasBufferUnits:   "2000000000000000",
		DustUnits:        "100000000000000",

		DefaultAddressType: AddressEVM,
	})

	// ==========================================================================
	// BNB Smart Chain (BSC)
	// ==========================================================================

	// BSC Mainnet (chainID 56)
	Register("BSC", Mainnet, &Params{
		Symbol:      "BSC",
		Name:        "BNB Smart Chain",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "BNB",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 56,

		MinConfirmations: 15,
		GasBufferUnits:   "300000000000000", // 0.0003 BNB
		DustUnits:        "50000000000000",

		DefaultAddressType: AddressEVM,
	})

	// BSC Testnet (chainID 97)
	Register("BSC", Testnet, &Params{
		Symbol:      "BSC",
		Name:        "BNB Smart Chain Testnet",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "BNB",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 97,

		MinConfirmations: 3,
		GasBufferUnits:   "300000000000000",
		DustUnits:        "50000000000000",

		DefaultAddressType: AddressEVM,
	})

	// ==========================================================================
	// Polygon
	// ==========================================================================

	// Polygon Mainnet (chainID 137)
	Register("POLYGON", Mainnet, &Params{
		Symbol:      "POLYGON",
		Name:        "Polygon",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "POL", // Rebranded from MATIC to POL in 2024

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 137,

		MinConfirmations: 128, // Polygon finality lags far behind the tip
		GasBufferUnits:   "50000000000000000", // 0.05 POL
		DustUnits:        "10000000000000000",

		DefaultAddressType: AddressEVM,
	})

	// Polygon Amoy Testnet (chainID 80002)
	Register("POLYGON", Testnet, &Params{
		Symbol:      "POLYGON",
		Name:        "Polygon Amoy",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "POL",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 80002,

		MinConfirmations: 8,
		GasBufferUnits:   "50000000000000000",
		DustUnits:        "10000000000000000",

		DefaultAddressType: AddressEVM,
	})
}
