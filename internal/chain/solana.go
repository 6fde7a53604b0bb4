package chain

func init() {
	// Solana Mainnet
	Register("SOL", Mainnet, &Params{
		Symbol:   "SOL",
		Name:     "Solana",
		Type:     ChainTypeSolana,
		Decimals: 9,

		// BIP44 coin type 501
		CoinType:       501,
		DefaultPurpose: 44,

		ChainID: 5010,

		MinConfirmations: 32,         // rooted after ~32 slots
		GasBufferUnits:   "10000000", // 0.01 SOL covers fees plus rent-exemption headroom
		DustUnits:        "1000000",

		DefaultAddressType: AddressSolana,
	})

	// Solana Devnet
	Register("SOL", Testnet, &Params{
		Symbol:   "SOL",
		Name:     "Solana Devnet",
		Type:     ChainTypeSolana,
		Decimals: 9,

		CoinType:       501,
		DefaultPurpose: 44,

		ChainID: 5011,

		MinConfirmations: 8,
		GasBufferUnits:   "10000000",
		DustUnits:        "1000000",

		DefaultAddressType: AddressSolana,
	})
}
