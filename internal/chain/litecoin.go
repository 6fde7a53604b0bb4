package chain

func init() {
	// Litecoin Mainnet
	Register("LTC", Mainnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		// BIP44 coin type 2
		CoinType:       2,
		DefaultPurpose: 84, // Native SegWit (ltc1q...)

		// Mainnet address prefixes
		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		WIF:              0xB0,

		ChainID: 5002,

		MinConfirmations: 6,
		DustUnits:        "546",

		DefaultAddressType: AddressP2WPKH,
	})

	// Litecoin Testnet
	Register("LTC", Testnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin Testnet",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       1, // Testnet uses coin type 1
		DefaultPurpose: 84,

		// Testnet address prefixes
		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0x3A, // Q...
		Bech32HRP:        "tltc",
		WIF:              0xEF,

		ChainID: 5003,

		MinConfirmations: 2,
		DustUnits:        "546",

		DefaultAddressType: AddressP2WPKH,
	})
}
