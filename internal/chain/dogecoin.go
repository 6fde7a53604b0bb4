package chain

func init() {
	// Dogecoin Mainnet
	Register("DOGE", Mainnet, &Params{
		Symbol:   "DOGE",
		Name:     "Dogecoin",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		// BIP44 coin type 3
		CoinType:       3,
		DefaultPurpose: 44, // Legacy only

		// Mainnet address prefixes
		PubKeyHashAddrID: 0x1E, // D...
		ScriptHashAddrID: 0x16, // 9 or A
		Bech32HRP:        "",   // No SegWit
		WIF:              0x9E,

		ChainID: 5004,

		MinConfirmations: 6,
		DustUnits:        "100000000", // 1 DOGE, fees make smaller outputs unspendable

		DefaultAddressType: AddressP2PKH,
	})

	// Dogecoin Testnet
	Register("DOGE", Testnet, &Params{
		Symbol:   "DOGE",
		Name:     "Dogecoin Testnet",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 44,

		PubKeyHashAddrID: 0x71, // n...
		ScriptHashAddrID: 0xC4,
		Bech32HRP:        "",
		WIF:              0xF1,

		ChainID: 5005,

		MinConfirmations: 2,
		DustUnits:        "100000000",

		DefaultAddressType: AddressP2PKH,
	})
}
