// Package keyring derives and custodies escrow signing keys. All keys
// descend from one operator master seed; each escrow key is derived
// deterministically from (dealID, side, chain) and is never reused
// across deals. Adapters hold only opaque key references and resolve
// them here when they need to sign.
package keyring

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"

	"github.com/crosslane-exchange/crosslane/internal/deal"
)

// Common errors
var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrInvalidKeyRef   = errors.New("invalid key reference")
	ErrNoSeed          = errors.New("keyring has no seed")
)

// keyRefPrefix versions the reference format so it can evolve without
// invalidating persisted escrows.
const keyRefPrefix = "v1"

// Keyring holds the master seed and derives escrow keys on demand.
type Keyring struct {
	seed []byte
}

// NewFromMnemonic builds a keyring from a BIP39 mnemonic.
func NewFromMnemonic(mnemonic, passphrase string) (*Keyring, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return &Keyring{seed: bip39.NewSeed(mnemonic, passphrase)}, nil
}

// GenerateMnemonic creates a fresh 24-word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// EscrowKeyRef returns the opaque handle stored on a deal's escrow.
// The handle carries enough to re-derive the key after restart and
// nothing a party could use to spend.
func (k *Keyring) EscrowKeyRef(symbol, dealID string, side deal.Side) string {
	return keyRefPrefix + ":" + symbol + ":" + dealID + ":" + string(side)
}

// parseKeyRef splits a key reference back into its components.
func parseKeyRef(keyRef string) (symbol, dealID string, side deal.Side, err error) {
	parts := strings.SplitN(keyRef, ":", 4)
	if len(parts) != 4 || parts[0] != keyRefPrefix {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidKeyRef, keyRef)
	}
	s, err := deal.ParseSide(parts[3])
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidKeyRef, keyRef)
	}
	return parts[1], parts[2], s, nil
}

// deriveMaterial produces 64 bytes of key material bound to the escrow
// identity. HMAC-SHA512 keyed on the master seed, the same construction
// BIP32 uses for its root, so distinct deals can never collide.
func (k *Keyring) deriveMaterial(symbol, dealID string, side deal.Side) ([]byte, error) {
	if len(k.seed) == 0 {
		return nil, ErrNoSeed
	}
	mac := hmac.New(sha512.New, k.seed)
	mac.Write([]byte("crosslane/escrow/"))
	mac.Write([]byte(symbol))
	mac.Write([]byte{'/'})
	mac.Write([]byte(dealID))
	mac.Write([]byte{'/'})
	mac.Write([]byte(side))
	return mac.Sum(nil), nil
}

// DeriveSecp256k1 resolves a key reference to a secp256k1 private key
// (EVM and UTXO chains).
func (k *Keyring) DeriveSecp256k1(keyRef string) (*secp256k1.PrivateKey, error) {
	symbol, dealID, side, err := parseKeyRef(keyRef)
	if err != nil {
		return nil, err
	}
	material, err := k.deriveMaterial(symbol, dealID, side)
	if err != nil {
		return nil, err
	}

	// Reduce into the valid scalar range. The bias from mod is
	// negligible at 2^-128 and keeps derivation a pure function.
	n := btcec.S256().N
	scalar := new(big.Int).SetBytes(material[:32])
	scalar.Mod(scalar, new(big.Int).Sub(n, big.NewInt(1)))
	scalar.Add(scalar, big.NewInt(1))

	var buf [32]byte
	scalar.FillBytes(buf[:])
	priv := secp256k1.PrivKeyFromBytes(buf[:])
	return priv, nil
}

// DeriveEd25519 resolves a key reference to an ed25519 private key
// (Solana).
func (k *Keyring) DeriveEd25519(keyRef string) (ed25519.PrivateKey, error) {
	symbol, dealID, side, err := parseKeyRef(keyRef)
	if err != nil {
		return nil, err
	}
	material, err := k.deriveMaterial(symbol, dealID, side)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(material[:ed25519.SeedSize]), nil
}

// Zero clears the master seed. Called on shutdown.
func (k *Keyring) Zero() {
	for i := range k.seed {
		k.seed[i] = 0
	}
	k.seed = nil
}
