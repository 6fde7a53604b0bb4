// Solana legacy transaction construction. The broker submits exactly
// two shapes - a system transfer and an SPL token transfer - so the
// wire format is built by hand instead of pulling in a full SDK.
package adapter

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Well-known program ids.
var (
	systemProgramID     = must58("11111111111111111111111111111111")
	tokenProgramID      = must58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	ataProgramID        = must58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	pdaMarker           = []byte("ProgramDerivedAddress")
	systemTransferIndex = uint32(2) // SystemProgram::Transfer
	tokenTransferIndex  = byte(3)   // TokenInstruction::Transfer
)

// isOnCurve reports whether a 32-byte key decodes to an ed25519 curve
// point. Program-derived addresses are off-curve by construction.
func isOnCurve(pub []byte) bool {
	if len(pub) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(pub)
	return err == nil
}

// findProgramAddress derives the canonical program-derived address for
// the given seeds, walking the bump seed down from 255 until the hash
// falls off the curve.
func findProgramAddress(seeds [][]byte, programID []byte) ([]byte, byte, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(programID)
		h.Write(pdaMarker)
		candidate := h.Sum(nil)
		if !isOnCurve(candidate) {
			return candidate, byte(bump), nil
		}
	}
	return nil, 0, fmt.Errorf("no off-curve address for seeds")
}

// associatedTokenAddress derives the canonical SPL token account for
// (owner, mint).
func associatedTokenAddress(owner, mint []byte) ([]byte, error) {
	addr, _, err := findProgramAddress([][]byte{owner, tokenProgramID, mint}, ataProgramID)
	return addr, err
}

// solInstruction is one compiled instruction.
type solInstruction struct {
	programIdx byte
	accounts   []byte
	data       []byte
}

// compactU16 appends a shortvec-encoded length.
func compactU16(buf *bytes.Buffer, n int) {
	for {
		if n < 0x80 {
			buf.WriteByte(byte(n))
			return
		}
		buf.WriteByte(byte(n&0x7f | 0x80))
		n >>= 7
	}
}

// serializeMessage builds a legacy message: header, account keys,
// recent blockhash, instructions.
func serializeMessage(numSigners, numReadonlyUnsigned byte, accounts [][]byte,
	blockhash []byte, instrs []solInstruction) []byte {

	var msg bytes.Buffer
	msg.WriteByte(numSigners)
	msg.WriteByte(0) // no read-only signed accounts in either shape
	msg.WriteByte(numReadonlyUnsigned)

	compactU16(&msg, len(accounts))
	for _, acct := range accounts {
		msg.Write(acct)
	}
	msg.Write(blockhash)

	compactU16(&msg, len(instrs))
	for _, in := range instrs {
		msg.WriteByte(in.programIdx)
		compactU16(&msg, len(in.accounts))
		msg.Write(in.accounts)
		compactU16(&msg, len(in.data))
		msg.Write(in.data)
	}
	return msg.Bytes()
}

// signAndWrap signs the message with the single fee payer and produces
// the full wire transaction.
func signAndWrap(priv ed25519.PrivateKey, message []byte) []byte {
	sig := ed25519.Sign(priv, message)

	var tx bytes.Buffer
	compactU16(&tx, 1)
	tx.Write(sig)
	tx.Write(message)
	return tx.Bytes()
}

// buildNativeTransfer builds and signs a system transfer of lamports.
func buildNativeTransfer(priv ed25519.PrivateKey, to string, lamports uint64, blockhash string) ([]byte, error) {
	from := priv.Public().(ed25519.PublicKey)
	toKey, err := base58.Decode(to)
	if err != nil {
		return nil, fmt.Errorf("bad destination: %w", err)
	}
	hash, err := base58.Decode(blockhash)
	if err != nil {
		return nil, fmt.Errorf("bad blockhash: %w", err)
	}

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransferIndex)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	// Accounts: payer (signer, writable), destination (writable),
	// system program (read-only).
	message := serializeMessage(1, 1,
		[][]byte{from, toKey, systemProgramID},
		hash,
		[]solInstruction{{programIdx: 2, accounts: []byte{0, 1}, data: data}})
	return signAndWrap(priv, message), nil
}

// buildSPLTransfer builds and signs a token transfer between the
// canonical associated token accounts of sender and recipient. The
// recipient's token account must already exist; a transfer into a
// missing account fails at preflight and surfaces as a submit error.
func buildSPLTransfer(priv ed25519.PrivateKey, to, mint string, amount uint64, blockhash string) ([]byte, error) {
	owner := priv.Public().(ed25519.PublicKey)
	toKey, err := base58.Decode(to)
	if err != nil {
		return nil, fmt.Errorf("bad destination: %w", err)
	}
	mintKey, err := base58.Decode(mint)
	if err != nil {
		return nil, fmt.Errorf("bad mint: %w", err)
	}
	hash, err := base58.Decode(blockhash)
	if err != nil {
		return nil, fmt.Errorf("bad blockhash: %w", err)
	}

	srcATA, err := associatedTokenAddress(owner, mintKey)
	if err != nil {
		return nil, fmt.Errorf("source token account: %w", err)
	}
	dstATA, err := associatedTokenAddress(toKey, mintKey)
	if err != nil {
		return nil, fmt.Errorf("destination token account: %w", err)
	}

	data := make([]byte, 9)
	data[0] = tokenTransferIndex
	binary.LittleEndian.PutUint64(data[1:9], amount)

	// Accounts: owner pays and signs (writable), both token accounts
	// writable, token program read-only.
	message := serializeMessage(1, 1,
		[][]byte{owner, srcATA, dstATA, tokenProgramID},
		hash,
		[]solInstruction{{programIdx: 3, accounts: []byte{1, 2, 0}, data: data}})
	return signAndWrap(priv, message), nil
}
