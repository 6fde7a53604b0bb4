package adapter

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"

	"github.com/crosslane-exchange/crosslane/internal/backend"
	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/keyring"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestKeyring(t *testing.T) *keyring.Keyring {
	t.Helper()
	k, err := keyring.NewFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("NewFromMnemonic failed: %v", err)
	}
	return k
}

// memLedger is an in-memory SubmissionLedger.
type memLedger struct {
	entries map[string]TransferResult
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string]TransferResult)}
}

func (l *memLedger) GetSubmission(intentID string) (string, []string, bool, error) {
	r, ok := l.entries[intentID]
	return r.TxID, r.AdditionalTxIDs, ok, nil
}

func (l *memLedger) RecordSubmission(intentID string, _ uint64, txid string, additional []string) error {
	l.entries[intentID] = TransferResult{TxID: txid, AdditionalTxIDs: additional}
	return nil
}

func TestResolveSubmissionIdempotent(t *testing.T) {
	ledger := newMemLedger()
	calls := 0
	broadcast := func() (*TransferResult, error) {
		calls++
		return &TransferResult{TxID: "tx-1"}, nil
	}

	r1, err := resolveSubmission(ledger, 1, "intent-1", broadcast)
	if err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	r2, err := resolveSubmission(ledger, 1, "intent-1", broadcast)
	if err != nil {
		t.Fatalf("second submission failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("broadcast ran %d times, want 1", calls)
	}
	if r1.TxID != r2.TxID {
		t.Errorf("replayed submission returned %q, want %q", r2.TxID, r1.TxID)
	}
}

func TestResolveSubmissionErrorNotRecorded(t *testing.T) {
	ledger := newMemLedger()
	fail := errors.New("rpc down")
	_, err := resolveSubmission(ledger, 1, "intent-1", func() (*TransferResult, error) {
		return nil, fail
	})
	if !errors.Is(err, fail) {
		t.Fatalf("expected broadcast error, got %v", err)
	}
	if _, _, ok, _ := ledger.GetSubmission("intent-1"); ok {
		t.Error("failed broadcast must not be recorded")
	}
}

func TestUSDToNative(t *testing.T) {
	// $25 at $2500/ETH = 0.01 ETH = 1e16 wei.
	got, err := usdToNative("25.00", "2500", 18)
	if err != nil {
		t.Fatalf("usdToNative failed: %v", err)
	}
	want, _ := new(big.Int).SetString("10000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}

	// Non-terminating division rounds up, never undershooting.
	got, err = usdToNative("10", "3", 0)
	if err != nil {
		t.Fatalf("usdToNative failed: %v", err)
	}
	if got.Int64() != 4 {
		t.Errorf("10/3 with 0 decimals should round up to 4, got %d", got.Int64())
	}

	if _, err := usdToNative("25", "0", 18); !otcerr.IsKind(err, otcerr.KindOracleUnavailable) {
		t.Errorf("zero price should be OracleUnavailable, got %v", err)
	}
	if _, err := usdToNative("abc", "2500", 18); !otcerr.IsKind(err, otcerr.KindInvalidInput) {
		t.Errorf("garbage usd should be InvalidInput, got %v", err)
	}
}

func TestSelectUTXOs(t *testing.T) {
	utxos := []backend.UTXO{
		{TxID: "a", Amount: 10_000},
		{TxID: "b", Amount: 50_000},
		{TxID: "c", Amount: 5_000},
	}

	selected, total, err := selectUTXOs(utxos, 40_000, 1, vbyteInputP2WPKH)
	if err != nil {
		t.Fatalf("selectUTXOs failed: %v", err)
	}
	if len(selected) != 1 || selected[0].TxID != "b" {
		t.Errorf("expected the single 50k output, got %v", selected)
	}
	if total != 50_000 {
		t.Errorf("total = %d, want 50000", total)
	}

	if _, _, err := selectUTXOs(utxos, 100_000, 1, vbyteInputP2WPKH); err == nil {
		t.Error("insufficient funds should error")
	}
}

func TestUTXOAdapterEscrow(t *testing.T) {
	btcParams, _ := chain.Get("BTC", chain.Mainnet)
	a := NewUTXO(&UTXOConfig{Params: btcParams, Keyring: newTestKeyring(t)})

	e1, err := a.GenerateEscrow(context.Background(), "deal-1", deal.SideA)
	if err != nil {
		t.Fatalf("GenerateEscrow failed: %v", err)
	}
	if !a.ValidateAddress(e1.Address) {
		t.Errorf("generated escrow %q should validate", e1.Address)
	}

	// Deterministic, distinct per deal and side.
	e2, _ := a.GenerateEscrow(context.Background(), "deal-1", deal.SideA)
	if e1.Address != e2.Address {
		t.Error("same (deal, side) must derive the same escrow")
	}
	other, _ := a.GenerateEscrow(context.Background(), "deal-2", deal.SideA)
	if e1.Address == other.Address {
		t.Error("different deals must not share an escrow")
	}

	if a.ValidateAddress("0x1234567890123456789012345678901234567890") {
		t.Error("EVM address must not validate on BTC")
	}
}

func TestDogeEscrowIsLegacy(t *testing.T) {
	dogeParams, _ := chain.Get("DOGE", chain.Mainnet)
	a := NewUTXO(&UTXOConfig{Params: dogeParams, Keyring: newTestKeyring(t)})

	e, err := a.GenerateEscrow(context.Background(), "deal-1", deal.SideB)
	if err != nil {
		t.Fatalf("GenerateEscrow failed: %v", err)
	}
	if e.Address[0] != 'D' {
		t.Errorf("DOGE escrow should be legacy P2PKH starting with D, got %q", e.Address)
	}
}

// fakeIndex is a canned backend.Backend.
type fakeIndex struct {
	backend.Backend
	txs map[string][]backend.Transaction
}

func (f *fakeIndex) GetAddressTxs(_ context.Context, address string) ([]backend.Transaction, error) {
	return f.txs[address], nil
}

func (f *fakeIndex) GetTransaction(_ context.Context, txID string) (*backend.Transaction, error) {
	for _, txs := range f.txs {
		for i := range txs {
			if txs[i].TxID == txID {
				return &txs[i], nil
			}
		}
	}
	return nil, backend.ErrTxNotFound
}

func TestUTXOListDeposits(t *testing.T) {
	btcParams, _ := chain.Get("BTC", chain.Mainnet)
	escrow := "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

	index := &fakeIndex{txs: map[string][]backend.Transaction{
		escrow: {
			{
				TxID: "dep-1", Confirmed: true, BlockHeight: 100, Confirmations: 5,
				Outputs: []backend.TxOutput{{Address: escrow, Value: 70_000}},
			},
			{
				TxID: "unrelated", Confirmed: true, BlockHeight: 101, Confirmations: 4,
				Outputs: []backend.TxOutput{{Address: "bc1qother", Value: 10_000}},
			},
		},
	}}
	a := NewUTXO(&UTXOConfig{Params: btcParams, Index: index, Keyring: newTestKeyring(t)})

	deposits, err := a.ListDeposits(context.Background(), escrow, "BTC", time.Time{})
	if err != nil {
		t.Fatalf("ListDeposits failed: %v", err)
	}
	if len(deposits) != 1 {
		t.Fatalf("expected 1 deposit, got %d", len(deposits))
	}
	d := deposits[0]
	if d.TxID != "dep-1" || d.Amount.Uint64() != 70_000 || d.Confirmations != 5 {
		t.Errorf("unexpected deposit %+v", d)
	}
	if d.Synthetic {
		t.Error("UTXO deposits are exact, never synthetic")
	}

	// Token asset codes are invalid on UTXO chains.
	if _, err := a.ListDeposits(context.Background(), escrow, "ERC20:0x0000000000000000000000000000000000000001", time.Time{}); err == nil {
		t.Error("token asset on BTC should be rejected")
	}
}

func TestUTXOConfirmations(t *testing.T) {
	btcParams, _ := chain.Get("BTC", chain.Mainnet)
	index := &fakeIndex{txs: map[string][]backend.Transaction{
		"addr": {{TxID: "known", Confirmations: 7}},
	}}
	a := NewUTXO(&UTXOConfig{Params: btcParams, Index: index, Keyring: newTestKeyring(t)})

	conf, err := a.GetTxConfirmations(context.Background(), "known")
	if err != nil || conf != 7 {
		t.Errorf("known tx: conf=%d err=%v, want 7", conf, err)
	}
	conf, err = a.GetTxConfirmations(context.Background(), "vanished")
	if err != nil || conf != -1 {
		t.Errorf("absent tx: conf=%d err=%v, want -1", conf, err)
	}
}

func TestSolanaEscrowAndValidation(t *testing.T) {
	solParams, _ := chain.Get("SOL", chain.Mainnet)
	a := NewSolana(&SolanaConfig{Params: solParams, Keyring: newTestKeyring(t)})

	e, err := a.GenerateEscrow(context.Background(), "deal-1", deal.SideA)
	if err != nil {
		t.Fatalf("GenerateEscrow failed: %v", err)
	}
	if !a.ValidateAddress(e.Address) {
		t.Errorf("generated escrow %q should validate", e.Address)
	}
	if a.ValidateAddress("not-base58-!!") {
		t.Error("garbage should not validate")
	}
	if a.ValidateAddress("abc") {
		t.Error("short key should not validate")
	}
}

func TestFindProgramAddressOffCurve(t *testing.T) {
	owner := make([]byte, 32)
	owner[0] = 7
	addr, _, err := findProgramAddress([][]byte{owner, tokenProgramID}, ataProgramID)
	if err != nil {
		t.Fatalf("findProgramAddress failed: %v", err)
	}
	if isOnCurve(addr) {
		t.Error("derived address must be off-curve")
	}

	// Canonical derivation is deterministic.
	again, _, _ := findProgramAddress([][]byte{owner, tokenProgramID}, ataProgramID)
	if string(addr) != string(again) {
		t.Error("derivation must be deterministic")
	}
}

func TestBuildNativeTransfer(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	to := base58.Encode(bytesOf(32, 9))
	blockhash := base58.Encode(bytesOf(32, 1))

	raw, err := buildNativeTransfer(priv, to, 1_000_000, blockhash)
	if err != nil {
		t.Fatalf("buildNativeTransfer failed: %v", err)
	}

	// One signature, then the message it covers.
	if raw[0] != 1 {
		t.Fatalf("expected 1 signature, got %d", raw[0])
	}
	sig := raw[1:65]
	message := raw[65:]
	pub := priv.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, message, sig) {
		t.Error("signature does not cover the message")
	}

	// Header: 1 signer, 0 read-only signed, 1 read-only unsigned.
	if message[0] != 1 || message[1] != 0 || message[2] != 1 {
		t.Errorf("unexpected header %v", message[:3])
	}
	if message[3] != 3 {
		t.Errorf("expected 3 account keys, got %d", message[3])
	}
	if string(message[4:36]) != string(pub) {
		t.Error("fee payer must be the first account")
	}
}

func TestCompactU16(t *testing.T) {
	cases := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0}},
		{1, []byte{1}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xac, 0x02}},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		compactU16(&buf, tc.n)
		if got := buf.Bytes(); string(got) != string(tc.want) {
			t.Errorf("compactU16(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestPackCallArgs(t *testing.T) {
	amount := big.NewInt(1_000_000)
	data := packCallArgs(selTransfer, common.HexToAddress("0x1111111111111111111111111111111111111111"), amount)
	if len(data) != 68 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}
	if string(data[:4]) != string(selTransfer) {
		t.Error("selector mismatch")
	}
	if got := new(big.Int).SetBytes(data[36:68]); got.Cmp(amount) != 0 {
		t.Errorf("packed amount = %s, want %s", got, amount)
	}
}

func TestUnpackString(t *testing.T) {
	// bytes32-style symbol.
	b32 := make([]byte, 32)
	copy(b32, "USDT")
	if got := unpackString(b32); got != "USDT" {
		t.Errorf("bytes32 unpack = %q", got)
	}

	// ABI-encoded dynamic string.
	dyn := make([]byte, 96)
	dyn[31] = 32 // offset
	dyn[63] = 4  // length
	copy(dyn[64:], "USDC")
	if got := unpackString(dyn); got != "USDC" {
		t.Errorf("dynamic unpack = %q", got)
	}

	if got := unpackString(nil); got != "" {
		t.Errorf("empty unpack = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	btcParams, _ := chain.Get("BTC", chain.Mainnet)
	r := NewRegistry()
	r.Register(NewUTXO(&UTXOConfig{Params: btcParams, Keyring: newTestKeyring(t)}))

	a, err := r.Get(btcParams.ChainID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.Symbol() != "BTC" {
		t.Errorf("Symbol = %s", a.Symbol())
	}

	if _, err := r.Get(424242); !otcerr.IsKind(err, otcerr.KindInvalidInput) {
		t.Errorf("unknown chain should be InvalidInput, got %v", err)
	}
}

// --- helpers ---

func bytesOf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}
