package adapter

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/crosslane-exchange/crosslane/internal/backend"
	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/keyring"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

// vbyte estimates for fee calculation.
const (
	vbyteTxOverhead  = 10
	vbyteInputP2WPKH = 68
	vbyteInputP2PKH  = 148
	vbyteOutput      = 34
)

// UTXOConfig configures one UTXO chain adapter.
type UTXOConfig struct {
	Params  *chain.Params
	Index   backend.Backend
	Keyring *keyring.Keyring
	Ledger  SubmissionLedger
	Oracle  OracleSource
}

// UTXOAdapter settles on Bitcoin-family chains through a chain index.
type UTXOAdapter struct {
	params    *chain.Params
	netParams *chaincfg.Params
	index     backend.Backend
	keys      *keyring.Keyring
	ledger    SubmissionLedger
	oracle    OracleSource
	log       *logging.Logger

	// One in-flight spend per chain: concurrent submissions from the
	// same escrow would race over the UTXO set.
	submitMu sync.Mutex
}

// NewUTXO builds an adapter for a Bitcoin-family chain.
func NewUTXO(cfg *UTXOConfig) *UTXOAdapter {
	return &UTXOAdapter{
		params:    cfg.Params,
		netParams: chaincfgParamsFor(cfg.Params),
		index:     cfg.Index,
		keys:      cfg.Keyring,
		ledger:    cfg.Ledger,
		oracle:    cfg.Oracle,
		log:       logging.GetDefault().Component("adapter-" + cfg.Params.Symbol),
	}
}

// chaincfgParamsFor projects our chain registry onto btcd's network
// parameters so btcutil can encode and decode addresses for forks.
func chaincfgParamsFor(p *chain.Params) *chaincfg.Params {
	net := chaincfg.MainNetParams
	net.Name = p.Name
	net.PubKeyHashAddrID = p.PubKeyHashAddrID
	net.ScriptHashAddrID = p.ScriptHashAddrID
	net.Bech32HRPSegwit = p.Bech32HRP
	net.PrivateKeyID = p.WIF
	return &net
}

// ChainID returns the settlement chain id.
func (a *UTXOAdapter) ChainID() uint64 {
	return a.params.ChainID
}

// Symbol returns the chain symbol.
func (a *UTXOAdapter) Symbol() string {
	return a.params.Symbol
}

// Params returns the chain parameters.
func (a *UTXOAdapter) Params() *chain.Params {
	return a.params
}

// ValidateAddress decodes the address against this chain's network.
func (a *UTXOAdapter) ValidateAddress(s string) bool {
	addr, err := btcutil.DecodeAddress(s, a.netParams)
	if err != nil {
		return false
	}
	return addr.IsForNet(a.netParams)
}

// GenerateEscrow derives the escrow address for (dealID, side).
// P2WPKH on segwit chains, P2PKH on chains without it (DOGE).
func (a *UTXOAdapter) GenerateEscrow(_ context.Context, dealID string, side deal.Side) (*Escrow, error) {
	keyRef := a.keys.EscrowKeyRef(a.params.Symbol, dealID, side)
	priv, err := a.keys.DeriveSecp256k1(keyRef)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "escrow derivation")
	}
	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())

	var addr btcutil.Address
	switch a.params.DefaultAddressType {
	case chain.AddressP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, a.netParams)
	default:
		addr, err = btcutil.NewAddressPubKeyHash(pubKeyHash, a.netParams)
	}
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "escrow address")
	}
	return &Escrow{Address: addr.EncodeAddress(), KeyRef: keyRef}, nil
}

// ListDeposits returns every credit to the escrow address. UTXO chains
// host only their native asset; deposits are exact, never synthetic.
func (a *UTXOAdapter) ListDeposits(ctx context.Context, escrow, assetCode string, _ time.Time) ([]RawDeposit, error) {
	if kind, _, err := deal.ParseAssetCode(assetCode); err != nil || kind != deal.AssetNative {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, ErrInvalidAsset, "%s on %s", assetCode, a.params.Symbol)
	}

	txs, err := a.index.GetAddressTxs(ctx, escrow)
	if err != nil {
		if errors.Is(err, backend.ErrAddressNotFound) {
			return nil, nil
		}
		return nil, classify(err, "address history")
	}

	now := time.Now()
	var deposits []RawDeposit
	for i := range txs {
		credit := txs[i].CreditTo(escrow)
		if credit == 0 {
			continue
		}
		deposits = append(deposits, RawDeposit{
			TxID:          txs[i].TxID,
			AssetCode:     assetCode,
			Amount:        new(big.Int).SetUint64(credit),
			BlockHeight:   txs[i].BlockHeight,
			Confirmations: txs[i].Confirmations,
			ObservedAt:    now,
		})
	}
	return deposits, nil
}

// GetTxConfirmations resolves a txid. Absent transactions report -1.
func (a *UTXOAdapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := a.index.GetTransaction(ctx, txid)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return -1, nil
		}
		return 0, classify(err, "tx lookup")
	}
	return tx.Confirmations, nil
}

// SubmitTransfer spends from the escrow to the destination, idempotent
// over the intent id. Fees come out of the transferred amount when the
// escrow would otherwise be left with dust.
func (a *UTXOAdapter) SubmitTransfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	if !a.ValidateAddress(req.To) {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, ErrInvalidAddress, "%q", req.To)
	}
	if !req.Amount.IsUint64() {
		return nil, otcerr.E(otcerr.KindInvalidInput, "amount out of range: %s", req.Amount)
	}

	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	return resolveSubmission(a.ledger, a.params.ChainID, req.IntentID, func() (*TransferResult, error) {
		return a.buildSignBroadcast(ctx, req)
	})
}

func (a *UTXOAdapter) buildSignBroadcast(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	priv, err := a.keys.DeriveSecp256k1(req.KeyRef)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "key resolution")
	}

	utxos, err := a.index.GetAddressUTXOs(ctx, req.From)
	if err != nil {
		return nil, classify(err, "utxo set")
	}
	// Spend only confirmed outputs; unconfirmed change from our own
	// previous payout is fine too, but third-party mempool credits are
	// not safe to build on.
	confirmed := utxos[:0]
	for _, u := range utxos {
		if u.Confirmations >= 1 {
			confirmed = append(confirmed, u)
		}
	}

	feeRate := uint64(2)
	if est, err := a.index.GetFeeEstimates(ctx); err == nil && est.HalfHourFee > 0 {
		feeRate = est.HalfHourFee
	}

	amount := req.Amount.Uint64()
	selected, totalIn, err := selectUTXOs(confirmed, amount, feeRate, a.inputVBytes())
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindAdapterPermanent, err, "utxo selection")
	}

	rawTx, txid, err := a.buildAndSign(priv, selected, totalIn, req.From, req.To, amount, feeRate)
	if err != nil {
		return nil, classifyPermanent(err, "tx build")
	}

	broadcastID, err := a.index.BroadcastTransaction(ctx, rawTx)
	if err != nil {
		return nil, classify(err, "broadcast")
	}
	if broadcastID != "" {
		txid = broadcastID
	}

	a.log.Info("transfer submitted", "intent", req.IntentID, "tx", txid, "to", req.To)
	return &TransferResult{TxID: txid}, nil
}

func (a *UTXOAdapter) inputVBytes() uint64 {
	if a.params.DefaultAddressType == chain.AddressP2WPKH {
		return vbyteInputP2WPKH
	}
	return vbyteInputP2PKH
}

// selectUTXOs greedily picks the largest outputs until the target plus
// fee is covered.
func selectUTXOs(utxos []backend.UTXO, target, feeRate, inputVBytes uint64) ([]backend.UTXO, uint64, error) {
	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Amount > sorted[j-1].Amount; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	baseFee := uint64(vbyteTxOverhead+2*vbyteOutput) * feeRate

	var selected []backend.UTXO
	var total uint64
	for _, u := range sorted {
		selected = append(selected, u)
		total += u.Amount
		fee := baseFee + uint64(len(selected))*inputVBytes*feeRate
		if total >= target+fee {
			return selected, total, nil
		}
	}
	return nil, 0, fmt.Errorf("insufficient funds: have %d, need %d plus fees", total, target)
}

// buildAndSign constructs the spend: target output, change back to the
// escrow above dust, per-input signatures by address type. When the
// escrow cannot cover amount plus fee, the fee comes out of the amount
// so refunds always drain.
func (a *UTXOAdapter) buildAndSign(priv *secp256k1.PrivateKey, selected []backend.UTXO,
	totalIn uint64, from, to string, amount, feeRate uint64) (string, string, error) {

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range selected {
		txHash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", "", fmt.Errorf("invalid txid %s: %w", u.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, u.Vout), nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // Enable RBF
		tx.AddTxIn(txIn)
	}

	destScript, err := a.payToAddrScript(to)
	if err != nil {
		return "", "", fmt.Errorf("invalid destination address: %w", err)
	}
	fromScript, err := a.payToAddrScript(from)
	if err != nil {
		return "", "", fmt.Errorf("invalid escrow address: %w", err)
	}

	fee := uint64(vbyteTxOverhead+2*vbyteOutput+2)*feeRate +
		uint64(len(selected))*a.inputVBytes()*feeRate
	if totalIn < amount+fee {
		if totalIn <= fee {
			return "", "", fmt.Errorf("inputs %d cannot cover fee %d", totalIn, fee)
		}
		amount = totalIn - fee
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), destScript))

	dust := a.params.DustThreshold().Uint64()
	if change := totalIn - amount - fee; change > dust {
		tx.AddTxOut(wire.NewTxOut(int64(change), fromScript))
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	for i, u := range selected {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(int64(u.Amount), fromScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)

	for i, u := range selected {
		if a.params.DefaultAddressType == chain.AddressP2WPKH {
			sigHashes := txscript.NewTxSigHashes(tx, fetcher)
			witness, err := txscript.WitnessSignature(tx, sigHashes, i, int64(u.Amount),
				fromScript, txscript.SigHashAll, priv, true)
			if err != nil {
				return "", "", fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			tx.TxIn[i].Witness = witness
		} else {
			sigScript, err := txscript.SignatureScript(tx, i, fromScript,
				txscript.SigHashAll, priv, true)
			if err != nil {
				return "", "", fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			tx.TxIn[i].SignatureScript = sigScript
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String(), nil
}

// payToAddrScript resolves an address to its output script.
func (a *UTXOAdapter) payToAddrScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, a.netParams)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// QuoteNativeForUSD converts a USD amount to native smallest units at
// the latest oracle price.
func (a *UTXOAdapter) QuoteNativeForUSD(_ context.Context, usd string) (*big.Int, *deal.FrozenQuote, error) {
	if a.oracle == nil {
		return nil, nil, otcerr.E(otcerr.KindOracleUnavailable, "no oracle configured for %s", a.params.Symbol)
	}
	quote, err := a.oracle.LatestQuote(a.params.ChainID, nativePair(a.params))
	if err != nil {
		return nil, nil, otcerr.Wrap(otcerr.KindOracleUnavailable, err, "quote %s", nativePair(a.params))
	}
	native, err := usdToNative(usd, quote.Price, a.params.Decimals)
	if err != nil {
		return nil, nil, err
	}
	return native, quote, nil
}

var _ Adapter = (*UTXOAdapter)(nil)
