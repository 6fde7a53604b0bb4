// Package adapter implements the per-chain capability contract the
// broker core runs on: address validation, escrow generation, deposit
// listing, confirmation counting and idempotent transfer submission.
// The core never talks to a chain except through an Adapter.
package adapter

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
)

// Common errors
var (
	ErrUnknownChain   = errors.New("no adapter for chain")
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidAsset   = errors.New("asset not settleable on this chain")
)

// Escrow is a generated deposit address plus the opaque key handle the
// keyring resolves when the escrow has to sign.
type Escrow struct {
	Address string `json:"address"`
	KeyRef  string `json:"keyRef"`
}

// RawDeposit is one observed credit to an escrow address.
// BlockHeight 0 means mempool. Synthetic entries carry a placeholder
// txid derived from the balance delta until resolution finds the real
// transaction.
type RawDeposit struct {
	TxID          string
	AssetCode     string
	Amount        *big.Int
	BlockHeight   int64
	Confirmations int64
	Synthetic     bool
	ObservedAt    time.Time
}

// TransferRequest describes one outbound transfer from an escrow.
// IntentID is the idempotency key: resubmitting the same id returns the
// previously broadcast transaction instead of double-spending.
type TransferRequest struct {
	IntentID  string
	From      string
	To        string
	AssetCode string
	Amount    *big.Int
	KeyRef    string

	// Purpose routes settlement: BROKER_SWAP and BROKER_REFUND token
	// legs go through the broker contract on chains that carry one.
	Purpose deal.PayoutPurpose
}

// TransferResult is the submission outcome. UTXO settlements that need
// a sweep plus a send report the extra transactions in AdditionalTxIDs.
type TransferResult struct {
	TxID            string
	AdditionalTxIDs []string
}

// InternalTransfer is a child transfer surfaced from a broker-contract
// transaction on an EVM chain.
type InternalTransfer struct {
	TxID      string
	From      string
	To        string
	AssetCode string
	Amount    *big.Int
}

// Adapter is the capability contract one settlement chain fulfills.
type Adapter interface {
	// ChainID returns the settlement chain id this adapter serves.
	ChainID() uint64

	// Symbol returns the chain symbol (BTC, ETH, SOL, ...).
	Symbol() string

	// Params returns the chain parameters, including the
	// adapter-declared confirmation depth the core trusts.
	Params() *chain.Params

	// ValidateAddress reports whether s is a well-formed address on
	// this chain. Pure, no network.
	ValidateAddress(s string) bool

	// GenerateEscrow derives the escrow for (dealID, side).
	// Deterministic per pair, never reused across deals.
	GenerateEscrow(ctx context.Context, dealID string, side deal.Side) (*Escrow, error)

	// ListDeposits returns credits observed on the escrow address for
	// the given asset since the given time (zero time = everything).
	ListDeposits(ctx context.Context, escrow, assetCode string, since time.Time) ([]RawDeposit, error)

	// GetTxConfirmations returns -1 when the transaction is absent
	// (dropped or reorged away), 0 in mempool, >=1 when mined.
	GetTxConfirmations(ctx context.Context, txid string) (int64, error)

	// SubmitTransfer broadcasts a transfer, idempotent over IntentID.
	SubmitTransfer(ctx context.Context, req *TransferRequest) (*TransferResult, error)

	// QuoteNativeForUSD converts a USD amount (2-decimal string, e.g.
	// "25.00") to native smallest units at the current oracle price,
	// returning the quote used so the caller can freeze it.
	QuoteNativeForUSD(ctx context.Context, usd string) (*big.Int, *deal.FrozenQuote, error)
}

// BrokerApprover is implemented by EVM adapters that settle ERC20
// swaps through a broker contract and need a one-time allowance.
type BrokerApprover interface {
	ApproveBrokerForToken(ctx context.Context, escrow *Escrow, tokenAddr string) (string, error)
}

// BrokerSettler reports whether token settlement on this chain runs
// through a configured broker contract. Planners consult it to emit
// BROKER_SWAP/BROKER_REFUND intents instead of direct transfers.
type BrokerSettler interface {
	SettlesTokenViaBroker() bool
}

// InternalTxLister is implemented by EVM adapters that can surface
// child transfers of a broker-contract transaction. Results may be
// empty until the chain index catches up.
type InternalTxLister interface {
	GetInternalTransactions(ctx context.Context, txid string) ([]InternalTransfer, error)
}

// GasTankSupport is implemented by EVM adapters so the gas tank
// coordinator can estimate, fund and reclaim escrow gas.
type GasTankSupport interface {
	// NativeBalance returns the escrow's spendable native balance.
	NativeBalance(ctx context.Context, address string) (*big.Int, error)

	// EstimateFundingNeed returns the native amount the escrow must
	// hold to execute the given transfer, safety factor included.
	EstimateFundingNeed(ctx context.Context, req *TransferRequest) (*big.Int, error)

	// FundFromTank sends native from the operator tank key to the
	// escrow and returns the funding txid.
	FundFromTank(ctx context.Context, tankKeyHex, escrow string, amount *big.Int) (string, error)
}

// OracleSource supplies the latest price for a (chain, pair). The
// oracle store implements this; adapters use it to quote USD-fixed
// commissions in native units.
type OracleSource interface {
	LatestQuote(chainID uint64, pair string) (*deal.FrozenQuote, error)
}

// SubmissionLedger persists intentId -> txid so SubmitTransfer stays
// idempotent across process restarts. Implemented by the storage layer.
type SubmissionLedger interface {
	GetSubmission(intentID string) (txid string, additionalTxIDs []string, ok bool, err error)
	RecordSubmission(intentID string, chainID uint64, txid string, additionalTxIDs []string) error
}

// Registry holds adapters by settlement chain id.
type Registry struct {
	adapters map[uint64]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[uint64]Adapter)}
}

// Register adds an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ChainID()] = a
}

// Get returns the adapter for a settlement chain id.
func (r *Registry) Get(chainID uint64) (Adapter, error) {
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, ErrUnknownChain, "chain %d", chainID)
	}
	return a, nil
}

// List returns all registered chain ids.
func (r *Registry) List() []uint64 {
	ids := make([]uint64, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// classify wraps a read-path error at the adapter boundary. Timeouts,
// rate limits and connectivity all retry, so the whole read path maps
// to transient.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *otcerr.Error
	if errors.As(err, &e) {
		return err
	}
	return otcerr.Wrap(otcerr.KindAdapterTransient, err, "%s", op)
}

// classifyPermanent is for failures after a transaction was accepted
// for validation: bad signature, dead nonce, rejected script.
func classifyPermanent(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *otcerr.Error
	if errors.As(err, &e) {
		return err
	}
	return otcerr.Wrap(otcerr.KindAdapterPermanent, err, "%s", op)
}

// resolveSubmission consults the ledger before a new broadcast and
// records the result after. Shared by every adapter's SubmitTransfer.
func resolveSubmission(ledger SubmissionLedger, chainID uint64, intentID string,
	broadcast func() (*TransferResult, error)) (*TransferResult, error) {

	if ledger != nil {
		txid, additional, ok, err := ledger.GetSubmission(intentID)
		if err != nil {
			return nil, otcerr.Wrap(otcerr.KindFatal, err, "submission ledger read")
		}
		if ok {
			return &TransferResult{TxID: txid, AdditionalTxIDs: additional}, nil
		}
	}

	result, err := broadcast()
	if err != nil {
		return nil, err
	}

	if ledger != nil {
		if err := ledger.RecordSubmission(intentID, chainID, result.TxID, result.AdditionalTxIDs); err != nil {
			return nil, otcerr.Wrap(otcerr.KindFatal, err, "submission ledger write")
		}
	}
	return result, nil
}

// usdToNative converts a USD amount string to native smallest units at
// the given USD-per-native price. Both are decimal strings.
func usdToNative(usd, price string, decimals uint8) (*big.Int, error) {
	usdRat, ok := new(big.Rat).SetString(usd)
	if !ok || usdRat.Sign() < 0 {
		return nil, otcerr.E(otcerr.KindInvalidInput, "malformed usd amount %q", usd)
	}
	priceRat, ok := new(big.Rat).SetString(price)
	if !ok || priceRat.Sign() <= 0 {
		return nil, otcerr.E(otcerr.KindOracleUnavailable, "unusable price %q", price)
	}

	// native = usd / price, scaled to smallest units, rounded up so a
	// frozen commission never undershoots.
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	nativeRat := new(big.Rat).Quo(usdRat, priceRat)
	nativeRat.Mul(nativeRat, new(big.Rat).SetInt(scale))

	num, den := nativeRat.Num(), nativeRat.Denom()
	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q, nil
}

// nativePair names the oracle pair for a chain, e.g. "ETH/USD".
func nativePair(p *chain.Params) string {
	return p.GetNativeToken() + "/USD"
}

// formatChainID is used in log fields and queue keys.
func formatChainID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
