package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/keyring"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

const (
	// Gas limits for the transaction shapes the broker submits.
	gasLimitNativeTransfer = 21000
	gasLimitTokenTransfer  = 90000
	gasLimitTokenApprove   = 60000
	gasLimitBrokerSettle   = 150000

	// Safety multiplier on gas funding estimates.
	gasFundingSafetyFactor = 2

	// Token metadata cache: 256 tokens, refreshed hourly.
	tokenMetaCacheSize = 256
	tokenMetaCacheTTL  = time.Hour
)

// EVMConfig configures one EVM chain adapter.
type EVMConfig struct {
	Params        *chain.Params
	RPCURL        string
	Keyring       *keyring.Keyring
	Ledger        SubmissionLedger
	Oracle        OracleSource
	ERC20FixedFee *big.Int // optional flat token-side fee, smallest units
	BrokerAddress string   // optional broker contract for token settlement
}

// EVMAdapter settles on an EVM chain through a standard JSON-RPC node.
type EVMAdapter struct {
	params        *chain.Params
	client        *ethclient.Client
	chainID       *big.Int
	keys          *keyring.Keyring
	ledger        SubmissionLedger
	oracle        OracleSource
	erc20FixedFee *big.Int
	broker        common.Address
	hasBroker     bool
	tokenMeta     *lru.LRU[string, *TokenMetadata]
	log           *logging.Logger
}

// NewEVM connects to the node and verifies it serves the expected chain.
func NewEVM(ctx context.Context, cfg *EVMConfig) (*EVMAdapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Uint64() != cfg.Params.ChainID {
		client.Close()
		return nil, fmt.Errorf("RPC serves chain %d, expected %d (%s)",
			chainID.Uint64(), cfg.Params.ChainID, cfg.Params.Symbol)
	}

	a := &EVMAdapter{
		params:        cfg.Params,
		client:        client,
		chainID:       chainID,
		keys:          cfg.Keyring,
		ledger:        cfg.Ledger,
		oracle:        cfg.Oracle,
		erc20FixedFee: cfg.ERC20FixedFee,
		tokenMeta:     lru.NewLRU[string, *TokenMetadata](tokenMetaCacheSize, nil, tokenMetaCacheTTL),
		log:           logging.GetDefault().Component("adapter-" + cfg.Params.Symbol),
	}
	if cfg.BrokerAddress != "" {
		if !common.IsHexAddress(cfg.BrokerAddress) {
			client.Close()
			return nil, fmt.Errorf("bad broker address %q", cfg.BrokerAddress)
		}
		a.broker = common.HexToAddress(cfg.BrokerAddress)
		a.hasBroker = true
	}
	return a, nil
}

// Close releases the RPC connection.
func (a *EVMAdapter) Close() {
	a.client.Close()
}

// ChainID returns the settlement chain id.
func (a *EVMAdapter) ChainID() uint64 {
	return a.params.ChainID
}

// Symbol returns the chain symbol.
func (a *EVMAdapter) Symbol() string {
	return a.params.Symbol
}

// Params returns the chain parameters.
func (a *EVMAdapter) Params() *chain.Params {
	return a.params
}

// ERC20FixedFee returns the operator-configured flat token fee for
// this chain, nil when none is set.
func (a *EVMAdapter) ERC20FixedFee() *big.Int {
	return a.erc20FixedFee
}

// ValidateAddress accepts any well-formed hex address.
func (a *EVMAdapter) ValidateAddress(s string) bool {
	return common.IsHexAddress(s)
}

// GenerateEscrow derives the escrow address for (dealID, side).
func (a *EVMAdapter) GenerateEscrow(_ context.Context, dealID string, side deal.Side) (*Escrow, error) {
	keyRef := a.keys.EscrowKeyRef(a.params.Symbol, dealID, side)
	priv, err := a.keys.DeriveSecp256k1(keyRef)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "escrow derivation")
	}
	addr := crypto.PubkeyToAddress(priv.ToECDSA().PublicKey)
	return &Escrow{Address: addr.Hex(), KeyRef: keyRef}, nil
}

// ListDeposits observes escrow credits. Native deposits are detected
// balance-first: the confirmed balance becomes a synthetic entry with a
// placeholder txid, later resolved to the real transaction. Token
// deposits come from Transfer logs and are exact from the start.
func (a *EVMAdapter) ListDeposits(ctx context.Context, escrow, assetCode string, since time.Time) ([]RawDeposit, error) {
	kind, token, err := deal.ParseAssetCode(assetCode)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "asset code")
	}

	switch kind {
	case deal.AssetNative:
		return a.listNativeDeposits(ctx, escrow, assetCode)
	case deal.AssetERC20:
		return a.listTokenDeposits(ctx, escrow, assetCode, token, since)
	default:
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, ErrInvalidAsset, "%s on %s", assetCode, a.params.Symbol)
	}
}

func (a *EVMAdapter) listNativeDeposits(ctx context.Context, escrow, assetCode string) ([]RawDeposit, error) {
	addr := common.HexToAddress(escrow)
	minConf := int64(a.params.MinConfirmations)

	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, classify(err, "block number")
	}

	confirmedHeight := int64(tip) - minConf + 1
	if confirmedHeight < 0 {
		confirmedHeight = 0
	}

	balNow, err := a.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, classify(err, "balance")
	}
	balConfirmed, err := a.client.BalanceAt(ctx, addr, big.NewInt(confirmedHeight))
	if err != nil {
		return nil, classify(err, "confirmed balance")
	}

	now := time.Now()
	var deposits []RawDeposit
	if balConfirmed.Sign() > 0 {
		deposits = append(deposits, RawDeposit{
			TxID:          deal.SyntheticTxID(escrow, assetCode, deal.NewAmount(balConfirmed)),
			AssetCode:     assetCode,
			Amount:        balConfirmed,
			BlockHeight:   confirmedHeight,
			Confirmations: minConf,
			Synthetic:     true,
			ObservedAt:    now,
		})
	}
	if pending := new(big.Int).Sub(balNow, balConfirmed); pending.Sign() > 0 {
		deposits = append(deposits, RawDeposit{
			TxID:          deal.SyntheticTxID(escrow, assetCode, deal.NewAmount(pending)),
			AssetCode:     assetCode,
			Amount:        pending,
			BlockHeight:   0,
			Confirmations: 0,
			Synthetic:     true,
			ObservedAt:    now,
		})
	}
	return deposits, nil
}

// GetTxConfirmations resolves a txid against the current tip.
func (a *EVMAdapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	hash := common.HexToHash(txid)

	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return 0, classify(err, "receipt")
		}
		// No receipt: mempool, or gone entirely (dropped/reorged).
		_, isPending, txErr := a.client.TransactionByHash(ctx, hash)
		switch {
		case txErr == nil && isPending:
			return 0, nil
		case txErr == nil:
			return 0, nil // known to the node, receipt not indexed yet
		case errors.Is(txErr, ethereum.NotFound):
			return -1, nil
		default:
			return 0, classify(txErr, "tx lookup")
		}
	}

	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, classify(err, "block number")
	}
	blockNum := receipt.BlockNumber.Int64()
	if int64(tip) < blockNum {
		return 0, nil
	}
	return int64(tip) - blockNum + 1, nil
}

// SubmitTransfer broadcasts a transfer from an escrow, idempotent over
// the intent id.
func (a *EVMAdapter) SubmitTransfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	if !common.IsHexAddress(req.To) {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, ErrInvalidAddress, "%q", req.To)
	}

	kind, token, err := deal.ParseAssetCode(req.AssetCode)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "asset code")
	}

	return resolveSubmission(a.ledger, a.params.ChainID, req.IntentID, func() (*TransferResult, error) {
		switch kind {
		case deal.AssetNative:
			return a.submitNative(ctx, req)
		case deal.AssetERC20:
			if a.hasBroker && brokerPurpose(req.Purpose) {
				return a.submitTokenViaBroker(ctx, req, token)
			}
			return a.submitToken(ctx, req, token)
		default:
			return nil, otcerr.Wrap(otcerr.KindInvalidInput, ErrInvalidAsset, "%s on %s", req.AssetCode, a.params.Symbol)
		}
	})
}

func brokerPurpose(p deal.PayoutPurpose) bool {
	return p == deal.PurposeBrokerSwap || p == deal.PurposeBrokerRefund
}

// SettlesTokenViaBroker reports whether this chain carries a broker
// contract for token settlement.
func (a *EVMAdapter) SettlesTokenViaBroker() bool {
	return a.hasBroker
}

func (a *EVMAdapter) submitNative(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	priv, err := a.keys.DeriveSecp256k1(req.KeyRef)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "key resolution")
	}
	key := priv.ToECDSA()
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify(err, "nonce")
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(err, "gas price")
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(req.To), req.Amount,
		gasLimitNativeTransfer, gasPrice, nil)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), key)
	if err != nil {
		return nil, classifyPermanent(err, "sign")
	}

	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, classify(err, "send")
	}

	a.log.Info("native transfer submitted",
		"intent", req.IntentID, "tx", signedTx.Hash().Hex(), "to", req.To)
	return &TransferResult{TxID: signedTx.Hash().Hex()}, nil
}

// QuoteNativeForUSD converts a USD amount to native smallest units at
// the latest oracle price for this chain's native token.
func (a *EVMAdapter) QuoteNativeForUSD(_ context.Context, usd string) (*big.Int, *deal.FrozenQuote, error) {
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

// NativeBalance returns the escrow's current native balance.
func (a *EVMAdapter) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	bal, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, classify(err, "balance")
	}
	return bal, nil
}

// EstimateFundingNeed returns the native amount an escrow must hold to
// execute the given transfer, safety factor included.
func (a *EVMAdapter) EstimateFundingNeed(ctx context.Context, req *TransferRequest) (*big.Int, error) {
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(err, "gas price")
	}

	gasLimit := uint64(gasLimitNativeTransfer)
	if kind, _, err := deal.ParseAssetCode(req.AssetCode); err == nil && kind == deal.AssetERC20 {
		// Approval and transfer may both be pending; budget for both.
		gasLimit = gasLimitTokenTransfer + gasLimitTokenApprove
	}

	need := new(big.Int).SetUint64(gasLimit)
	need.Mul(need, gasPrice)
	need.Mul(need, big.NewInt(gasFundingSafetyFactor))
	return need, nil
}

// FundFromTank sends native from the operator tank key to an escrow.
func (a *EVMAdapter) FundFromTank(ctx context.Context, tankKeyHex, escrow string, amount *big.Int) (string, error) {
	key, err := crypto.HexToECDSA(tankKeyHex)
	if err != nil {
		return "", otcerr.Wrap(otcerr.KindInvalidInput, err, "tank key")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", classify(err, "nonce")
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", classify(err, "gas price")
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(escrow), amount,
		gasLimitNativeTransfer, gasPrice, nil)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), key)
	if err != nil {
		return "", classifyPermanent(err, "sign")
	}
	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return "", classify(err, "send")
	}

	a.log.Info("escrow gas funded", "escrow", escrow, "tx", signedTx.Hash().Hex(),
		"amount", amount.String())
	return signedTx.Hash().Hex(), nil
}

// Compile-time capability checks.
var (
	_ Adapter          = (*EVMAdapter)(nil)
	_ BrokerApprover   = (*EVMAdapter)(nil)
	_ BrokerSettler    = (*EVMAdapter)(nil)
	_ InternalTxLister = (*EVMAdapter)(nil)
	_ GasTankSupport   = (*EVMAdapter)(nil)
)
