package adapter

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/keyring"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

// SolanaConfig configures the Solana adapter.
type SolanaConfig struct {
	Params  *chain.Params
	RPCURL  string
	Keyring *keyring.Keyring
	Ledger  SubmissionLedger
	Oracle  OracleSource
}

// SolanaAdapter settles on Solana through its JSON-RPC API. Deposits
// are detected balance-first (synthetic entries), native and SPL
// transfers are built and signed locally.
type SolanaAdapter struct {
	params     *chain.Params
	rpcURL     string
	httpClient *http.Client
	keys       *keyring.Keyring
	ledger     SubmissionLedger
	oracle     OracleSource
	log        *logging.Logger

	// Serializes submissions: concurrent transfers from one escrow
	// would race over the recent blockhash and balance.
	submitMu sync.Mutex
	reqID    int64
	reqMu    sync.Mutex
}

// NewSolana builds the Solana adapter.
func NewSolana(cfg *SolanaConfig) *SolanaAdapter {
	return &SolanaAdapter{
		params:     cfg.Params,
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		keys:       cfg.Keyring,
		ledger:     cfg.Ledger,
		oracle:     cfg.Oracle,
		log:        logging.GetDefault().Component("adapter-SOL"),
	}
}

// ChainID returns the settlement chain id.
func (a *SolanaAdapter) ChainID() uint64 {
	return a.params.ChainID
}

// Symbol returns SOL.
func (a *SolanaAdapter) Symbol() string {
	return a.params.Symbol
}

// Params returns the chain parameters.
func (a *SolanaAdapter) Params() *chain.Params {
	return a.params
}

// ValidateAddress accepts any 32-byte base58 public key. Off-curve
// addresses (program-derived) are valid transfer destinations.
func (a *SolanaAdapter) ValidateAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}

// GenerateEscrow derives the ed25519 escrow account for (dealID, side).
func (a *SolanaAdapter) GenerateEscrow(_ context.Context, dealID string, side deal.Side) (*Escrow, error) {
	keyRef := a.keys.EscrowKeyRef(a.params.Symbol, dealID, side)
	priv, err := a.keys.DeriveEd25519(keyRef)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "escrow derivation")
	}
	pub := priv.Public().(ed25519.PublicKey)
	if !isOnCurve(pub) {
		// ed25519 public keys are curve points by construction.
		return nil, otcerr.E(otcerr.KindFatal, "derived escrow key is not a curve point")
	}
	return &Escrow{Address: base58.Encode(pub), KeyRef: keyRef}, nil
}

// ListDeposits observes escrow credits balance-first: the finalized
// balance becomes a synthetic deposit, processed-but-not-finalized
// growth a second unconfirmed one.
func (a *SolanaAdapter) ListDeposits(ctx context.Context, escrow, assetCode string, _ time.Time) ([]RawDeposit, error) {
	kind, mint, err := deal.ParseAssetCode(assetCode)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "asset code")
	}

	var finalized, processed *big.Int
	switch kind {
	case deal.AssetNative:
		finalized, err = a.getBalance(ctx, escrow, "finalized")
		if err != nil {
			return nil, err
		}
		processed, err = a.getBalance(ctx, escrow, "processed")
		if err != nil {
			return nil, err
		}
	case deal.AssetSPL:
		finalized, err = a.getTokenBalance(ctx, escrow, mint, "finalized")
		if err != nil {
			return nil, err
		}
		processed, err = a.getTokenBalance(ctx, escrow, mint, "processed")
		if err != nil {
			return nil, err
		}
	default:
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, ErrInvalidAsset, "%s on SOL", assetCode)
	}

	minConf := int64(a.params.MinConfirmations)
	now := time.Now()
	var deposits []RawDeposit
	if finalized.Sign() > 0 {
		deposits = append(deposits, RawDeposit{
			TxID:          deal.SyntheticTxID(escrow, assetCode, deal.NewAmount(finalized)),
			AssetCode:     assetCode,
			Amount:        finalized,
			BlockHeight:   1, // finalized; the watcher keys off confirmations
			Confirmations: minConf,
			Synthetic:     true,
			ObservedAt:    now,
		})
	}
	if pending := new(big.Int).Sub(processed, finalized); pending.Sign() > 0 {
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

// GetTxConfirmations resolves a signature. Finalized signatures report
// the chain's full confirmation depth; unknown signatures report -1.
func (a *SolanaAdapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	var result struct {
		Value []*struct {
			Confirmations      *int64 `json:"confirmations"`
			ConfirmationStatus string `json:"confirmationStatus"`
		} `json:"value"`
	}
	params := []interface{}{[]string{txid}, map[string]bool{"searchTransactionHistory": true}}
	if err := a.rpcCall(ctx, "getSignatureStatuses", params, &result); err != nil {
		return 0, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return -1, nil
	}
	st := result.Value[0]
	if st.ConfirmationStatus == "finalized" || st.Confirmations == nil {
		return int64(a.params.MinConfirmations), nil
	}
	return *st.Confirmations, nil
}

// SubmitTransfer broadcasts a native or SPL transfer from the escrow,
// idempotent over the intent id.
func (a *SolanaAdapter) SubmitTransfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	if !a.ValidateAddress(req.To) {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, ErrInvalidAddress, "%q", req.To)
	}
	kind, mint, err := deal.ParseAssetCode(req.AssetCode)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "asset code")
	}

	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	return resolveSubmission(a.ledger, a.params.ChainID, req.IntentID, func() (*TransferResult, error) {
		priv, err := a.keys.DeriveEd25519(req.KeyRef)
		if err != nil {
			return nil, otcerr.Wrap(otcerr.KindFatal, err, "key resolution")
		}

		blockhash, err := a.latestBlockhash(ctx)
		if err != nil {
			return nil, err
		}

		var raw []byte
		switch kind {
		case deal.AssetNative:
			raw, err = buildNativeTransfer(priv, req.To, req.Amount.Uint64(), blockhash)
		case deal.AssetSPL:
			raw, err = buildSPLTransfer(priv, req.To, mint, req.Amount.Uint64(), blockhash)
		default:
			return nil, otcerr.Wrap(otcerr.KindInvalidInput, ErrInvalidAsset, "%s on SOL", req.AssetCode)
		}
		if err != nil {
			return nil, classifyPermanent(err, "tx build")
		}

		sig, err := a.sendTransaction(ctx, raw)
		if err != nil {
			return nil, err
		}

		a.log.Info("transfer submitted", "intent", req.IntentID, "sig", sig, "to", req.To)
		return &TransferResult{TxID: sig}, nil
	})
}

// QuoteNativeForUSD converts a USD amount to lamports at the latest
// oracle price.
func (a *SolanaAdapter) QuoteNativeForUSD(_ context.Context, usd string) (*big.Int, *deal.FrozenQuote, error) {
	if a.oracle == nil {
		return nil, nil, otcerr.E(otcerr.KindOracleUnavailable, "no oracle configured for SOL")
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

// --- RPC plumbing ---

func (a *SolanaAdapter) rpcCall(ctx context.Context, method string, params interface{}, result interface{}) error {
	a.reqMu.Lock()
	a.reqID++
	id := a.reqID
	a.reqMu.Unlock()

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return classify(err, method)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return otcerr.E(otcerr.KindAdapterTransient, "%s: status %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return classify(err, method)
	}
	if envelope.Error != nil {
		return otcerr.E(otcerr.KindAdapterTransient, "%s: rpc error %d: %s",
			method, envelope.Error.Code, envelope.Error.Message)
	}
	return json.Unmarshal(envelope.Result, result)
}

func (a *SolanaAdapter) getBalance(ctx context.Context, address, commitment string) (*big.Int, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []interface{}{address, map[string]string{"commitment": commitment}}
	if err := a.rpcCall(ctx, "getBalance", params, &result); err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(result.Value), nil
}

func (a *SolanaAdapter) getTokenBalance(ctx context.Context, owner, mint, commitment string) (*big.Int, error) {
	var result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []interface{}{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed", "commitment": commitment},
	}
	if err := a.rpcCall(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, v := range result.Value {
		amt, ok := new(big.Int).SetString(v.Account.Data.Parsed.Info.TokenAmount.Amount, 10)
		if !ok {
			return nil, otcerr.E(otcerr.KindAdapterPermanent, "malformed token amount %q",
				v.Account.Data.Parsed.Info.TokenAmount.Amount)
		}
		total.Add(total, amt)
	}
	return total, nil
}

func (a *SolanaAdapter) latestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []interface{}{map[string]string{"commitment": "finalized"}}
	if err := a.rpcCall(ctx, "getLatestBlockhash", params, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

func (a *SolanaAdapter) sendTransaction(ctx context.Context, raw []byte) (string, error) {
	var sig string
	params := []interface{}{
		base64.StdEncoding.EncodeToString(raw),
		map[string]interface{}{"encoding": "base64", "skipPreflight": false},
	}
	if err := a.rpcCall(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

func must58(s string) []byte {
	raw, err := base58.Decode(s)
	if err != nil {
		panic(fmt.Sprintf("bad base58 constant: %v", err))
	}
	return raw
}

var _ Adapter = (*SolanaAdapter)(nil)
