package adapter

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
)

// ERC20 function selectors, hand-packed; the broker never needs full
// ABI bindings for three calls.
var (
	selTransfer = []byte{0xa9, 0x05, 0x9c, 0xbb} // transfer(address,uint256)
	selApprove  = []byte{0x09, 0x5e, 0xa7, 0xb3} // approve(address,uint256)
	selDecimals = []byte{0x31, 0x3c, 0xe5, 0x67} // decimals()
	selSymbol   = []byte{0x95, 0xd8, 0x9b, 0x41} // symbol()
)

// selSettle is the broker contract's settle(token,to,amount) entry
// point: it pulls the amount from msg.sender's allowance and forwards
// it to the recipient, emitting child Transfer events.
var selSettle = crypto.Keccak256([]byte("settle(address,address,uint256)"))[:4]

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// tokenLogLookback bounds the FilterLogs window for deposit scans.
// Escrows live for hours, not weeks; 50k blocks is days on every
// supported chain.
const tokenLogLookback = 50_000

// TokenMetadata is the on-chain identity of an ERC20 contract.
type TokenMetadata struct {
	Address  string
	Symbol   string
	Decimals uint8
}

// TokenMetadata resolves symbol and decimals for a token contract,
// served from an expiring cache.
func (a *EVMAdapter) TokenMetadata(ctx context.Context, tokenAddr string) (*TokenMetadata, error) {
	key := strings.ToLower(tokenAddr)
	if meta, ok := a.tokenMeta.Get(key); ok {
		return meta, nil
	}

	token := common.HexToAddress(tokenAddr)

	decRes, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: selDecimals}, nil)
	if err != nil {
		return nil, classify(err, "decimals()")
	}
	if len(decRes) < 32 {
		return nil, otcerr.E(otcerr.KindInvalidInput, "contract %s does not implement decimals()", tokenAddr)
	}
	decimals := uint8(new(big.Int).SetBytes(decRes).Uint64())

	symbol := ""
	if symRes, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: selSymbol}, nil); err == nil {
		symbol = unpackString(symRes)
	}

	meta := &TokenMetadata{Address: tokenAddr, Symbol: symbol, Decimals: decimals}
	a.tokenMeta.Add(key, meta)
	return meta, nil
}

// unpackString decodes a solidity string return value. Some legacy
// tokens return bytes32 instead; both shapes are handled.
func unpackString(data []byte) string {
	if len(data) == 32 {
		return strings.TrimRight(string(data), "\x00")
	}
	if len(data) < 64 {
		return ""
	}
	length := new(big.Int).SetBytes(data[32:64]).Uint64()
	if 64+length > uint64(len(data)) {
		return ""
	}
	return string(data[64 : 64+length])
}

// listTokenDeposits scans Transfer logs crediting the escrow.
func (a *EVMAdapter) listTokenDeposits(ctx context.Context, escrow, assetCode, tokenAddr string, _ time.Time) ([]RawDeposit, error) {
	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, classify(err, "block number")
	}

	fromBlock := int64(tip) - tokenLogLookback
	if fromBlock < 0 {
		fromBlock = 0
	}

	token := common.HexToAddress(tokenAddr)
	toTopic := common.BytesToHash(common.LeftPadBytes(common.HexToAddress(escrow).Bytes(), 32))

	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{transferTopic}, nil, {toTopic}},
	})
	if err != nil {
		return nil, classify(err, "filter logs")
	}

	now := time.Now()
	deposits := make([]RawDeposit, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Data) < 32 {
			continue
		}
		height := int64(l.BlockNumber)
		conf := int64(tip) - height + 1
		if conf < 0 {
			conf = 0
		}
		deposits = append(deposits, RawDeposit{
			TxID:          l.TxHash.Hex(),
			AssetCode:     assetCode,
			Amount:        new(big.Int).SetBytes(l.Data[:32]),
			BlockHeight:   height,
			Confirmations: conf,
			ObservedAt:    now,
		})
	}
	return deposits, nil
}

// submitToken broadcasts an ERC20 transfer from the escrow.
func (a *EVMAdapter) submitToken(ctx context.Context, req *TransferRequest, tokenAddr string) (*TransferResult, error) {
	priv, err := a.keys.DeriveSecp256k1(req.KeyRef)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "key resolution")
	}
	key := priv.ToECDSA()
	from := crypto.PubkeyToAddress(key.PublicKey)

	data := packCallArgs(selTransfer, common.HexToAddress(req.To), req.Amount)

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify(err, "nonce")
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(err, "gas price")
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(tokenAddr), big.NewInt(0),
		gasLimitTokenTransfer, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), key)
	if err != nil {
		return nil, classifyPermanent(err, "sign")
	}
	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, classify(err, "send")
	}

	a.log.Info("token transfer submitted",
		"intent", req.IntentID, "tx", signedTx.Hash().Hex(), "token", tokenAddr, "to", req.To)
	return &TransferResult{TxID: signedTx.Hash().Hex()}, nil
}

// submitTokenViaBroker routes a token settlement through the broker
// contract. The escrow signs; the broker spends the allowance granted
// at COLLECTION entry and forwards the tokens to the recipient.
func (a *EVMAdapter) submitTokenViaBroker(ctx context.Context, req *TransferRequest, tokenAddr string) (*TransferResult, error) {
	priv, err := a.keys.DeriveSecp256k1(req.KeyRef)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "key resolution")
	}
	key := priv.ToECDSA()
	from := crypto.PubkeyToAddress(key.PublicKey)

	data := make([]byte, 0, 100)
	data = append(data, selSettle...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(tokenAddr).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(req.To).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(req.Amount.Bytes(), 32)...)

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify(err, "nonce")
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(err, "gas price")
	}

	tx := types.NewTransaction(nonce, a.broker, big.NewInt(0),
		gasLimitBrokerSettle, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), key)
	if err != nil {
		return nil, classifyPermanent(err, "sign")
	}
	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, classify(err, "send")
	}

	a.log.Info("broker settlement submitted",
		"intent", req.IntentID, "tx", signedTx.Hash().Hex(), "token", tokenAddr, "to", req.To)
	return &TransferResult{TxID: signedTx.Hash().Hex()}, nil
}

// ApproveBrokerForToken grants the broker contract a one-time maximum
// allowance from the escrow. No-op when no broker is configured.
func (a *EVMAdapter) ApproveBrokerForToken(ctx context.Context, escrow *Escrow, tokenAddr string) (string, error) {
	if !a.hasBroker {
		return "", nil
	}

	priv, err := a.keys.DeriveSecp256k1(escrow.KeyRef)
	if err != nil {
		return "", otcerr.Wrap(otcerr.KindFatal, err, "key resolution")
	}
	key := priv.ToECDSA()
	from := crypto.PubkeyToAddress(key.PublicKey)

	maxAllowance := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data := packCallArgs(selApprove, a.broker, maxAllowance)

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", classify(err, "nonce")
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", classify(err, "gas price")
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(tokenAddr), big.NewInt(0),
		gasLimitTokenApprove, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), key)
	if err != nil {
		return "", classifyPermanent(err, "sign")
	}
	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return "", classify(err, "send")
	}

	a.log.Info("broker approved for token",
		"escrow", escrow.Address, "token", tokenAddr, "tx", signedTx.Hash().Hex())
	return signedTx.Hash().Hex(), nil
}

// GetInternalTransactions surfaces child ERC20 transfers of a mined
// transaction from its receipt logs. Empty until the tx is mined.
func (a *EVMAdapter) GetInternalTransactions(ctx context.Context, txid string) ([]InternalTransfer, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, classify(err, "receipt")
	}

	var transfers []InternalTransfer
	for _, l := range receipt.Logs {
		if len(l.Topics) != 3 || l.Topics[0] != transferTopic || len(l.Data) < 32 {
			continue
		}
		transfers = append(transfers, InternalTransfer{
			TxID:      txid,
			From:      common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			To:        common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
			AssetCode: deal.ERC20Code(l.Address.Hex()),
			Amount:    new(big.Int).SetBytes(l.Data[:32]),
		})
	}
	return transfers, nil
}

// packCallArgs builds selector + address + uint256 calldata.
func packCallArgs(selector []byte, addr common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(addr.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
