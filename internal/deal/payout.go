package deal

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// PayoutPurpose says why value leaves an escrow.
type PayoutPurpose string

const (
	PurposeSwapPayout      PayoutPurpose = "SWAP_PAYOUT"        // trade amount to the counterparty
	PurposeOpCommission    PayoutPurpose = "OP_COMMISSION"      // operator's cut
	PurposeTimeoutRefund   PayoutPurpose = "TIMEOUT_REFUND"     // collection expired, return deposits
	PurposeSurplusRefund   PayoutPurpose = "SURPLUS_REFUND"     // overpayment or stray deposit back to sender
	PurposeGasReimburse    PayoutPurpose = "GAS_REIMBURSEMENT"  // repay a party's gas outlay
	PurposeGasRefundToTank PayoutPurpose = "GAS_REFUND_TO_TANK" // residual subsidy back to the tank
	PurposeBrokerSwap      PayoutPurpose = "BROKER_SWAP"        // broker-contract mediated swap leg
	PurposeBrokerRefund    PayoutPurpose = "BROKER_REFUND"      // broker-contract mediated refund leg
)

// PayoutStatus is the submission lifecycle of one intent.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"   // persisted, not yet submitted
	PayoutSubmitted PayoutStatus = "SUBMITTED" // adapter returned a txid
	PayoutCompleted PayoutStatus = "COMPLETED" // confirmations reached required depth
	PayoutFailed    PayoutStatus = "FAILED"    // non-retryable adapter error
)

// SubmittedTx records the on-chain result of a submission. UTXO chains
// may settle one intent across several transactions; the extras land in
// AdditionalTxIDs.
type SubmittedTx struct {
	TxID             string    `json:"txid"`
	SubmittedAt      time.Time `json:"submittedAt"`
	Confirms         int64     `json:"confirms"`
	RequiredConfirms uint32    `json:"requiredConfirms"`
	AdditionalTxIDs  []string  `json:"additionalTxids,omitempty"`
	InternalTxIDs    []string  `json:"internalTxids,omitempty"` // broker-contract child transfers, display only
}

// PayoutIntent is one planned transfer out of an escrow. Intents are
// persisted before any submission attempt; the intent id is the
// idempotency key the adapter deduplicates on.
type PayoutIntent struct {
	ID         string        `json:"id"`
	DealID     string        `json:"dealId"`
	ChainID    uint64        `json:"chainId"`
	FromEscrow string        `json:"fromEscrow"`
	ToAddress  string        `json:"toAddress"`
	AssetCode  string        `json:"assetCode"`
	Amount     *Amount       `json:"amount"`
	Purpose    PayoutPurpose `json:"purpose"`
	Status     PayoutStatus  `json:"status"`

	MinConfirmations uint32       `json:"minConfirmations"`
	SubmittedTx      *SubmittedTx `json:"submittedTx,omitempty"`

	// PayoutGroupID ties companion intents together for display:
	// multi-tx UTXO settlements, gas funding plus the dependent op.
	PayoutGroupID string `json:"payoutGroupId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// NewPayoutIntent builds a PENDING intent with a fresh id.
func NewPayoutIntent(dealID string, chainID uint64, fromEscrow, toAddress, assetCode string, amount *Amount, purpose PayoutPurpose, minConf uint32) *PayoutIntent {
	return &PayoutIntent{
		ID:               uuid.NewString(),
		DealID:           dealID,
		ChainID:          chainID,
		FromEscrow:       fromEscrow,
		ToAddress:        toAddress,
		AssetCode:        assetCode,
		Amount:           amount,
		Purpose:          purpose,
		Status:           PayoutPending,
		MinConfirmations: minConf,
		CreatedAt:        time.Now().UTC(),
	}
}

// IsFinal reports whether the intent has reached a terminal status.
func (p *PayoutIntent) IsFinal() bool {
	return p.Status == PayoutCompleted || p.Status == PayoutFailed
}

// QueueKey is the serialization key: all intents draining one escrow on
// one chain submit strictly one at a time, in intent-id order.
func (p *PayoutIntent) QueueKey() string {
	return queueKey(p.ChainID, p.FromEscrow)
}

func queueKey(chainID uint64, fromEscrow string) string {
	return strconv.FormatUint(chainID, 10) + "/" + fromEscrow
}
