package deal

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DepositStatus is the confirmation state of one observed credit.
type DepositStatus string

const (
	DepositUnconfirmed DepositStatus = "UNCONFIRMED" // seen in mempool, height 0
	DepositPending     DepositStatus = "PENDING"     // mined, below required depth
	DepositConfirmed   DepositStatus = "CONFIRMED"   // at or past required depth
	DepositOrphaned    DepositStatus = "ORPHANED"    // its block was reorged away
)

// Synthetic deposit resolution outcomes.
const (
	ResolutionPending  = "pending"
	ResolutionResolved = "resolved"
	ResolutionFailed   = "failed"
)

// SyntheticRetrySchedule lists the ages since observation at which
// resolution attempts fire: the first at 30s of age, the last at 10m.
// The total budget is capped separately by SyntheticBudget.
var SyntheticRetrySchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// SyntheticBudget bounds how long resolution may keep trying.
const SyntheticBudget = 15 * time.Minute

// Deposit is one credit observed on an escrow. Synthetic deposits are
// placeholders for balance observed without a discoverable originating
// transaction; resolution later swaps the placeholder txid for the real
// one and keeps the original in OriginalTxID.
type Deposit struct {
	AssetCode       string        `json:"assetCode"`
	Amount          *Amount       `json:"amount"`
	TxID            string        `json:"txid"`
	BlockHeight     int64         `json:"blockHeight"` // 0 = mempool
	ObservedAt      time.Time     `json:"observedAt"`
	Confirmations   int64         `json:"confirmations"`
	MinConfRequired uint32        `json:"minConfRequired"`
	Status          DepositStatus `json:"status"`

	IsSynthetic      bool   `json:"isSynthetic,omitempty"`
	OriginalTxID     string `json:"originalTxid,omitempty"`
	ResolutionStatus string `json:"resolutionStatus,omitempty"`

	// Settled means this deposit's value has been allocated to payout
	// intents (swap plan, timeout refund, or a stray refund). Post-closure
	// surveillance refunds only unsettled confirmed deposits.
	Settled bool `json:"settled,omitempty"`
}

// SyntheticTxID derives the deterministic placeholder for a balance
// observation. The same observation always maps to the same placeholder
// so repeated polls do not multiply phantom deposits.
func SyntheticTxID(escrowAddress, assetCode string, amount *Amount) string {
	h := sha256.New()
	h.Write([]byte(escrowAddress))
	h.Write([]byte{0})
	h.Write([]byte(assetCode))
	h.Write([]byte{0})
	h.Write([]byte(amount.String()))
	sum := h.Sum(nil)
	return "synthetic:" + hex.EncodeToString(sum[:16])
}

// StatusFor derives the status a deposit should carry given its current
// confirmation count. A count of -1 means the transaction vanished.
func StatusFor(confirmations int64, required uint32) DepositStatus {
	switch {
	case confirmations < 0:
		return DepositOrphaned
	case confirmations == 0:
		return DepositUnconfirmed
	case confirmations >= int64(required):
		return DepositConfirmed
	default:
		return DepositPending
	}
}

// CountsTowardCollection reports whether the deposit's amount belongs in
// the collected aggregate.
func (d *Deposit) CountsTowardCollection() bool {
	return d.Status != DepositOrphaned
}
