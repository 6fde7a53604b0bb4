package deal

import (
	"time"

	"github.com/crosslane-exchange/crosslane/pkg/helpers"
)

// CommissionMode selects how the operator's cut is computed.
type CommissionMode string

const (
	// CommissionPercentBps takes basis points of the trade amount in
	// the trade asset itself.
	CommissionPercentBps CommissionMode = "PERCENT_BPS"
	// CommissionFixedUSDNative takes a fixed USD value collected in the
	// chain's native coin, frozen against an oracle quote at COLLECTION
	// entry. Used for stablecoin swaps where a percentage of the asset
	// would itself need a conversion.
	CommissionFixedUSDNative CommissionMode = "FIXED_USD_NATIVE"
)

// CommissionCurrency says which asset the commission is collected in.
type CommissionCurrency string

const (
	CommissionInAsset  CommissionCurrency = "ASSET"
	CommissionInNative CommissionCurrency = "NATIVE"
)

// DefaultCommissionBps is the standard operator cut: 30 bps = 0.3%.
const DefaultCommissionBps uint32 = 30

// FrozenQuote is the oracle observation a FIXED_USD_NATIVE plan was
// frozen against. Kept on the deal so the conversion is auditable after
// the oracle has moved on.
type FrozenQuote struct {
	Pair   string    `json:"pair"`
	Price  string    `json:"price"` // decimal string, USD per native unit
	AsOf   time.Time `json:"asOf"`
	Source string    `json:"source"`
}

// CommissionPlan is one side's commission requirement. Once the deal
// enters COLLECTION the plan is immutable; FIXED_USD_NATIVE plans are
// additionally frozen to a concrete native amount.
type CommissionPlan struct {
	Mode     CommissionMode     `json:"mode"`
	Currency CommissionCurrency `json:"currency"`

	// PERCENT_BPS
	PercentBps uint32 `json:"percentBps,omitempty"`

	// FIXED_USD_NATIVE
	USDFixed    string       `json:"usdFixed,omitempty"` // decimal USD string
	NativeFixed *Amount      `json:"nativeFixed,omitempty"`
	OracleQuote *FrozenQuote `json:"oracleQuote,omitempty"`

	// Flat extra charged on ERC20 swaps, in the swap asset, from
	// operator config. Zero or nil means none.
	ERC20FixedFee *Amount `json:"erc20FixedFee,omitempty"`
}

// DefaultCommissionPlan is the plan applied when nothing overrides it.
func DefaultCommissionPlan() *CommissionPlan {
	return &CommissionPlan{
		Mode:       CommissionPercentBps,
		Currency:   CommissionInAsset,
		PercentBps: DefaultCommissionBps,
	}
}

// Frozen reports whether a FIXED_USD_NATIVE plan has its native amount
// pinned. PERCENT_BPS plans need no freezing and always report true.
func (p *CommissionPlan) Frozen() bool {
	if p.Mode != CommissionFixedUSDNative {
		return true
	}
	return p.NativeFixed != nil && p.OracleQuote != nil
}

// AssetCommission returns the commission owed in the trade asset, zero
// when the plan collects in native.
func (p *CommissionPlan) AssetCommission(tradeAmount *Amount) *Amount {
	if p.Mode != CommissionPercentBps || p.Currency != CommissionInAsset {
		return NewAmount(nil)
	}
	return (*Amount)(helpers.ApplyBps(tradeAmount.Int(), p.PercentBps))
}
