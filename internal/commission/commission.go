// Package commission computes what each side of a deal must deposit:
// the trade amount plus the operator's cut, an optional flat ERC20 fee
// and a gas buffer where the escrow pays its own outbound gas. It also
// freezes USD-fixed commissions against an oracle quote at collection
// entry.
package commission

import (
	"context"
	"math/big"

	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

// Quoter converts a USD amount to native smallest units at the current
// oracle price. Chain adapters implement this.
type Quoter interface {
	QuoteNativeForUSD(ctx context.Context, usd string) (*big.Int, *deal.FrozenQuote, error)
}

// Config is the operator's commission policy.
type Config struct {
	// PercentBps overrides the default cut. 0 means the default.
	PercentBps uint32

	// ERC20FixedFee is a flat extra per chain, charged in the swap
	// asset on ERC20 swaps. Keyed by settlement chain id.
	ERC20FixedFee map[uint64]*deal.Amount

	// Stablecoins lists asset codes that switch to the USD-fixed
	// native-commission mode.
	Stablecoins map[string]bool

	// StablecoinUSDFixed is the flat USD charge for stablecoin swaps,
	// as a 2-decimal string.
	StablecoinUSDFixed string

	// GasBuffer is the native headroom required on chains where the
	// escrow itself pays outbound gas for a native swap. Keyed by
	// settlement chain id.
	GasBuffer map[uint64]*deal.Amount
}

// Planner builds and freezes per-side commission plans.
type Planner struct {
	cfg Config
	log *logging.Logger
}

// New creates a planner with the given policy.
func New(cfg Config) *Planner {
	return &Planner{
		cfg: cfg,
		log: logging.GetDefault().Component("commission"),
	}
}

func (p *Planner) percentBps() uint32 {
	if p.cfg.PercentBps > 0 {
		return p.cfg.PercentBps
	}
	return deal.DefaultCommissionBps
}

// PlanFor derives the commission plan for one side's asset spec.
func (p *Planner) PlanFor(spec *deal.AssetSpec) *deal.CommissionPlan {
	if p.cfg.Stablecoins[spec.AssetCode] && p.cfg.StablecoinUSDFixed != "" {
		plan := &deal.CommissionPlan{
			Mode:     deal.CommissionFixedUSDNative,
			Currency: deal.CommissionInNative,
			USDFixed: p.cfg.StablecoinUSDFixed,
		}
		p.attachERC20Fee(plan, spec)
		return plan
	}

	plan := &deal.CommissionPlan{
		Mode:       deal.CommissionPercentBps,
		Currency:   deal.CommissionInAsset,
		PercentBps: p.percentBps(),
	}
	p.attachERC20Fee(plan, spec)
	return plan
}

func (p *Planner) attachERC20Fee(plan *deal.CommissionPlan, spec *deal.AssetSpec) {
	if spec.Kind() != deal.AssetERC20 {
		return
	}
	if fee, ok := p.cfg.ERC20FixedFee[spec.ChainID]; ok && fee != nil && !fee.IsZero() {
		plan.ERC20FixedFee = deal.NewAmount(fee.Int())
	}
}

// Freeze pins a USD-fixed plan to a concrete native amount using the
// chain's quoter. Freezing happens exactly once; an already-frozen plan
// passes through untouched, even if the oracle has moved.
func (p *Planner) Freeze(ctx context.Context, plan *deal.CommissionPlan, quoter Quoter) error {
	if plan.Frozen() {
		return nil
	}
	native, quote, err := quoter.QuoteNativeForUSD(ctx, plan.USDFixed)
	if err != nil {
		return err
	}
	plan.NativeFixed = deal.NewAmount(native)
	plan.OracleQuote = quote
	p.log.Info("commission frozen", "usd", plan.USDFixed, "native", plan.NativeFixed, "price", quote.Price)
	return nil
}

// RequiredByAsset computes what one side must have confirmed on its
// escrow, per asset code. The trade asset entry carries the trade
// amount plus any in-asset commission, flat ERC20 fee and gas buffer; a
// native-currency commission lands in its own entry under the chain's
// native code.
func (p *Planner) RequiredByAsset(spec *deal.AssetSpec, plan *deal.CommissionPlan, params *chain.Params) (map[string]*deal.Amount, error) {
	if plan.Mode == deal.CommissionFixedUSDNative && !plan.Frozen() {
		return nil, otcerr.E(otcerr.KindOracleUnavailable, "commission not frozen for %s", spec.AssetCode)
	}

	required := make(map[string]*deal.Amount)

	tradeTotal := deal.NewAmount(spec.Amount.Int())
	tradeTotal = tradeTotal.Add(plan.AssetCommission(spec.Amount))
	if plan.ERC20FixedFee != nil {
		tradeTotal = tradeTotal.Add(plan.ERC20FixedFee)
	}

	nativeCode := params.GetNativeToken()
	isNativeSwap := spec.IsNative() && spec.AssetCode == nativeCode

	// Native EVM swaps pay their own outbound gas from the escrow, so
	// the deposit must leave headroom for it.
	if isNativeSwap && params.Type == chain.ChainTypeEVM {
		if buffer, ok := p.cfg.GasBuffer[spec.ChainID]; ok && buffer != nil {
			tradeTotal = tradeTotal.Add(buffer)
		}
	}
	required[spec.AssetCode] = tradeTotal

	if plan.Currency == deal.CommissionInNative && plan.NativeFixed != nil {
		if cur, ok := required[nativeCode]; ok {
			required[nativeCode] = cur.Add(plan.NativeFixed)
		} else {
			required[nativeCode] = deal.NewAmount(plan.NativeFixed.Int())
		}
	}
	return required, nil
}
