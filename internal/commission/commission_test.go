package commission

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
)

const usdtCode = "ERC20:0xdAC17F958D2ee523a2206206994597C13D831ec7"

type fakeQuoter struct {
	native *big.Int
	quote  *deal.FrozenQuote
	calls  int
}

func (f *fakeQuoter) QuoteNativeForUSD(_ context.Context, _ string) (*big.Int, *deal.FrozenQuote, error) {
	f.calls++
	return f.native, f.quote, nil
}

func TestDefaultPlan(t *testing.T) {
	p := New(Config{})
	spec := &deal.AssetSpec{ChainID: 5000, AssetCode: "BTC", Amount: deal.NewAmountFromUint64(1_000_000), Decimals: 8}

	plan := p.PlanFor(spec)
	if plan.Mode != deal.CommissionPercentBps || plan.PercentBps != deal.DefaultCommissionBps {
		t.Errorf("plan = %+v", plan)
	}
	if plan.ERC20FixedFee != nil {
		t.Error("native swap should carry no ERC20 fee")
	}
}

func TestERC20FeeAttached(t *testing.T) {
	p := New(Config{
		ERC20FixedFee: map[uint64]*deal.Amount{1: deal.NewAmountFromUint64(5_000_000)},
	})
	spec := &deal.AssetSpec{ChainID: 1, AssetCode: usdtCode, Amount: deal.NewAmountFromUint64(100_000_000), Decimals: 6}

	plan := p.PlanFor(spec)
	if plan.ERC20FixedFee == nil || plan.ERC20FixedFee.Cmp(deal.NewAmountFromUint64(5_000_000)) != 0 {
		t.Errorf("ERC20 fee = %v", plan.ERC20FixedFee)
	}
}

func TestStablecoinPlan(t *testing.T) {
	p := New(Config{
		Stablecoins:        map[string]bool{usdtCode: true},
		StablecoinUSDFixed: "25.00",
	})
	spec := &deal.AssetSpec{ChainID: 1, AssetCode: usdtCode, Amount: deal.NewAmountFromUint64(100_000_000), Decimals: 6}

	plan := p.PlanFor(spec)
	if plan.Mode != deal.CommissionFixedUSDNative || plan.Currency != deal.CommissionInNative {
		t.Errorf("plan = %+v", plan)
	}
	if plan.USDFixed != "25.00" {
		t.Errorf("usdFixed = %s", plan.USDFixed)
	}
	if plan.Frozen() {
		t.Error("plan should not be frozen before the oracle quote")
	}
}

func TestFreezeIsIrreversible(t *testing.T) {
	p := New(Config{})
	plan := &deal.CommissionPlan{
		Mode:     deal.CommissionFixedUSDNative,
		Currency: deal.CommissionInNative,
		USDFixed: "25.00",
	}
	q := &fakeQuoter{
		native: big.NewInt(10_000_000_000_000_000),
		quote:  &deal.FrozenQuote{Pair: "ETH/USD", Price: "2500", AsOf: time.Now(), Source: "MANUAL"},
	}

	if err := p.Freeze(context.Background(), plan, q); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if !plan.Frozen() || plan.NativeFixed.Cmp(deal.NewAmount(q.native)) != 0 {
		t.Errorf("frozen plan = %+v", plan)
	}

	// Second freeze must not re-quote.
	q.native = big.NewInt(999)
	if err := p.Freeze(context.Background(), plan, q); err != nil {
		t.Fatal(err)
	}
	if q.calls != 1 {
		t.Errorf("quoter called %d times, want 1", q.calls)
	}
	if plan.NativeFixed.Cmp(deal.NewAmount(big.NewInt(10_000_000_000_000_000))) != 0 {
		t.Error("re-freeze changed the pinned amount")
	}
}

func TestRequiredByAssetPercent(t *testing.T) {
	p := New(Config{})
	spec := &deal.AssetSpec{ChainID: 5000, AssetCode: "BTC", Amount: deal.NewAmountFromUint64(1_000_000), Decimals: 8}
	params, _ := chain.Get("BTC", chain.Mainnet)

	required, err := p.RequiredByAsset(spec, p.PlanFor(spec), params)
	if err != nil {
		t.Fatalf("RequiredByAsset failed: %v", err)
	}
	// 1_000_000 + 30 bps = 1_003_000.
	want := deal.NewAmountFromUint64(1_003_000)
	if got := required["BTC"]; got == nil || got.Cmp(want) != 0 {
		t.Errorf("required BTC = %v, want %s", got, want)
	}
	if len(required) != 1 {
		t.Errorf("unexpected extra entries: %v", required)
	}
}

func TestRequiredByAssetNativeEVMGasBuffer(t *testing.T) {
	buffer := deal.NewAmountFromUint64(300_000_000_000_000) // 0.0003 ETH
	p := New(Config{GasBuffer: map[uint64]*deal.Amount{1: buffer}})
	spec := &deal.AssetSpec{ChainID: 1, AssetCode: "ETH", Amount: deal.NewAmountFromUint64(1_000_000_000), Decimals: 18}
	params, _ := chain.Get("ETH", chain.Mainnet)

	required, err := p.RequiredByAsset(spec, p.PlanFor(spec), params)
	if err != nil {
		t.Fatal(err)
	}
	// trade + 30 bps + gas buffer
	want := deal.NewAmountFromUint64(1_000_000_000 + 3_000_000 + 300_000_000_000_000)
	if got := required["ETH"]; got == nil || got.Cmp(want) != 0 {
		t.Errorf("required ETH = %v, want %s", got, want)
	}
}

func TestRequiredByAssetStablecoin(t *testing.T) {
	p := New(Config{
		Stablecoins:        map[string]bool{usdtCode: true},
		StablecoinUSDFixed: "25.00",
		ERC20FixedFee:      map[uint64]*deal.Amount{1: deal.NewAmountFromUint64(2_000_000)},
	})
	spec := &deal.AssetSpec{ChainID: 1, AssetCode: usdtCode, Amount: deal.NewAmountFromUint64(100_000_000), Decimals: 6}
	params, _ := chain.Get("ETH", chain.Mainnet)

	plan := p.PlanFor(spec)

	// Unfrozen plan cannot produce requirements.
	if _, err := p.RequiredByAsset(spec, plan, params); !otcerr.IsKind(err, otcerr.KindOracleUnavailable) {
		t.Errorf("unfrozen plan should be OracleUnavailable, got %v", err)
	}

	plan.NativeFixed = deal.NewAmountFromUint64(10_000_000_000_000_000)
	plan.OracleQuote = &deal.FrozenQuote{Pair: "ETH/USD", Price: "2500", AsOf: time.Now(), Source: "MANUAL"}

	required, err := p.RequiredByAsset(spec, plan, params)
	if err != nil {
		t.Fatal(err)
	}
	// Token entry: trade + flat ERC20 fee, no bps (commission is in native).
	wantToken := deal.NewAmountFromUint64(102_000_000)
	if got := required[usdtCode]; got == nil || got.Cmp(wantToken) != 0 {
		t.Errorf("required token = %v, want %s", got, wantToken)
	}
	// Separate native entry for the frozen commission.
	if got := required["ETH"]; got == nil || got.Cmp(plan.NativeFixed) != 0 {
		t.Errorf("required native = %v, want %s", got, plan.NativeFixed)
	}
}
