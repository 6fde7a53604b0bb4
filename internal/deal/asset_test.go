package deal

import (
	"encoding/json"
	"testing"
)

func TestParseAssetCode(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		wantKind AssetKind
		wantAddr string
		wantErr  bool
	}{
		{
			name:     "native symbol",
			code:     "ALPHA",
			wantKind: AssetNative,
			wantAddr: "ALPHA",
		},
		{
			name:     "native ETH",
			code:     "ETH",
			wantKind: AssetNative,
			wantAddr: "ETH",
		},
		{
			name:     "erc20 token",
			code:     "ERC20:0xdAC17F958D2ee523a2206206994597C13D831ec7",
			wantKind: AssetERC20,
			wantAddr: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		},
		{
			name:     "spl mint",
			code:     "SPL:EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			wantKind: AssetSPL,
			wantAddr: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		},
		{
			name:    "empty code",
			code:    "",
			wantErr: true,
		},
		{
			name:    "erc20 address too short",
			code:    "ERC20:0x1234",
			wantErr: true,
		},
		{
			name:    "erc20 missing 0x",
			code:    "ERC20:dAC17F958D2ee523a2206206994597C13D831ec700",
			wantErr: true,
		},
		{
			name:    "empty spl mint",
			code:    "SPL:",
			wantErr: true,
		},
		{
			name:    "unknown prefix",
			code:    "TRC20:TXYZabc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, addr, err := ParseAssetCode(tt.code)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", kind, tt.wantKind)
			}
			if addr != tt.wantAddr {
				t.Errorf("addr = %s, want %s", addr, tt.wantAddr)
			}
		})
	}
}

func TestAssetCodeBuilders(t *testing.T) {
	code := ERC20Code("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	kind, addr, err := ParseAssetCode(code)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if kind != AssetERC20 || addr != "0xdAC17F958D2ee523a2206206994597C13D831ec7" {
		t.Errorf("round trip = %s %s", kind, addr)
	}

	if SPLCode("mint123") != "SPL:mint123" {
		t.Errorf("SPLCode = %s", SPLCode("mint123"))
	}
}

func TestAssetSpecHelpers(t *testing.T) {
	amt, _ := ParseAmount("5000000")

	native := &AssetSpec{ChainID: 1, AssetCode: "ETH", Amount: amt, Decimals: 18}
	if !native.IsNative() {
		t.Error("ETH spec should be native")
	}
	if _, ok := native.TokenAddress(); ok {
		t.Error("native spec should have no token address")
	}

	token := &AssetSpec{ChainID: 1, AssetCode: "ERC20:0xdAC17F958D2ee523a2206206994597C13D831ec7", Amount: amt, Decimals: 6}
	if token.IsNative() {
		t.Error("ERC20 spec should not be native")
	}
	addr, ok := token.TokenAddress()
	if !ok || addr != "0xdAC17F958D2ee523a2206206994597C13D831ec7" {
		t.Errorf("TokenAddress = %s, %v", addr, ok)
	}
}

func TestAssetSpecValidate(t *testing.T) {
	amt, _ := ParseAmount("1")
	good := &AssetSpec{ChainID: 1, AssetCode: "ETH", Amount: amt, Decimals: 18}
	if err := good.Validate(); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}

	var nilSpec *AssetSpec
	if err := nilSpec.Validate(); err == nil {
		t.Error("nil spec should be rejected")
	}

	neg, _ := ParseAmount("-5")
	bad := &AssetSpec{ChainID: 1, AssetCode: "ETH", Amount: neg, Decimals: 18}
	if err := bad.Validate(); err == nil {
		t.Error("negative amount should be rejected")
	}
}

func TestAmountJSONRoundTrip(t *testing.T) {
	// A quantity that overflows uint64.
	a, err := ParseAmount("100300000000000000000")
	if err != nil {
		t.Fatalf("ParseAmount failed: %v", err)
	}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"100300000000000000000"` {
		t.Errorf("marshal = %s, want quoted decimal string", data)
	}

	var back Amount
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.Cmp(a) != 0 {
		t.Errorf("round trip = %s, want %s", back.String(), a.String())
	}

	// Bare numbers are tolerated for fixtures.
	var fromNumber Amount
	if err := json.Unmarshal([]byte(`12345`), &fromNumber); err != nil {
		t.Fatalf("unmarshal number failed: %v", err)
	}
	if fromNumber.String() != "12345" {
		t.Errorf("from number = %s, want 12345", fromNumber.String())
	}
}

func TestAmountArithmetic(t *testing.T) {
	a, _ := ParseAmount("1000000000")
	b, _ := ParseAmount("300000000")

	if got := a.Add(b).String(); got != "1300000000" {
		t.Errorf("Add = %s, want 1300000000", got)
	}
	if got := a.Sub(b).String(); got != "700000000" {
		t.Errorf("Sub = %s, want 700000000", got)
	}
	if got := b.SubClamped(a).String(); got != "0" {
		t.Errorf("SubClamped below zero = %s, want 0", got)
	}
	if a.Cmp(b) <= 0 {
		t.Error("a should compare greater than b")
	}

	// Operands must survive untouched.
	if a.String() != "1000000000" || b.String() != "300000000" {
		t.Error("arithmetic must not mutate operands")
	}

	var nilAmt *Amount
	if !nilAmt.IsZero() {
		t.Error("nil amount should read as zero")
	}
	if nilAmt.Add(b).String() != "300000000" {
		t.Error("nil amount should participate as zero")
	}
}

func TestCommissionPlan(t *testing.T) {
	plan := DefaultCommissionPlan()
	if plan.Mode != CommissionPercentBps || plan.PercentBps != 30 {
		t.Errorf("default plan = %+v", plan)
	}
	if !plan.Frozen() {
		t.Error("percent plans never need freezing")
	}

	trade, _ := ParseAmount("1000000000") // 10 units at 8 decimals
	commission := plan.AssetCommission(trade)
	if commission.String() != "3000000" { // 0.03 units
		t.Errorf("30 bps of 1000000000 = %s, want 3000000", commission.String())
	}

	usd := &CommissionPlan{Mode: CommissionFixedUSDNative, Currency: CommissionInNative, USDFixed: "25"}
	if usd.Frozen() {
		t.Error("unfrozen FIXED_USD_NATIVE plan should report not frozen")
	}
	if !usd.AssetCommission(trade).IsZero() {
		t.Error("native-currency plan should owe nothing in the trade asset")
	}

	native, _ := ParseAmount("12500000000000000")
	usd.NativeFixed = native
	usd.OracleQuote = &FrozenQuote{Pair: "ETH/USD", Price: "2000", Source: "MANUAL"}
	if !usd.Frozen() {
		t.Error("plan with native amount and quote should be frozen")
	}
}
