package helpers

import (
	"math/big"
	"testing"
)

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"100000000", 8, "1"},
		{"50000000", 8, "0.5"},
		{"12345678", 8, "0.12345678"},
		{"100000", 8, "0.001"},
		{"1", 8, "0.00000001"},
		{"0", 8, "0"},
		{"1000000000000000000", 18, "1"},
		{"500000000000000000", 18, "0.5"},
		{"1003000000", 8, "10.03"},
		{"123", 0, "123"},
		{"-50000000", 8, "-0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			n, _ := new(big.Int).SetString(tt.amount, 10)
			got := FormatUnits(n, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatUnits(%s, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"1", 8, "100000000", false},
		{"0.5", 8, "50000000", false},
		{"0.12345678", 8, "12345678", false},
		{"10.03", 8, "1003000000", false},
		{"0.00000001", 8, "1", false},
		{"0", 8, "0", false},
		{"1", 18, "1000000000000000000", false},
		{"100.30", 18, "100300000000000000000", false},
		{"123", 0, "123", false},
		{"0.123456789", 8, "", true}, // too many decimal places
		{"invalid", 8, "", true},
		{"1.2.3", 8, "", true},
		{"", 8, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseUnits(tt.input, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseUnits(%s, %d) = %s, want %s", tt.input, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	amounts := []int64{1, 100, 12345678, 100000000, 999999999}

	for _, amount := range amounts {
		n := big.NewInt(amount)
		formatted := FormatUnits(n, 8)
		parsed, err := ParseUnits(formatted, 8)
		if err != nil {
			t.Errorf("ParseUnits(%s) failed: %v", formatted, err)
			continue
		}
		if parsed.Cmp(n) != 0 {
			t.Errorf("roundtrip failed: %d -> %s -> %s", amount, formatted, parsed)
		}
	}
}

func TestApplyBps(t *testing.T) {
	tests := []struct {
		amount string
		bps    uint32
		want   string
	}{
		{"1000000000", 30, "3000000"},   // 10.00000000 at 0.30% = 0.03
		{"10000000000000000000", 30, "30000000000000000"}, // 10 ETH -> 0.03 ETH
		{"1", 30, "0"},                  // truncates toward zero
		{"0", 30, "0"},
		{"1000000000", 0, "0"},
	}

	for _, tt := range tests {
		n, _ := new(big.Int).SetString(tt.amount, 10)
		got := ApplyBps(n, tt.bps)
		if got.String() != tt.want {
			t.Errorf("ApplyBps(%s, %d) = %s, want %s", tt.amount, tt.bps, got, tt.want)
		}
	}
}

func TestSubClamped(t *testing.T) {
	a := big.NewInt(100)
	b := big.NewInt(30)
	if got := SubClamped(a, b); got.Int64() != 70 {
		t.Errorf("SubClamped(100, 30) = %d, want 70", got.Int64())
	}
	if got := SubClamped(b, a); got.Sign() != 0 {
		t.Errorf("SubClamped(30, 100) = %s, want 0", got)
	}
	// inputs untouched
	if a.Int64() != 100 || b.Int64() != 30 {
		t.Error("SubClamped mutated its inputs")
	}
}
