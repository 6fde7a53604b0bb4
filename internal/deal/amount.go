package deal

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidAmount is returned when an amount string cannot be parsed
// or an amount violates a sign constraint.
var ErrInvalidAmount = errors.New("invalid amount")

// Amount is a quantity in an asset's smallest unit. It is a defined type
// over big.Int that serializes as a base-10 string: 18-decimal token
// quantities overflow uint64, and JSON numbers silently corrupt them.
type Amount big.Int

// NewAmount wraps a big.Int as an Amount. The value is copied.
func NewAmount(i *big.Int) *Amount {
	if i == nil {
		return (*Amount)(new(big.Int))
	}
	return (*Amount)(new(big.Int).Set(i))
}

// NewAmountFromUint64 wraps a uint64 as an Amount.
func NewAmountFromUint64(v uint64) *Amount {
	return (*Amount)(new(big.Int).SetUint64(v))
}

// ParseAmount parses a base-10 smallest-unit string.
func ParseAmount(s string) (*Amount, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return (*Amount)(i), nil
}

// Int returns the underlying big.Int. Callers must not mutate it;
// arithmetic goes through new(big.Int) destinations.
func (a *Amount) Int() *big.Int {
	if a == nil {
		return new(big.Int)
	}
	return (*big.Int)(a)
}

// String returns the base-10 smallest-unit representation.
func (a *Amount) String() string {
	return a.Int().String()
}

// Sign returns -1, 0 or +1.
func (a *Amount) Sign() int {
	return a.Int().Sign()
}

// IsZero reports whether the amount is exactly zero.
func (a *Amount) IsZero() bool {
	return a.Int().Sign() == 0
}

// Cmp compares two amounts. Nil counts as zero.
func (a *Amount) Cmp(b *Amount) int {
	return a.Int().Cmp(b.Int())
}

// Add returns a new Amount holding a+b. Neither operand is mutated.
func (a *Amount) Add(b *Amount) *Amount {
	return (*Amount)(new(big.Int).Add(a.Int(), b.Int()))
}

// Sub returns a new Amount holding a-b. Neither operand is mutated.
func (a *Amount) Sub(b *Amount) *Amount {
	return (*Amount)(new(big.Int).Sub(a.Int(), b.Int()))
}

// SubClamped returns max(a-b, 0).
func (a *Amount) SubClamped(b *Amount) *Amount {
	d := new(big.Int).Sub(a.Int(), b.Int())
	if d.Sign() < 0 {
		d.SetInt64(0)
	}
	return (*Amount)(d)
}

// MarshalJSON encodes the amount as a quoted base-10 string.
func (a *Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes a quoted base-10 string. A bare JSON number is
// also accepted so hand-written fixtures stay convenient.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" || s == "" {
		(*big.Int)(a).SetInt64(0)
		return nil
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	(*big.Int)(a).Set(i)
	return nil
}
