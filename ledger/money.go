package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Rupee amount, always held at 2 decimal places
// =============================================================================

// Money is a currency amount rounded to 2 decimal places. Every constructor and
// every arithmetic result is rounded, so values written to a store never carry
// sub-paisa drift.
type Money struct {
	d decimal.Decimal
}

const moneyPlaces = 2

func round2(d decimal.Decimal) decimal.Decimal { return d.Round(moneyPlaces) }

func NewMoney(value float64) Money { return Money{d: round2(decimal.NewFromFloat(value))} }

func NewMoneyFromInt(value int64) Money { return Money{d: round2(decimal.NewFromInt(value))} }

func MoneyFromDecimal(d decimal.Decimal) Money { return Money{d: round2(d)} }

// ParseMoney parses a decimal string such as "1250.505" and rounds it.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return MoneyFromDecimal(d), nil
}

// MustParseMoney is ParseMoney for literals; invalid input yields zero.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		return Money{}
	}
	return m
}

func (m Money) Decimal() decimal.Decimal { return round2(m.d) }
func (m Money) Add(o Money) Money { return Money{d: round2(m.d.Add(o.d))} }
func (m Money) Sub(o Money) Money { return Money{d: round2(m.d.Sub(o.d))} }
func (m Money) Neg() Money { return Money{d: round2(m.d.Neg())} }
func (m Money) IsZero() bool { return m.d.IsZero() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }
func (m Money) String() string { return m.d.StringFixed(moneyPlaces) }
func (m Money) Float64() float64 { f, _ := m.d.Float64(); return f }

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// FloorZero clamps negative amounts to zero.
func (m Money) FloorZero() Money {
	if m.IsNegative() {
		return Money{}
	}
	return m
}

// MulRatio scales m by num/den. A zero denominator returns m unchanged.
func (m Money) MulRatio(num, den int64) Money {
	if den == 0 {
		return m
	}
	return Money{d: round2(m.d.Mul(decimal.NewFromInt(num)).Div(decimal.NewFromInt(den)))}
}

// SumMoney adds amounts left to right.
func SumMoney(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON writes the amount as a bare JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid money amount: %w", err)
	}
	m.d = round2(d)
	return nil
}
