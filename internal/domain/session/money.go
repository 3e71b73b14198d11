package session

import (
	"fmt"
	"strings"

	"github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/shopspring/decimal"
)

// minorUnitExp is the number of decimal places carried by Money.Cents.
const minorUnitExp = 2

// Money represents a monetary amount in the smallest currency unit (e.g. cents).
type Money struct {
	Cents    int64
	Currency string
}

// NewMoney normalizes the currency code to upper case.
func NewMoney(cents int64, currency string) Money {
	return Money{Cents: cents, Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

// ParseMoney parses a decimal string such as "49.00".
func ParseMoney(value, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", value, errors.ErrInvalidAmount)
	}
	return MoneyFromDecimal(d, currency)
}

// MoneyFromDecimal rejects values with more precision than the minor unit.
func MoneyFromDecimal(d decimal.Decimal, currency string) (Money, error) {
	shifted := d.Shift(minorUnitExp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %s has sub-cent precision: %w", d.String(), errors.ErrInvalidAmount)
	}
	return NewMoney(shifted.IntPart(), currency), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -minorUnitExp)
}

// Value formats the major-unit amount with two decimals, the form providers expect.
func (m Money) Value() string {
	return m.Decimal().StringFixed(minorUnitExp)
}

func (m Money) String() string {
	return m.Value() + " " + m.Currency
}

// Equal compares amount and currency, ignoring currency case.
func (m Money) Equal(o Money) bool {
	return m.Cents == o.Cents && strings.EqualFold(m.Currency, o.Currency)
}

// Validate checks that the amount is payable.
func (m Money) Validate() error {
	if m.Cents <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if m.Currency == "" {
		return errors.NewValidationError("currency", "cannot be empty")
	}
	if len(m.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	return nil
}
