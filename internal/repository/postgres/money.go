package postgres

import (
	"fmt"
	"strings"

	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/shopspring/decimal"
)

// numericToMoney converts a NUMERIC(12,2) column read as text.
func numericToMoney(s, currency string) (session.Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return session.Money{}, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return session.NewMoney(d.Shift(2).Round(0).IntPart(), currency), nil
}

func moneyToNumeric(m session.Money) string {
	return m.Decimal().StringFixed(2)
}
