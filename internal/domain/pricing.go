package domain

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MinorUnitScale returns the number of decimal places of the ISO 4217 currency code.
// Zero-decimal currencies such as JPY return 0.
func MinorUnitScale(code string) (int, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("domain: unknown currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

// ToMinorUnits converts a display amount (yen, dollars) to the provider's minor unit.
// Shop prices are stored as display amounts, so JPY 1200 stays 1200 and USD 12 becomes 1200.
func ToMinorUnits(amount int64, code string) (int64, error) {
	scale, err := MinorUnitScale(code)
	if err != nil {
		return 0, err
	}
	factor := int64(math.Pow10(scale))
	if amount != 0 && (amount*factor)/factor != amount {
		return 0, fmt.Errorf("domain: amount %d overflows minor units of %s", amount, code)
	}
	return amount * factor, nil
}

// FromMinorUnits converts a provider minor-unit amount back to the display amount.
func FromMinorUnits(amount int64, code string) (int64, error) {
	scale, err := MinorUnitScale(code)
	if err != nil {
		return 0, err
	}
	return amount / int64(math.Pow10(scale)), nil
}

// FormatAmount renders a display amount for mail bodies, e.g. "12,345円".
func FormatAmount(amount int64, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == "JPY" {
		return message.NewPrinter(language.Japanese).Sprintf("%d円", amount)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return message.NewPrinter(language.English).Sprintf("%d %s", amount, code)
	}
	return message.NewPrinter(language.English).Sprintf("%v", currency.Symbol(unit.Amount(amount)))
}
