package offer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when a string holds no number.
var ErrNoPrice = errors.New("no price found")

var priceRegex = regexp.MustCompile(`\d(?:[\d.,'\s]*\d)?`)

// ParsePrice extracts the first price in a scraped string such as
// "€ 1.299,00", "$1,299.99", "19,99 EUR" or "CHF 1'299.–".
//
// When both '.' and ',' appear, the last one is the decimal separator. A
// lone ',' followed by one or two digits is decimal, otherwise it groups
// thousands. Repeated '.' groups thousands; a single '.' is decimal.
func ParsePrice(s string) (decimal.Decimal, error) {
	raw := priceRegex.FindString(s)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", s, ErrNoPrice)
	}

	raw = strings.NewReplacer(" ", "", "\u00a0", "", "'", "", "\t", "").Replace(raw)

	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastComma >= 0:
		decimals := len(raw) - lastComma - 1
		if strings.Count(raw, ",") == 1 && decimals > 0 && decimals <= 2 {
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(raw, ".") > 1 {
			raw = strings.ReplaceAll(raw, ".", "")
		}
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", s, err)
	}
	return d, nil
}
