// Package billing derives bill totals from selected lines. Every function is pure.
package billing

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
)

// Line is one chosen catalog item within an in-progress or committed bill. Quantity keeps the
// literal text entered by staff; arithmetic always goes through Quantity.
type Line struct {
	ProviderID   string          `json:"providerId"`
	ProviderName string          `json:"providerName"`
	Item         catalog.Item    `json:"item"`
	Quantity     string          `json:"quantity,omitempty"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
}

// IsTest reports whether the line is priced flat.
func (l Line) IsTest() bool {
	return l.Item.Kind == catalog.ItemTest
}

// Key identifies the line within a selection: provider plus item key.
func (l Line) Key() string {
	return strings.TrimSpace(l.ProviderID) + "/" + l.Item.Key()
}

// ProviderSubtotal groups line amounts for one provider, for display only.
type ProviderSubtotal struct {
	ProviderID   string          `json:"providerId"`
	ProviderName string          `json:"providerName"`
	Lines        int             `json:"lines"`
	Amount       decimal.Decimal `json:"amount"`
}

// MaxQuantity bounds a medicine quantity. Larger input counts as invalid.
const MaxQuantity = 1_000_000

// Quantity coerces raw input to a whole unit count. Only plain digits are accepted; blank, signed,
// fractional, exponent and out-of-range input all yield zero.
func Quantity(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n > MaxQuantity {
		return 0
	}
	return n
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// LineAmount is quantity × unit price for medicines and the unit price for tests.
func LineAmount(l Line) decimal.Decimal {
	price := NonNegative(l.UnitPrice)
	if l.IsTest() {
		return price
	}
	return decimal.NewFromInt(Quantity(l.Quantity)).Mul(price)
}

// Total is the authoritative grand sum over lines.
func Total(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(LineAmount(l))
	}
	return total
}

// ProviderTotal sums the lines belonging to providerID.
func ProviderTotal(lines []Line, providerID string) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		if l.ProviderID == providerID {
			total = total.Add(LineAmount(l))
		}
	}
	return total
}

// Subtotals groups lines by provider in order of first appearance.
func Subtotals(lines []Line) []ProviderSubtotal {
	index := make(map[string]int)
	out := make([]ProviderSubtotal, 0)
	for _, l := range lines {
		i, ok := index[l.ProviderID]
		if !ok {
			i = len(out)
			index[l.ProviderID] = i
			out = append(out, ProviderSubtotal{ProviderID: l.ProviderID, ProviderName: l.ProviderName, Amount: decimal.Zero})
		}
		out[i].Lines++
		out[i].Amount = out[i].Amount.Add(LineAmount(l))
	}
	return out
}

// LinesFor returns the lines belonging to providerID, preserving order.
func LinesFor(lines []Line, providerID string) []Line {
	out := make([]Line, 0)
	for _, l := range lines {
		if l.ProviderID == providerID {
			out = append(out, l)
		}
	}
	return out
}
