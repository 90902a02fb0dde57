package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
)

func medicineLine(provider, name, qty string, price int64) Line {
	return Line{
		ProviderID:   provider,
		ProviderName: provider,
		Item:         catalog.Item{Kind: catalog.ItemMedicine, Name: name, Dosage: "500mg", Price: decimal.NewFromInt(price)},
		Quantity:     qty,
		UnitPrice:    decimal.NewFromInt(price),
	}
}

func testLine(provider, name string, price int64) Line {
	return Line{
		ProviderID: provider,
		Item:       catalog.Item{Kind: catalog.ItemTest, Name: name, Price: decimal.NewFromInt(price)},
		UnitPrice:  decimal.NewFromInt(price),
	}
}

func TestQuantity(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"":           0,
		"  ":         0,
		"abc":        0,
		"-5":         0,
		"+5":         0,
		"3":          3,
		" 12 ":       12,
		"007":        7,
		"2.5":        0,
		"1e2":        0,
		"1e3":        0,
		"1e50000000": 0,
		"0x10":       0,
		"3 pcs":      0,
		"1000000":    MaxQuantity,
		"1000001":    0,
	}
	for raw, want := range cases {
		require.Equal(t, want, Quantity(raw), "input %q", raw)
	}
	require.Zero(t, Quantity("99999999999999999999999"), "overflowing input")
}

func TestLineAmount(t *testing.T) {
	t.Parallel()

	require.Equal(t, "30", LineAmount(medicineLine("p1", "Paracetamol", "3", 10)).String())
	require.Equal(t, "0", LineAmount(medicineLine("p1", "Paracetamol", "", 10)).String())
	require.Equal(t, "0", LineAmount(medicineLine("p1", "Paracetamol", "abc", 10)).String())
	require.Equal(t, "0", LineAmount(medicineLine("p1", "Paracetamol", "-5", 10)).String())
	require.Equal(t, "0", LineAmount(medicineLine("p1", "Paracetamol", "1e3", 10)).String())
	require.Equal(t, "0", LineAmount(medicineLine("p1", "Paracetamol", "2.5", 10)).String())

	lab := testLine("l1", "CBC", 500)
	lab.Quantity = "7"
	require.Equal(t, "500", LineAmount(lab).String(), "tests ignore quantity")

	negative := testLine("l1", "CBC", 0)
	negative.UnitPrice = decimal.NewFromInt(-20)
	require.True(t, LineAmount(negative).IsZero())
}

func TestTotalAndSubtotals(t *testing.T) {
	t.Parallel()

	lines := []Line{
		medicineLine("p1", "Paracetamol", "3", 10),
		medicineLine("p2", "Amoxicillin", "2", 45),
		medicineLine("p1", "Cetirizine", "", 6),
		medicineLine("p1", "Pantoprazole", "1", 22),
	}

	require.Equal(t, "142", Total(lines).String())
	require.Equal(t, "52", ProviderTotal(lines, "p1").String())

	subtotals := Subtotals(lines)
	require.Len(t, subtotals, 2)
	require.Equal(t, "p1", subtotals[0].ProviderID)
	require.Equal(t, 3, subtotals[0].Lines)
	require.Equal(t, "52", subtotals[0].Amount.String())
	require.Equal(t, "p2", subtotals[1].ProviderID)
	require.Equal(t, "90", subtotals[1].Amount.String())

	sum := decimal.Zero
	for _, s := range subtotals {
		sum = sum.Add(s.Amount)
	}
	require.True(t, sum.Equal(Total(lines)))

	require.Len(t, LinesFor(lines, "p2"), 1)
	require.True(t, Total(nil).IsZero())
	require.Empty(t, Subtotals(nil))
}

func TestLineKeyDistinguishesDosage(t *testing.T) {
	t.Parallel()

	a := medicineLine("p1", "Paracetamol", "1", 10)
	b := a
	b.Item.Dosage = "650mg"
	require.NotEqual(t, a.Key(), b.Key())

	c := testLine("l1", "CBC", 500)
	d := testLine("l1", " cbc ", 500)
	require.Equal(t, c.Key(), d.Key())
}
