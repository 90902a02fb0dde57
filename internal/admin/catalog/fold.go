package catalog

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold normalises s for identity and search comparisons. Compatibility forms and case are folded so
// "ＰＡＲＡＣＥＴＡＭＯＬ" and "paracetamol" compare equal.
func Fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Fold().String(norm.NFKC.String(s))
}

// ContainsFold reports whether substr occurs in s after folding both.
func ContainsFold(s, substr string) bool {
	return strings.Contains(Fold(s), Fold(substr))
}
