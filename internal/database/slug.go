package database

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Slugify lowercases a name, folds accents and joins alphanumeric runs
// with single hyphens: "Zolbetuximab (IMAB362)" becomes "zolbetuximab-imab362".
// Letters outside ASCII survive, so "IFN-α" and "IFN-β" stay distinct.
func Slugify(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range norm.NFKD.String(name) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingDash = true
		}
	}
	return b.String()
}

// DrugProgramID builds the issuer-scoped identity of a drug program.
func DrugProgramID(issuerID, slug string) string {
	return issuerID + ":PROG:" + slug
}

// sameName reports whether two names differ only in case and spacing.
func sameName(a, b string) bool {
	return strings.EqualFold(strings.Join(strings.Fields(a), " "), strings.Join(strings.Fields(b), " "))
}
