package ingest

import (
	"regexp"
	"strings"

	"github.com/TobiSchelling/BioGraph/internal/database"
)

// drugCode matches development codes such as ASP2138, BMS-986165 or
// IMAB362: two to five capitals, an optional hyphen, three to six digits.
var drugCode = regexp.MustCompile(`\b[A-Z]{2,5}-?[0-9]{3,6}\b`)

// Mention is a drug code seen in text that also names an issuer.
type Mention struct {
	IssuerID string
	Code     string
}

type mentionMatcher struct {
	issuers []database.Issuer
}

func newMentionMatcher(issuers []database.Issuer) *mentionMatcher {
	return &mentionMatcher{issuers: issuers}
}

// Find returns one mention per (issuer, code) for every issuer named in
// text. Codes in text naming no issuer, or more than one, are ignored: a
// candidate always belongs to exactly one issuer.
func (m *mentionMatcher) Find(text string) []Mention {
	codes := drugCode.FindAllString(text, -1)
	if len(codes) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	var named []string
	for _, iss := range m.issuers {
		if name := issuerKeyword(iss.Name); name != "" && strings.Contains(lower, name) {
			named = append(named, iss.ID)
		}
	}
	if len(named) != 1 {
		return nil
	}

	seen := map[string]bool{}
	var out []Mention
	for _, c := range codes {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, Mention{IssuerID: named[0], Code: c})
	}
	return out
}

var corporateSuffixes = []string{" inc.", " inc", " corp.", " corporation", " plc", " ag", " ltd", " co., ltd.", " pharma", " se"}

// issuerKeyword lowercases an issuer name and drops one corporate suffix,
// so "Astellas Pharma Inc." matches "Astellas Pharma" and "astellas pharma".
func issuerKeyword(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, s := range corporateSuffixes {
		if strings.HasSuffix(n, s) {
			n = strings.TrimSpace(strings.TrimSuffix(n, s))
			break
		}
	}
	if len(n) < 3 {
		return ""
	}
	return n
}
