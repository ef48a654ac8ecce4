package curation

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// Features records how a similarity score was reached. It is stored with
// the suggestion for the curator.
type Features struct {
	Name1        string
	Name2        string
	ExactMatch   bool
	Levenshtein  int
	TokenOverlap float64
	Rule         string
	Similarity   float64
}

// Map renders the features for JSON storage.
func (f Features) Map() map[string]any {
	return map[string]any{
		"entity1_name":  f.Name1,
		"entity2_name":  f.Name2,
		"exact_match":   f.ExactMatch,
		"levenshtein":   f.Levenshtein,
		"token_overlap": f.TokenOverlap,
		"rule":          f.Rule,
		"similarity":    f.Similarity,
	}
}

// Similarity scores two drug program names with fixed rules, first match
// wins:
//
//	case-insensitive equal          1.0
//	edit distance < 3               0.9
//	token Jaccard > 0.7             0.8
//	token Jaccard > 0.5             0.6
//	length within 5, Jaccard > 0.3  0.5
func Similarity(name1, name2 string) Features {
	a := strings.ToLower(strings.TrimSpace(name1))
	b := strings.ToLower(strings.TrimSpace(name2))
	f := Features{
		Name1:        name1,
		Name2:        name2,
		ExactMatch:   a == b,
		Levenshtein:  levenshtein.ComputeDistance(a, b),
		TokenOverlap: tokenOverlap(a, b),
		Rule:         "none",
	}

	lenDiff := len(a) - len(b)
	if lenDiff < 0 {
		lenDiff = -lenDiff
	}
	switch {
	case f.ExactMatch:
		f.Rule, f.Similarity = "exact", 1.0
	case f.Levenshtein < 3:
		f.Rule, f.Similarity = "levenshtein", 0.9
	case f.TokenOverlap > 0.7:
		f.Rule, f.Similarity = "token_overlap", 0.8
	case f.TokenOverlap > 0.5:
		f.Rule, f.Similarity = "partial_overlap", 0.6
	case lenDiff < 5 && f.TokenOverlap > 0.3:
		f.Rule, f.Similarity = "weak_overlap", 0.5
	}
	return f
}

// tokenOverlap is the Jaccard index of the names' tokens. Tokens split on
// whitespace and punctuation; single characters are ignored.
func tokenOverlap(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("-_,.;:()/", r)
	}) {
		if len([]rune(t)) > 1 {
			out[t] = true
		}
	}
	return out
}
