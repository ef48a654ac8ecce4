package guard

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxExcerptRunes bounds any excerpt, regardless of license.
const MaxExcerptRunes = 1000

// ObservedNotFuture rejects observation times after now.
func ObservedNotFuture(observed, now time.Time) error {
	if observed.IsZero() {
		return Invalid("observed_at is required")
	}
	if observed.After(now) {
		return Invalid("observed_at %s is in the future", observed.UTC().Format(time.RFC3339))
	}
	return nil
}

// Score checks a value is within [0,1].
func Score(name string, v float64) error {
	if v < 0 || v > 1 || v != v {
		return Invalid("%s must be within [0,1], got %v", name, v)
	}
	return nil
}

// Locator accepts an empty locator or an absolute URI.
func Locator(locator string) error {
	if locator == "" {
		return nil
	}
	u, err := url.Parse(locator)
	if err != nil || u.Scheme == "" {
		return Invalid("locator %q is not an absolute URI", locator)
	}
	return nil
}

// Excerpt enforces the per-license limit (0 means the global bound only).
func Excerpt(excerpt string, limit int) error {
	n := utf8.RuneCountInString(excerpt)
	if n > MaxExcerptRunes {
		return Invalid("excerpt has %d characters, max %d", n, MaxExcerptRunes)
	}
	if limit > 0 && n > limit {
		return &LicenseViolation{Reason: "excerpt exceeds license limit"}
	}
	return nil
}

// Actor rejects blank actor identities on curation transitions.
func Actor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return Identity("curation decision requires an actor")
	}
	return nil
}

// SameIssuer rejects references spanning two issuers.
func SameIssuer(kind, a, b string) error {
	if a != b {
		return Identity("%s spans issuers %s and %s", kind, a, b)
	}
	return nil
}
