// Package license holds the allow-list of evidence licenses and the gate
// that every evidence write passes through.
package license

import (
	"fmt"
	"sort"
	"strings"

	"github.com/TobiSchelling/BioGraph/internal/guard"
)

// Entry describes one license in the registry.
type Entry struct {
	ID                  string `yaml:"id"`
	CommercialSafe      bool   `yaml:"commercial_safe"`
	AttributionRequired bool   `yaml:"attribution_required"`
	ExcerptLimit        int    `yaml:"excerpt_limit"`
	Notes               string `yaml:"notes"`
}

// Registry is an immutable lookup table of licenses. Build it once from
// configuration and pass it to the components that validate evidence.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry builds a registry, rejecting blank or duplicate ids.
func NewRegistry(entries []Entry) (*Registry, error) {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("license entry with empty id")
		}
		if _, dup := m[id]; dup {
			return nil, fmt.Errorf("duplicate license id %q", id)
		}
		if e.ExcerptLimit < 0 {
			return nil, fmt.Errorf("license %q: negative excerpt limit", id)
		}
		e.ID = id
		m[id] = e
	}
	return &Registry{entries: m}, nil
}

// Validate is the license gate: the tag must be registered and flagged
// commercial-safe. It has no side effects.
func (r *Registry) Validate(tag string) error {
	if strings.TrimSpace(tag) == "" {
		return &guard.LicenseViolation{License: tag, Reason: "is empty"}
	}
	e, ok := r.entries[tag]
	if !ok {
		return &guard.LicenseViolation{License: tag, Reason: "is not in the license registry"}
	}
	if !e.CommercialSafe {
		return &guard.LicenseViolation{License: tag, Reason: "is not commercial-safe"}
	}
	return nil
}

// Lookup returns the entry for a tag.
func (r *Registry) Lookup(tag string) (Entry, bool) {
	e, ok := r.entries[tag]
	return e, ok
}

// ExcerptLimit returns the excerpt bound for a license, 0 meaning unbounded
// beyond the global limit.
func (r *Registry) ExcerptLimit(tag string) int {
	return r.entries[tag].ExcerptLimit
}

// Entries returns all entries sorted by id.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered licenses.
func (r *Registry) Len() int {
	return len(r.entries)
}
