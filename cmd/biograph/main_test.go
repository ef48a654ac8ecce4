package main

import (
	"testing"
	"time"
)

func TestParseRefKeepsColonsInID(t *testing.T) {
	ref, err := parseRef("drug_program:ISS_1:PROG:zolbetuximab")
	if err != nil {
		t.Fatalf("parseRef: %v", err)
	}
	if ref.Type != "drug_program" || ref.ID != "ISS_1:PROG:zolbetuximab" {
		t.Errorf("unexpected ref %+v", ref)
	}
	for _, bad := range []string{"", "issuer", "issuer:", ":ISS_1"} {
		if _, err := parseRef(bad); err == nil {
			t.Errorf("parseRef(%q): expected error", bad)
		}
	}
}

func TestDateFlag(t *testing.T) {
	def := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := dateFlag("", def)
	if err != nil || !got.Equal(def) {
		t.Errorf("empty flag: got %v, %v", got, err)
	}
	got, err = dateFlag("2026-03-15", def)
	if err != nil || got.Format("2006-01-02") != "2026-03-15" {
		t.Errorf("explicit date: got %v, %v", got, err)
	}
	if _, err := dateFlag("15/03/2026", def); err == nil {
		t.Error("expected error for malformed date")
	}
}
