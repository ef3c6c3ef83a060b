package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/platewatch/recall-monitor/internal/recall"
)

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name  string
		part1 string
		part2 string
		want  string
	}{
		{"plain", "013-2026", "2026", "usda_013_2026_2026"},
		{"missing second", "013-2026", "", "usda_013_2026_unknown"},
		{"missing first", "", "2026", "usda_unknown_2026"},
		{"both missing", "", "  ", "usda_unknown_unknown"},
		{"punctuation collapsed", "F-1234/A.B", "E#99", "usda_F_1234_A_B_E_99"},
		{"whitespace trimmed", "  101-2026  ", "2026", "usda_101_2026_2026"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveKey(recall.SourceUSDA, tt.part1, tt.part2)
			if got != tt.want {
				t.Errorf("DeriveKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveKey_Truncation(t *testing.T) {
	long := strings.Repeat("a1", 300)
	got := DeriveKey(recall.SourceFDA, long, long)
	if len(got) != recall.MaxIdentityKeyLen {
		t.Errorf("key length = %d, want %d", len(got), recall.MaxIdentityKeyLen)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := DeriveKey(recall.SourceFDA, "Z-0042-2026", "94283")
	b := DeriveKey(recall.SourceFDA, "Z-0042-2026", "94283")
	if a != b {
		t.Errorf("same inputs produced different keys: %q vs %q", a, b)
	}
	c := DeriveKey(recall.SourceUSDA, "Z-0042-2026", "94283")
	if a == c {
		t.Error("different sources must produce different keys")
	}
}

func TestParseStates(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			"uppercase codes",
			"Products were shipped to retail locations in CA, NY and TX.",
			[]string{"CA", "NY", "TX"},
		},
		{
			"full names",
			"Distributed to stores in California and New York.",
			[]string{"CA", "NY"},
		},
		{
			"mixed codes and names",
			"Shipped to OH, plus distributors in Texas.",
			[]string{"OH", "TX"},
		},
		{
			"nationwide indicator wins",
			"Distributed nationwide, including CA and NY retail locations.",
			[]string{recall.Nationwide},
		},
		{
			"throughout the united states",
			"Product was sold throughout the United States.",
			[]string{recall.Nationwide},
		},
		{
			"empty text defaults nationwide",
			"",
			[]string{recall.Nationwide},
		},
		{
			"no match defaults nationwide",
			"Sold at the company's retail store only.",
			[]string{recall.Nationwide},
		},
		{
			"lowercase prepositions not treated as codes",
			"Sold in stores or online in Michigan.",
			[]string{"MI"},
		},
		{
			"kansas not matched inside arkansas",
			"Distributed to retailers in Arkansas.",
			[]string{"AR"},
		},
		{
			"duplicates collapse",
			"CA retailers and California distributors.",
			[]string{"CA"},
		},
		{
			"territories recognized",
			"Shipped to Puerto Rico and FL.",
			[]string{"FL", "PR"},
		},
		{
			"adjacent space-separated codes all matched",
			"Products shipped to CA NV AZ",
			[]string{"AZ", "CA", "NV"},
		},
		{
			"comma-run codes all matched",
			"Distribution: WA,OR,ID",
			[]string{"ID", "OR", "WA"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseStates(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseStates(%q) = %v, want %v", tt.text, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseStates(%q) = %v, want %v", tt.text, got, tt.want)
					break
				}
			}
		})
	}
}

func TestRecord(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	raw := RawRecord{
		Source:       recall.SourceUSDA,
		NaturalKey1:  "013-2026",
		NaturalKey2:  "2026",
		Title:        "Acme Foods Recalls Frozen Entrees",
		Distribution: "Shipped to CA and NV.",
		Fields: map[string]string{
			"product": "Frozen Entrees",
			"reason":  "undeclared allergens",
		},
	}

	rec := Record(raw, now)

	if rec.IdentityKey != "usda_013_2026_2026" {
		t.Errorf("IdentityKey = %q", rec.IdentityKey)
	}
	if rec.CoreFields["title"] != raw.Title {
		t.Errorf("title not carried into core fields")
	}
	if rec.CoreFields["reason"] != "undeclared allergens" {
		t.Errorf("fields not copied")
	}
	if len(rec.AffectedStates) != 2 || rec.AffectedStates[0] != "CA" || rec.AffectedStates[1] != "NV" {
		t.Errorf("AffectedStates = %v", rec.AffectedStates)
	}
	if rec.Overlay != nil {
		t.Error("normalizer must not invent an overlay")
	}
	if !rec.LastSyncedAt.Equal(now) {
		t.Errorf("LastSyncedAt = %v", rec.LastSyncedAt)
	}

	// Mutating the raw fields afterwards must not affect the record.
	raw.Fields["product"] = "changed"
	if rec.CoreFields["product"] != "Frozen Entrees" {
		t.Error("core fields alias the raw map")
	}
}
