// Package normalize converts raw upstream recall records from either feed
// into the canonical shape with a deterministic identity key.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/platewatch/recall-monitor/internal/recall"
)

// missingKeyPart substitutes for an absent natural-key component so the
// derived key stays deterministic.
const missingKeyPart = "unknown"

// RawRecord is one recall as produced by a feed client, before
// normalization. NaturalKey1/NaturalKey2 are the source-specific fields the
// identity key is derived from: recall number + year for USDA, recall
// number + event id for FDA.
type RawRecord struct {
	Source       recall.Source
	NaturalKey1  string
	NaturalKey2  string
	Title        string
	Distribution string
	Fields       map[string]string
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// DeriveKey builds the deterministic identity key for a pair of natural-key
// components: non-alphanumeric runs become underscores, absent components
// default to a fixed sentinel, and the result is truncated to the store's
// key-length limit.
func DeriveKey(source recall.Source, part1, part2 string) string {
	if strings.TrimSpace(part1) == "" {
		part1 = missingKeyPart
	}
	if strings.TrimSpace(part2) == "" {
		part2 = missingKeyPart
	}
	key := fmt.Sprintf("%s_%s_%s", source, sanitizeKeyPart(part1), sanitizeKeyPart(part2))
	if len(key) > recall.MaxIdentityKeyLen {
		key = key[:recall.MaxIdentityKeyLen]
	}
	return key
}

func sanitizeKeyPart(s string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.TrimSpace(s), "_"), "_")
}

// Record normalizes one raw record into the canonical entity. The overlay is
// left empty; reconciliation decides whether an existing overlay survives.
func Record(raw RawRecord, now time.Time) recall.Record {
	core := make(map[string]string, len(raw.Fields)+1)
	for k, v := range raw.Fields {
		core[k] = v
	}
	if raw.Title != "" {
		core["title"] = raw.Title
	}
	if raw.Distribution != "" {
		core["distribution"] = raw.Distribution
	}

	return recall.Record{
		IdentityKey:    DeriveKey(raw.Source, raw.NaturalKey1, raw.NaturalKey2),
		Source:         raw.Source,
		CoreFields:     core,
		AffectedStates: ParseStates(raw.Distribution),
		LastSyncedAt:   now.UTC(),
	}
}
