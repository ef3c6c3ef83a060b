// Package digest expands a send queue into per-subscriber digests. Each
// eligible subscriber gets at most one digest covering every recall relevant
// to their state selections, with a deterministic human-readable title.
package digest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/platewatch/recall-monitor/internal/recall"
)

// titleStateLimit caps how many state codes the title spells out before
// collapsing the rest into a count.
const titleStateLimit = 3

// Digest is one subscriber's rendered-ready share of a dispatch run.
type Digest struct {
	Subscriber recall.Subscriber
	Records    []recall.Record
	Title      string
}

// Expand computes the digest for every eligible subscriber. Subscribers with
// no relevant recalls are omitted; a recall relevant through several rules
// (own state plus nationwide, say) still appears exactly once. The input
// record order is preserved per digest so emails list recalls in fetch order.
func Expand(records []recall.Record, subscribers []recall.Subscriber) []Digest {
	if len(records) == 0 {
		return nil
	}

	var digests []Digest
	for _, sub := range subscribers {
		if !sub.Eligible() {
			continue
		}
		matched := relevantRecords(records, &sub)
		if len(matched) == 0 {
			continue
		}
		digests = append(digests, Digest{
			Subscriber: sub,
			Records:    matched,
			Title:      Title(matched, &sub),
		})
	}
	return digests
}

// relevantRecords returns the deduplicated subset of records relevant to the
// subscriber: state intersection, nationwide recall, or wildcard subscriber.
func relevantRecords(records []recall.Record, sub *recall.Subscriber) []recall.Record {
	subStates := make(map[string]struct{}, len(sub.States))
	for _, s := range sub.States {
		subStates[s] = struct{}{}
	}
	wildcard := sub.Wildcard()

	seen := make(map[string]struct{}, len(records))
	var matched []recall.Record
	for _, rec := range records {
		if _, dup := seen[rec.IdentityKey]; dup {
			continue
		}
		if !wildcard && !rec.IsNationwide() && !intersects(rec.EffectiveStates(), subStates) {
			continue
		}
		seen[rec.IdentityKey] = struct{}{}
		matched = append(matched, rec)
	}
	return matched
}

func intersects(states []string, set map[string]struct{}) bool {
	for _, s := range states {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// Title renders the digest subject fragment for a matched recall set.
// Wildcard subscribers whose every matched recall is nationwide get
// "N food recalls nationwide"; otherwise the sorted relevant states are
// spelled out up to three, with the remainder collapsed into a count. An
// empty state set falls back to the bare count.
func Title(matched []recall.Record, sub *recall.Subscriber) string {
	count := len(matched)
	noun := "recalls"
	if count == 1 {
		noun = "recall"
	}

	wildcard := sub.Wildcard()
	if wildcard && allNationwide(matched) {
		return fmt.Sprintf("%d food %s nationwide", count, noun)
	}

	states := relevantStates(matched, sub, wildcard)
	if len(states) == 0 {
		return fmt.Sprintf("%d food %s", count, noun)
	}

	if len(states) <= titleStateLimit {
		return fmt.Sprintf("%d food %s in %s", count, noun, strings.Join(states, ", "))
	}

	extra := len(states) - titleStateLimit
	stateNoun := "states"
	if extra == 1 {
		stateNoun = "state"
	}
	return fmt.Sprintf("%d food %s in %s (and %d other %s)",
		count, noun, strings.Join(states[:titleStateLimit], ", "), extra, stateNoun)
}

func allNationwide(matched []recall.Record) bool {
	for i := range matched {
		if !matched[i].IsNationwide() {
			return false
		}
	}
	return true
}

// relevantStates collects the sorted set of specific states the title names:
// every state touched by a matched recall for wildcard subscribers, otherwise
// the subscriber's own states that actually matched. The nationwide sentinel
// is never a named state.
func relevantStates(matched []recall.Record, sub *recall.Subscriber, wildcard bool) []string {
	touched := make(map[string]struct{})
	for i := range matched {
		for _, s := range matched[i].EffectiveStates() {
			if s != recall.Nationwide {
				touched[s] = struct{}{}
			}
		}
	}

	var states []string
	if wildcard {
		for s := range touched {
			states = append(states, s)
		}
	} else {
		for _, s := range sub.States {
			if _, ok := touched[s]; ok {
				states = append(states, s)
			}
		}
	}
	sort.Strings(states)
	return states
}
