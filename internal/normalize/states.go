package normalize

import (
	"regexp"
	"sort"
	"strings"

	"github.com/platewatch/recall-monitor/internal/recall"
)

// stateNames maps USPS codes to full state names, including DC and the
// territories that appear in FDA distribution statements.
var stateNames = map[string]string{
	"AL": "Alabama", "AK": "Alaska", "AZ": "Arizona", "AR": "Arkansas",
	"CA": "California", "CO": "Colorado", "CT": "Connecticut", "DE": "Delaware",
	"FL": "Florida", "GA": "Georgia", "HI": "Hawaii", "ID": "Idaho",
	"IL": "Illinois", "IN": "Indiana", "IA": "Iowa", "KS": "Kansas",
	"KY": "Kentucky", "LA": "Louisiana", "ME": "Maine", "MD": "Maryland",
	"MA": "Massachusetts", "MI": "Michigan", "MN": "Minnesota", "MS": "Mississippi",
	"MO": "Missouri", "MT": "Montana", "NE": "Nebraska", "NV": "Nevada",
	"NH": "New Hampshire", "NJ": "New Jersey", "NM": "New Mexico", "NY": "New York",
	"NC": "North Carolina", "ND": "North Dakota", "OH": "Ohio", "OK": "Oklahoma",
	"OR": "Oregon", "PA": "Pennsylvania", "RI": "Rhode Island", "SC": "South Carolina",
	"SD": "South Dakota", "TN": "Tennessee", "TX": "Texas", "UT": "Utah",
	"VT": "Vermont", "VA": "Virginia", "WA": "Washington", "WV": "West Virginia",
	"WI": "Wisconsin", "WY": "Wyoming",
	"DC": "District of Columbia", "PR": "Puerto Rico", "GU": "Guam", "VI": "Virgin Islands",
}

// nameToCode is the reverse index, lower-cased names to codes.
var nameToCode = func() map[string]string {
	m := make(map[string]string, len(stateNames))
	for code, name := range stateNames {
		m[strings.ToLower(name)] = code
	}
	return m
}()

// nationwideIndicators are the phrases that mean a recall touches every
// state. Any one of them wins over individually listed states.
var nationwideIndicators = []string{
	"nationwide",
	"nation wide",
	"nationally",
	"all states",
	"all 50 states",
	"throughout the us",
	"throughout the u.s",
	"throughout the united states",
	"across the united states",
	"distributed nationally",
}

// codePattern matches standalone uppercase USPS codes ("CA, NY and TX").
// Lowercase two-letter words ("in", "or", "me") are deliberately not matched.
// Word boundaries do not consume separators, so adjacent codes ("CA NV AZ")
// all match.
var codePattern = regexp.MustCompile(`\b[A-Z]{2}\b`)

// ParseStates extracts affected state codes from a free-text distribution
// statement. Policy: a nationwide indicator wins and yields only the
// nationwide sentinel; otherwise every matched code or full name is
// included; an empty parse falls back to nationwide, because over-notifying
// beats missing affected consumers.
func ParseStates(distribution string) []string {
	text := strings.TrimSpace(distribution)
	if text == "" {
		return []string{recall.Nationwide}
	}

	lower := strings.ToLower(text)
	for _, phrase := range nationwideIndicators {
		if strings.Contains(lower, phrase) {
			return []string{recall.Nationwide}
		}
	}

	found := make(map[string]struct{})

	for _, code := range codePattern.FindAllString(text, -1) {
		if _, ok := stateNames[code]; ok {
			found[code] = struct{}{}
		}
	}

	for name, code := range nameToCode {
		if containsWord(lower, name) {
			found[code] = struct{}{}
		}
	}

	if len(found) == 0 {
		return []string{recall.Nationwide}
	}

	codes := make([]string, 0, len(found))
	for code := range found {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// containsWord reports whether needle occurs in haystack bounded by
// non-letter characters. "Kansas" must not match inside "Arkansas".
func containsWord(haystack, needle string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], needle)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(needle)
		beforeOK := start == 0 || !isLetter(haystack[start-1])
		afterOK := end == len(haystack) || !isLetter(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// StateName returns the full name for a USPS code, or the code itself when
// unknown.
func StateName(code string) string {
	if name, ok := stateNames[code]; ok {
		return name
	}
	return code
}

// KnownState reports whether the code is a recognized state or territory.
func KnownState(code string) bool {
	_, ok := stateNames[code]
	return ok
}
