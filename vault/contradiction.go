package vault

import (
	"fmt"
	"regexp"
	"strings"
)

type (
	// ContradictionPair records two claims found to contradict.
	ContradictionPair struct {
		A      string `json:"a"`
		B      string `json:"b"`
		Kind   string `json:"kind"` // opposite-negation, opposite-value, mutually-exclusive
		Reason string `json:"reason"`
	}

	// ContradictionReport is the outcome of a pairwise claim comparison.
	ContradictionReport struct {
		Pairs    []ContradictionPair `json:"pairs"`
		Severity string              `json:"severity"` // low, medium, high
	}
)

// negationTokens flag a negated claim.
var negationTokens = map[string]bool{
	"not": true, "no": true, "never": true, "none": true,
	"cannot": true, "can't": true, "won't": true, "don't": true,
	"doesn't": true, "isn't": true, "aren't": true, "without": true,
}

// oppositePairs are value words that contradict when the rest of the claim
// matches.
var oppositePairs = [][2]string{
	{"true", "false"},
	{"yes", "no"},
	{"allowed", "forbidden"},
	{"enabled", "disabled"},
	{"on", "off"},
	{"open", "closed"},
	{"valid", "invalid"},
	{"correct", "incorrect"},
}

var mustBePattern = regexp.MustCompile(`(?i)^(.*?)\s+must\s+be\s+(.*)$`)

// similarityThreshold is the Jaccard cutoff above which two claims are
// considered to be about the same thing.
const similarityThreshold = 0.8

// CheckContradiction compares two claim sets pairwise and reports every
// contradicting pair with an aggregate severity: no pairs is low, one is
// medium, two or more is high.
func CheckContradiction(a, b []string) *ContradictionReport {
	report := &ContradictionReport{}
	for _, ca := range a {
		for _, cb := range b {
			if pair, ok := contradicts(ca, cb); ok {
				report.Pairs = append(report.Pairs, pair)
			}
		}
	}
	switch {
	case len(report.Pairs) >= 2:
		report.Severity = "high"
	case len(report.Pairs) == 1:
		report.Severity = "medium"
	default:
		report.Severity = "low"
	}
	return report
}

func contradicts(a, b string) (ContradictionPair, bool) {
	ta := tokenize(a)
	tb := tokenize(b)

	// Opposite negation: exactly one side negated, remainder near-identical.
	negA, restA := stripNegation(ta)
	negB, restB := stripNegation(tb)
	if negA != negB && jaccard(restA, restB) > similarityThreshold {
		return ContradictionPair{
			A: a, B: b, Kind: "opposite-negation",
			Reason: "one claim negates the other",
		}, true
	}

	// Opposite value: a known value pair with a matching remainder.
	for _, pair := range oppositePairs {
		la, ra := extractValue(ta, pair)
		lb, rb := extractValue(tb, pair)
		if la != "" && lb != "" && la != lb && jaccard(ra, rb) > similarityThreshold {
			return ContradictionPair{
				A: a, B: b, Kind: "opposite-value",
				Reason: fmt.Sprintf("opposite values %q and %q", la, lb),
			}, true
		}
	}

	// Mutually exclusive: "X must be Y" with same subject, different values.
	ma := mustBePattern.FindStringSubmatch(strings.TrimSpace(a))
	mb := mustBePattern.FindStringSubmatch(strings.TrimSpace(b))
	if ma != nil && mb != nil {
		subjA := strings.ToLower(strings.TrimSpace(ma[1]))
		subjB := strings.ToLower(strings.TrimSpace(mb[1]))
		valA := strings.ToLower(strings.TrimSpace(ma[2]))
		valB := strings.ToLower(strings.TrimSpace(mb[2]))
		if subjA == subjB && valA != valB {
			return ContradictionPair{
				A: a, B: b, Kind: "mutually-exclusive",
				Reason: fmt.Sprintf("%q must be both %q and %q", subjA, valA, valB),
			}, true
		}
	}

	return ContradictionPair{}, false
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// stripNegation reports whether the tokens contain a negation and returns the
// remainder.
func stripNegation(tokens []string) (bool, []string) {
	neg := false
	rest := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if negationTokens[strings.Trim(t, ".,;:!?")] {
			neg = true
			continue
		}
		rest = append(rest, t)
	}
	return neg, rest
}

// extractValue pulls the first token matching either side of the pair and
// returns it with the remaining tokens.
func extractValue(tokens []string, pair [2]string) (string, []string) {
	value := ""
	rest := make([]string, 0, len(tokens))
	for _, t := range tokens {
		clean := strings.Trim(t, ".,;:!?")
		if value == "" && (clean == pair[0] || clean == pair[1]) {
			value = clean
			continue
		}
		rest = append(rest, t)
	}
	return value, rest
}

// jaccard is set similarity over token sets; two empty sets are identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
