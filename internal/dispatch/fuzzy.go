package dispatch

import (
	"regexp"
	"sort"
	"strings"
)

// fillerWordPattern strips generic nouns a user tacks onto a project name
// ("calculator app", "demo repo") before scoring, matching the ground
// truth's \b(app|project|repo|repository)\b strip in handlers.py. Without
// it, spec.md §8 Scenario #3's own example ("calculator app" vs.
// "calculator") scores below the 85-point auto-select threshold.
var fillerWordPattern = regexp.MustCompile(`(?i)\b(app|project|repo|repository)\b`)

// stripFillerWords removes filler words and collapses the resulting
// whitespace, so "calculator app" normalizes to "calculator" before it is
// ever scored against a candidate project name.
func stripFillerWords(query string) string {
	stripped := fillerWordPattern.ReplaceAllString(query, "")
	return strings.Join(strings.Fields(stripped), " ")
}

// match pairs a candidate project name with its similarity score against a
// query, on a 0-100 scale (spec.md §6 select_project: ">=85 auto-select").
//
// No ecosystem fuzzy-matching or edit-distance library turned up anywhere in
// the example corpus (checked for fuzzy/levenshtein/Ratio( across every
// example repo); this is a hand-rolled classic Levenshtein-ratio scorer,
// loosely in the token-scoring style of nugget-thane-ai-agent's find_entity.go
// but using edit distance so the result matches the spec's 0-100 threshold
// language directly.
type match struct {
	name  string
	score int
}

// rankByRatio scores every candidate against query and returns them sorted by
// descending score.
func rankByRatio(query string, candidates []string) []match {
	q := strings.ToLower(stripFillerWords(query))
	matches := make([]match, 0, len(candidates))
	for _, c := range candidates {
		matches = append(matches, match{name: c, score: levenshteinRatio(q, strings.ToLower(c))})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	return matches
}

// levenshteinRatio converts edit distance into a 0-100 similarity score,
// matching the common "ratio" formula: 100 * (1 - distance/maxLen).
func levenshteinRatio(a, b string) int {
	if a == "" && b == "" {
		return 100
	}
	dist := levenshteinDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 100
	}
	ratio := 1.0 - float64(dist)/float64(maxLen)
	if ratio < 0 {
		ratio = 0
	}
	return int(ratio*100 + 0.5)
}

func levenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
