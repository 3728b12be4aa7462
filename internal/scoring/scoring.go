// Package scoring implements the deterministic severity heuristic used to
// triage feedback. It has no dependencies and performs no I/O.
package scoring

import (
	"regexp"
	"strings"
)

// MaxScore is the upper bound of a severity score.
const MaxScore = 10

// UnderRadarThreshold is the minimum heuristic score that flags an item on
// its own.
const UnderRadarThreshold = 5

// NormalReason is the reason reported when no rule fired.
const NormalReason = "Normal feedback"

const (
	criticalWeight   = 3
	highWeight       = 1
	productionWeight = 2
	audienceWeight   = 1
	scaleWeight      = 1
	emphasisWeight   = 1
)

var criticalKeywords = []string{
	"urgent", "critical", "production down", "prod down", "incident",
	"blocked", "blocking", "breaking", "broken", "down", "failed",
	"timeout", "error", "bug", "unacceptable",
}

var highKeywords = []string{
	"issue", "problem", "confusing", "unexpected", "inconsistent",
	"frustrated", "disappointed", "concerned",
}

// counts like 12k, comma-grouped numbers, or 4+ digit numbers
var scalePattern = regexp.MustCompile(`\d+k|\d+,\d+|\d{4,}`)

// Result is the outcome of scoring a piece of content.
type Result struct {
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// Score rates content on a 0..MaxScore scale and explains which rules fired.
func Score(content string) Result {
	text := strings.ToLower(content)

	var (
		score   int
		reasons []string
	)

	if hits := matchAll(text, criticalKeywords); len(hits) > 0 {
		score += len(hits) * criticalWeight
		reasons = append(reasons, "Critical keywords detected: "+strings.Join(hits, ", "))
	}

	if hits := matchAll(text, highKeywords); len(hits) > 0 {
		score += len(hits) * highWeight
		reasons = append(reasons, "High-severity keywords: "+strings.Join(hits, ", "))
	}

	if strings.Contains(text, "production") || strings.Contains(text, "prod") {
		score += productionWeight
		reasons = append(reasons, "Production environment mentioned")
	}

	if strings.Contains(text, "customer") || strings.Contains(text, "user") {
		score += audienceWeight
		reasons = append(reasons, "Customer/user impact mentioned")
	}

	if found := scalePattern.FindAllString(text, -1); len(found) > 0 {
		score += scaleWeight
		reasons = append(reasons, "Scale indicators found: "+strings.Join(found, ", "))
	}

	if strings.Count(text, "!") >= 2 {
		score += emphasisWeight
		reasons = append(reasons, "Strong emotional language detected")
	}

	if score > MaxScore {
		score = MaxScore
	}

	reason := NormalReason
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}
	return Result{Score: score, Reason: reason}
}

// IsUnderRadar reports whether a heuristic score alone qualifies for a flag.
func IsUnderRadar(score int) bool {
	return score >= UnderRadarThreshold
}

func matchAll(text string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}
