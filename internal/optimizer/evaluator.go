package optimizer

import (
	"strconv"
	"strings"
)

// improveEpsilon guards the improved/not-improved decision against
// floating-point noise on ties.
const improveEpsilon = 0.001

// Matcher judges whether an extracted value is equivalent to ground truth.
// The evaluator only reduces judgments to a ratio; equivalence policy lives
// behind this interface so callers can plug in their own comparison service.
type Matcher interface {
	Match(extracted, groundTruth string) bool
}

// MatchFunc adapts a plain function to the Matcher interface.
type MatchFunc func(extracted, groundTruth string) bool

func (f MatchFunc) Match(extracted, groundTruth string) bool {
	return f(extracted, groundTruth)
}

// Score reduces a sequence of match judgments to an accuracy in [0,1].
// An empty sample yields 0 by convention, never an error: it signals
// "nothing to optimize against" and callers treat it as unmeasurable.
func Score(judgments []bool) float64 {
	if len(judgments) == 0 {
		return 0
	}
	matched := 0
	for _, ok := range judgments {
		if ok {
			matched++
		}
	}
	return float64(matched) / float64(len(judgments))
}

// NormalizingMatcher is the default equivalence policy: trim, case-fold,
// collapse whitespace, and treat numerically equal strings ("7" vs "7.00")
// as matches.
type NormalizingMatcher struct{}

func (NormalizingMatcher) Match(extracted, groundTruth string) bool {
	a := normalizeValue(extracted)
	b := normalizeValue(groundTruth)
	if a == b {
		return true
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		diff := fa - fb
		if diff < 0 {
			diff = -diff
		}
		return diff < 1e-9
	}
	return false
}

func normalizeValue(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
