// Package consensus tallies worker responses and decides whether a task's
// answers agree strongly enough to resolve it.
package consensus

import (
	"errors"
	"math"
)

// ErrNotEnoughResponses is returned when fewer than FanOut responses exist.
var ErrNotEnoughResponses = errors.New("not enough responses")

// Rules configures a tally.
type Rules struct {
	// FanOut is the number of responses required before deciding.
	FanOut int
	// MinAgreement is the smallest winning count that resolves the task.
	MinAgreement int
}

// DefaultRules is 2-of-3 agreement.
func DefaultRules() Rules { return Rules{FanOut: 3, MinAgreement: 2} }

// Result is the outcome of a tally.
type Result struct {
	Label      string
	Count      int
	Total      int
	Confidence float64 // percent, 0..100
	Reached    bool
	Counts     map[string]int
}

// Tally counts values in submission order. The winner is the value with the
// highest count; among equal counts the one that reached that count first
// wins. Consensus is reached when the winner has at least MinAgreement votes.
func Tally(values []string, r Rules) (Result, error) {
	if len(values) < r.FanOut || len(values) == 0 {
		return Result{}, ErrNotEnoughResponses
	}

	counts := make(map[string]int, len(values))
	var (
		label string
		best  int
	)
	for _, v := range values {
		counts[v]++
		// strictly greater keeps the first value to reach a given count
		if counts[v] > best {
			best = counts[v]
			label = v
		}
	}

	res := Result{
		Label:      label,
		Count:      best,
		Total:      len(values),
		Confidence: Confidence(best, len(values)),
		Reached:    best >= r.MinAgreement,
		Counts:     counts,
	}
	return res, nil
}

// Confidence returns count/total as a percentage rounded to two decimals.
func Confidence(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(count)/float64(total)*10000) / 100
}
