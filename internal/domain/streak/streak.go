// Package streak computes consecutive-day activity runs from per-day records.
package streak

import (
	"sort"
	"time"
)

// DayLayout is the calendar-day key format (UTC).
const DayLayout = "2006-01-02"

// Day returns the UTC calendar-day key of t.
func Day(t time.Time) string { return t.UTC().Format(DayLayout) }

// Run is a contiguous block of active days.
type Run struct {
	Start  string
	End    string
	Length int
}

// runs splits unique days into contiguous runs, newest first.
func runs(days []string) []Run {
	parsed := make([]time.Time, 0, len(days))
	seen := make(map[string]struct{}, len(days))
	for _, d := range days {
		if _, ok := seen[d]; ok {
			continue
		}
		t, err := time.Parse(DayLayout, d)
		if err != nil {
			continue
		}
		seen[d] = struct{}{}
		parsed = append(parsed, t)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].After(parsed[j]) })

	var out []Run
	for i, t := range parsed {
		if i > 0 && parsed[i-1].Sub(t) == 24*time.Hour {
			r := &out[len(out)-1]
			r.Start = t.Format(DayLayout)
			r.Length++
			continue
		}
		out = append(out, Run{Start: t.Format(DayLayout), End: t.Format(DayLayout), Length: 1})
	}
	return out
}

// Latest returns the run that ends at the most recent day, regardless of
// how long ago that was.
func Latest(days []string) Run {
	rs := runs(days)
	if len(rs) == 0 {
		return Run{}
	}
	return rs[0]
}

// Current returns the live run: the latest run when it ends today or
// yesterday, otherwise an empty run.
func Current(days []string, now time.Time) Run {
	r := Latest(days)
	if r.Length == 0 {
		return Run{}
	}
	today := Day(now)
	yesterday := Day(now.Add(-24 * time.Hour))
	if r.End != today && r.End != yesterday {
		return Run{}
	}
	return r
}

// Longest returns the length of the longest run.
func Longest(days []string) int {
	best := 0
	for _, r := range runs(days) {
		if r.Length > best {
			best = r.Length
		}
	}
	return best
}
