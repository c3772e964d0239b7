// Package capability matches a worker's declared capabilities against the
// capabilities a task requires.
//
// Only full coverage makes a task eligible. A worker that covers some but not
// all of a task's requirements never receives it, however high its priority.
// Specializations refine the order among eligible tasks and nothing else.
package capability

import (
	"sort"
	"strings"

	"github.com/duke-git/lancet/v2/slice"
)

// Normalize trims and lower-cases capability labels, drops blanks and
// duplicates, and returns them sorted. A nil or empty input yields nil.
func Normalize(caps []string) []string {
	if len(caps) == 0 {
		return nil
	}
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	out = slice.Unique(out)
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// Subset reports whether every required capability is present in have.
func Subset(required, have []string) bool {
	set := Normalize(have)
	for _, r := range Normalize(required) {
		if !slice.Contain(set, r) {
			return false
		}
	}
	return true
}

// Match is the outcome of scoring one task for one worker.
type Match struct {
	// Eligible is true only on full coverage.
	Eligible bool `json:"eligible"`
	// Coverage is |required ∩ worker| / |required|, 1.0 when nothing is required.
	Coverage float64 `json:"coverage"`
	// Bonus is the share of required capabilities the worker specializes
	// in. Zero for ineligible matches.
	Bonus float64 `json:"bonus"`
}

// Matcher scores capability sets.
type Matcher struct{}

// Score compares a task's required capabilities with a worker's declared
// capabilities and specializations.
func (Matcher) Score(required, worker, specializations []string) Match {
	req := Normalize(required)
	if len(req) == 0 {
		return Match{Eligible: true, Coverage: 1.0}
	}
	have := Normalize(worker)
	spec := Normalize(specializations)

	var covered, special int
	for _, r := range req {
		if slice.Contain(have, r) {
			covered++
			if slice.Contain(spec, r) {
				special++
			}
		}
	}
	m := Match{Coverage: float64(covered) / float64(len(req))}
	if covered == len(req) {
		m.Eligible = true
		m.Bonus = float64(special) / float64(len(req))
	}
	return m
}
