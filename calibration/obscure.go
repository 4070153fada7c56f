package calibration

import (
	"fmt"
	"math"
	"strings"
)

// ObscurationPolicy decides which subapertures are obscured from the raw x slopes.
// An extractor that finds no spot in a subaperture reports a centroid of zero,
// so its slope is the negated reference coordinate.
type ObscurationPolicy string

const (
	// Exact flags subapertures where slope_x + ref_x == 0
	Exact ObscurationPolicy = "exact"

	// Snapped flags subapertures where slope_x + trunc(ref_x) + 1 == 0,
	// matching extractors that report integer pixel positions
	Snapped ObscurationPolicy = "snapped"
)

// ParseObscurationPolicy converts a string, case insensitive, to a policy.
// The empty string is Exact.
func ParseObscurationPolicy(s string) (ObscurationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Exact):
		return Exact, nil
	case string(Snapped):
		return Snapped, nil
	default:
		return "", fmt.Errorf("calibration: unknown obscuration policy %q", s)
	}
}

// Detect returns the indices, ascending, of the obscured subapertures
func (p ObscurationPolicy) Detect(slopeX, refX []float64) []int {
	var out []int
	n := len(slopeX)
	if len(refX) < n {
		n = len(refX)
	}
	for i := 0; i < n; i++ {
		var v float64
		if p == Snapped {
			v = slopeX[i] + math.Trunc(refX[i]) + 1
		} else {
			v = slopeX[i] + refX[i]
		}
		if v == 0 {
			out = append(out, i)
		}
	}
	return out
}
