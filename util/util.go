// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// Limiter holds a closed interval [Min, Max].  The zero value imposes no limit.
type Limiter struct {
	Min float64 `yaml:"Min" koanf:"Min"`
	Max float64 `yaml:"Max" koanf:"Max"`
}

// Active is true if the limiter describes a non-empty interval
func (l Limiter) Active() bool {
	return l.Max > l.Min
}

// Check returns true if the value is within the limits, or the limiter is inactive
func (l Limiter) Check(f float64) bool {
	if !l.Active() {
		return true
	}
	return f >= l.Min && f <= l.Max
}

// Clamp returns f restricted to [Min, Max]
func (l Limiter) Clamp(f float64) float64 {
	if !l.Active() {
		return f
	}
	if f < l.Min {
		return l.Min
	}
	if f > l.Max {
		return l.Max
	}
	return f
}
