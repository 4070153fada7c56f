// Package mirror describes deformable mirrors and provides an HTTP client and
// server for them
package mirror

import (
	"fmt"
	"sync"

	"github.jpl.nasa.gov/bdube/shao/util"
)

// Mirror is a deformable mirror.  Send does not wait for the surface to
// settle; callers sleep for the settle time themselves.
type Mirror interface {
	// Send applies a full voltage vector
	Send(v []float64) error

	// Reset returns the mirror to its rest state
	Reset() error
}

// Getter is a mirror that can report the last vector it was sent
type Getter interface {
	Last() ([]float64, error)
}

// Limited wraps a Mirror and clamps every element sent to it
type Limited struct {
	Mirror
	Limits util.Limiter

	mu      sync.Mutex
	clamped int
}

// Send clamps v into the limits and forwards it.  v is not modified.
func (l *Limited) Send(v []float64) error {
	out := make([]float64, len(v))
	n := 0
	for i, f := range v {
		out[i] = l.Limits.Clamp(f)
		if out[i] != f {
			n++
		}
	}
	l.mu.Lock()
	l.clamped += n
	l.mu.Unlock()
	return l.Mirror.Send(out)
}

// Clamped is the total number of elements clamped so far
func (l *Limited) Clamped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clamped
}

// Sized wraps a Mirror and rejects vectors of the wrong length
type Sized struct {
	Mirror
	Actuators int
}

// Send checks the length of v and forwards it
func (s Sized) Send(v []float64) error {
	if len(v) != s.Actuators {
		return fmt.Errorf("mirror: %d voltages for %d actuators", len(v), s.Actuators)
	}
	return s.Mirror.Send(v)
}
