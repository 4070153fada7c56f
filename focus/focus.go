// Package focus plans remote focusing: the sequence of depths the loop is run
// at and the defocus voltages that place the focal plane at each depth.
package focus

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/shao/imgrec"
)

// ErrIndexOutOfRange is generated when a depth maps outside of the voltage table
var ErrIndexOutOfRange = errors.New("focus: depth index out of range of the voltage table")

// Mode is the focusing mode
type Mode string

const (
	// Single focuses at one depth
	Single Mode = "single"

	// Sweep focuses at Steps depths starting at Start, Increment apart
	Sweep Mode = "sweep"
)

// Params holds the focus settings of one run.  Depths share the units of StepIncrement.
type Params struct {
	Mode Mode `yaml:"Mode"`

	// Depth is the focus depth in Single mode
	Depth float64 `yaml:"Depth"`

	// Start, Increment and Steps describe a sweep
	Start     float64 `yaml:"Start"`
	Increment float64 `yaml:"Increment"`
	Steps     int     `yaml:"Steps"`

	// StepIncrement is the depth spacing of the columns of the voltage table
	StepIncrement float64 `yaml:"StepIncrement"`

	// IndexOffset is the column of depth zero
	IndexOffset int `yaml:"IndexOffset"`

	// Pause is the wait between depths
	Pause time.Duration `yaml:"Pause"`
}

// Step is one depth of a focus plan
type Step struct {
	// Index is the column of the voltage table
	Index int

	// Depth is the label of the step
	Depth float64

	// Bias is the defocus voltage vector added to the mirror bias
	Bias []float64
}

// Table is a read-only actuators x depth-index voltage table
type Table struct {
	m *mat.Dense
}

// NewTable copies m, actuators x depths
func NewTable(m mat.Matrix) *Table {
	return &Table{m: mat.DenseCopyOf(m)}
}

// LoadFITS reads a table from a FITS image with NAXIS1 = depths
func LoadFITS(fn string) (*Table, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := imgrec.ReadMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("focus: reading %s: %w", fn, err)
	}
	return &Table{m: m}, nil
}

// Actuators is the length of each column
func (t *Table) Actuators() int {
	r, _ := t.m.Dims()
	return r
}

// Depths is the number of columns
func (t *Table) Depths() int {
	_, c := t.m.Dims()
	return c
}

// Column returns a copy of column idx
func (t *Table) Column(idx int) ([]float64, error) {
	if idx < 0 || idx >= t.Depths() {
		return nil, fmt.Errorf("%w: index %d, table has %d columns", ErrIndexOutOfRange, idx, t.Depths())
	}
	return mat.Col(nil, idx, t.m), nil
}

// ParseMode converts a string to a focus mode, case insensitive
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case Single:
		return Single, nil
	case Sweep:
		return Sweep, nil
	}
	return "", fmt.Errorf("focus: unknown mode %q", s)
}

// Plan computes the steps of p against t
func Plan(p Params, t *Table) ([]Step, error) {
	if p.StepIncrement <= 0 || math.IsNaN(p.StepIncrement) {
		return nil, fmt.Errorf("focus: step increment must be positive, got %v", p.StepIncrement)
	}
	if t == nil {
		return nil, fmt.Errorf("focus: no voltage table")
	}
	type entry struct {
		idx   int
		depth float64
	}
	var entries []entry
	switch p.Mode {
	case Single:
		entries = append(entries, entry{floorDiv(p.Depth, p.StepIncrement) + p.IndexOffset, p.Depth})
	case Sweep:
		if p.Steps <= 0 {
			return nil, fmt.Errorf("focus: a sweep needs at least one step, got %d", p.Steps)
		}
		base := floorDiv(p.Start, p.StepIncrement)
		incr := floorDiv(p.Increment, p.StepIncrement)
		for j := 0; j < p.Steps; j++ {
			entries = append(entries, entry{base + incr*j + p.IndexOffset, p.Start + p.Increment*float64(j)})
		}
	default:
		return nil, fmt.Errorf("focus: unknown mode %q", p.Mode)
	}
	steps := make([]Step, 0, len(entries))
	for _, e := range entries {
		col, err := t.Column(e.idx)
		if err != nil {
			return nil, fmt.Errorf("depth %v: %w", e.depth, err)
		}
		steps = append(steps, Step{Index: e.idx, Depth: e.depth, Bias: col})
	}
	return steps, nil
}

// floorDiv is floor(x / unit) as an int; it rounds toward -inf for negative x
func floorDiv(x, unit float64) int {
	return int(math.Floor(x / unit))
}
