package ao

import (
	"fmt"
	"time"

	"github.jpl.nasa.gov/bdube/shao/record"
)

// Status is how a run ended
type Status int

const (
	// Completed runs went through every depth
	Completed Status = iota

	// Cancelled runs were stopped by their context
	Cancelled

	// Failed runs hit a fatal error
	Failed
)

var statusNames = [...]string{"Completed", "Cancelled", "Failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LoopState is the measurement of one iteration
type LoopState struct {
	Iteration  int
	RMS        float64
	RMSPartial float64
	Strehl     float64
	Converged  bool
}

// DepthResult is the loop at one focus step
type DepthResult struct {
	// Step is the index of the focus step, Depth its label
	Step  int
	Depth float64

	// LoopNum is the iteration index at exit
	LoopNum int

	// States has one entry per successful iteration
	States []LoopState

	// Voltages is the last command that was measured
	Voltages []float64

	// Removed are the subapertures excluded at exit
	Removed []int
}

// Last returns the final state, ok is false if no iteration succeeded
func (d DepthResult) Last() (LoopState, bool) {
	if len(d.States) == 0 {
		return LoopState{}, false
	}
	return d.States[len(d.States)-1], true
}

// Result is the outcome of a run
type Result struct {
	RunID   string
	Variant Variant
	Status  Status
	Depths  []DepthResult
	Start   time.Time
	Elapsed time.Duration
}

// Summary converts the result for a record.Sink
func (r Result) Summary(err error) record.Summary {
	s := record.Summary{
		RunID:   r.RunID,
		Variant: r.Variant.String(),
		Status:  r.Status.String(),
		Start:   r.Start,
		Elapsed: r.Elapsed,
	}
	if err != nil {
		s.Error = err.Error()
	}
	for _, d := range r.Depths {
		ds := record.DepthSummary{Depth: d.Depth, LoopNum: d.LoopNum}
		if last, ok := d.Last(); ok {
			ds.RMS = last.RMS
			ds.RMSPartial = last.RMSPartial
			ds.Strehl = last.Strehl
			ds.Converged = last.Converged
		}
		for _, st := range d.States {
			ds.Iterations = append(ds.Iterations, st.Iteration)
			ds.RMSSeries = append(ds.RMSSeries, st.RMS)
			ds.RMSPartialSeries = append(ds.RMSPartialSeries, st.RMSPartial)
			ds.StrehlSeries = append(ds.StrehlSeries, st.Strehl)
		}
		s.Depths = append(s.Depths, ds)
	}
	return s
}
