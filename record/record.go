// Package record stores the diagnostic data of loop runs.  Datasets are
// append-only series of rows; frames are images; a run ends with a Summary.
package record

import (
	"errors"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/shao/wfs"
)

// dataset names written by the loop
const (
	SlopeX      = "slope_x"
	SlopeY      = "slope_y"
	Slope       = "slope"
	ZernErr     = "zern_err"
	Voltages    = "voltages"
	LoopState   = "loop_state"
	AOImage     = "AO_img"
	SlopeXScan  = "slope_x_detect"
	SlopeYScan  = "slope_y_detect"
	ZernScan    = "zern_coeffs_detect"
	RMSScan     = "rms_zern_detect"
	StrehlScan  = "strehl_detect"
	VoltageScan = "voltages_detect"
)

// ErrClosed is returned by a sink written after Close
var ErrClosed = errors.New("record: sink closed")

// DepthSummary is the loop at one focus depth: its final state and the
// residual series of every successful iteration
type DepthSummary struct {
	Depth      float64 `yaml:"Depth"`
	LoopNum    int     `yaml:"LoopNum"`
	RMS        float64 `yaml:"RMS"`
	RMSPartial float64 `yaml:"RMSPartial"`
	Strehl     float64 `yaml:"Strehl"`
	Converged  bool    `yaml:"Converged"`

	Iterations       []int     `yaml:"Iterations,omitempty"`
	RMSSeries        []float64 `yaml:"RMSSeries,omitempty"`
	RMSPartialSeries []float64 `yaml:"RMSPartialSeries,omitempty"`
	StrehlSeries     []float64 `yaml:"StrehlSeries,omitempty"`
}

// Summary closes a run
type Summary struct {
	RunID   string         `yaml:"RunID"`
	Variant string         `yaml:"Variant"`
	Status  string         `yaml:"Status"`
	Error   string         `yaml:"Error,omitempty"`
	Start   time.Time      `yaml:"Start"`
	Elapsed time.Duration  `yaml:"Elapsed"`
	Depths  []DepthSummary `yaml:"Depths"`
}

// Sink receives the data of a run.  Rows and frames passed to it may be
// retained; callers must not modify them afterwards.
type Sink interface {
	Append(dataset string, row []float64) error
	AppendFrame(dataset string, f wfs.Frame) error
	Finalize(s Summary) error
}

// Discard is a Sink that drops everything
type Discard struct{}

// Append implements Sink
func (Discard) Append(string, []float64) error { return nil }

// AppendFrame implements Sink
func (Discard) AppendFrame(string, wfs.Frame) error { return nil }

// Finalize implements Sink
func (Discard) Finalize(Summary) error { return nil }

// Memory is a Sink that keeps everything in memory.  It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	datasets  map[string][][]float64
	frames    map[string][]wfs.Frame
	summaries []Summary
}

// NewMemory returns an empty memory sink
func NewMemory() *Memory {
	return &Memory{datasets: map[string][][]float64{}, frames: map[string][]wfs.Frame{}}
}

// Append implements Sink
func (m *Memory) Append(dataset string, row []float64) error {
	m.mu.Lock()
	m.datasets[dataset] = append(m.datasets[dataset], row)
	m.mu.Unlock()
	return nil
}

// AppendFrame implements Sink
func (m *Memory) AppendFrame(dataset string, f wfs.Frame) error {
	m.mu.Lock()
	m.frames[dataset] = append(m.frames[dataset], f)
	m.mu.Unlock()
	return nil
}

// Finalize implements Sink
func (m *Memory) Finalize(s Summary) error {
	m.mu.Lock()
	m.summaries = append(m.summaries, s)
	m.mu.Unlock()
	return nil
}

// Rows returns the rows of a dataset
func (m *Memory) Rows(dataset string) [][]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]float64(nil), m.datasets[dataset]...)
}

// Frames returns the frames of a dataset
func (m *Memory) Frames(dataset string) []wfs.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]wfs.Frame(nil), m.frames[dataset]...)
}

// Summaries returns every summary finalized so far
func (m *Memory) Summaries() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Summary(nil), m.summaries...)
}
