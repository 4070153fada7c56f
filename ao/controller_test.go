package ao

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/shao/calibration"
	"github.jpl.nasa.gov/bdube/shao/focus"
	"github.jpl.nasa.gov/bdube/shao/mock"
	"github.jpl.nasa.gov/bdube/shao/record"
	"github.jpl.nasa.gov/bdube/shao/wfs"
	"github.jpl.nasa.gov/bdube/shao/zernike"
)

var aberration = []float64{0.05, 0.04, 0.1, 0.08, 0.06}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ControlCoeffs = 5
	cfg.LoopGain = 0.3
	cfg.Tolerance = 0.8
	cfg.SettleTime = 0
	cfg.FrameHeight = 64
	cfg.FrameWidth = 64
	cfg.FramePreviewRate = 0
	return cfg
}

func newRig(t *testing.T, opts mock.Options) (*Controller, *mock.Instrument, *record.Memory) {
	t.Helper()
	cal, err := mock.NewCalibration(12, 6, 8, 5, 7)
	require.NoError(t, err)
	opts.ControlCoeffs = 5
	in, err := mock.New(cal, opts)
	require.NoError(t, err)
	mem := record.NewMemory()
	c := &Controller{
		Camera:      in,
		Extractor:   in,
		Mirror:      in,
		Calibration: cal,
		Sink:        mem,
		Config:      testConfig(),
	}
	return c, in, mem
}

// strehlAt is the Strehl ratio after i corrections of the plant
func strehlAt(partial []float64, gain float64, i int) float64 {
	return zernike.Strehl(zernike.RMS(partial)*math.Pow(1-gain, float64(i)), 0.5)
}

func TestPlainConverges(t *testing.T) {
	c, in, mem := newRig(t, mock.Options{Aberration: aberration})
	res, err := c.Run(context.Background(), Plain)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Status)
	assert.Equal(t, Plain, res.Variant)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Depths, 1)

	d := res.Depths[0]
	assert.Equal(t, 4, d.LoopNum)
	require.Len(t, d.States, 5)
	for i := 1; i < len(d.States); i++ {
		assert.Greater(t, d.States[i].Strehl, d.States[i-1].Strehl)
		assert.LessOrEqual(t, d.States[i].RMSPartial, d.States[i].RMS)
	}
	last, ok := d.Last()
	require.True(t, ok)
	assert.True(t, last.Converged)
	assert.InDelta(t, strehlAt([]float64{0, 0, 0.1, 0.08, 0.06}, 0.3, 4), last.Strehl, 1e-6)
	assert.False(t, d.States[3].Converged)

	assert.Len(t, mem.Rows(record.ZernErr), 5)
	assert.Len(t, mem.Rows(record.LoopState), 5)
	assert.Len(t, mem.Rows(record.Voltages), 5)
	assert.Len(t, mem.Frames(record.AOImage), 5)
	require.Len(t, mem.Summaries(), 1)
	assert.Equal(t, "Completed", mem.Summaries()[0].Status)
	ds := mem.Summaries()[0].Depths[0]
	assert.Equal(t, 4, ds.LoopNum)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ds.Iterations)
	require.Len(t, ds.StrehlSeries, 5)
	assert.Len(t, ds.RMSSeries, 5)
	assert.Len(t, ds.RMSPartialSeries, 5)
	for i, st := range d.States {
		assert.Equal(t, st.Strehl, ds.StrehlSeries[i])
		assert.Equal(t, st.RMSPartial, ds.RMSPartialSeries[i])
	}

	for _, m := range in.Modes() {
		assert.Equal(t, wfs.ModePlain, m)
	}
	_, sends, _ := in.Stats()
	assert.Equal(t, 5, sends)
}

func TestPartialLeavesDefocus(t *testing.T) {
	c, in, mem := newRig(t, mock.Options{Aberration: aberration})
	res, err := c.Run(context.Background(), PartialCorrection)
	require.NoError(t, err)
	d := res.Depths[0]
	assert.Equal(t, 4, d.LoopNum)
	last, _ := d.Last()
	assert.InDelta(t, strehlAt([]float64{0, 0, 0.1, 0, 0.06}, 0.3, 4), last.Strehl, 1e-6)

	rows := mem.Rows(record.ZernErr)
	final := rows[len(rows)-1]
	assert.InDelta(t, 0.08, final[3], 1e-9, "defocus is left to the focus sequencer")
	assert.InDelta(t, 0.05, final[0], 1e-9)
	assert.InDelta(t, 0.1*math.Pow(0.7, 4), final[2], 1e-9)
	assert.Equal(t, wfs.ModePartial, in.Modes()[0])
}

func TestZeroToleranceRunsToLoopMax(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{Aberration: aberration})
	c.Config.Tolerance = 0
	c.Config.LoopMax = 6
	res, err := c.Run(context.Background(), Plain)
	require.NoError(t, err)
	d := res.Depths[0]
	assert.Equal(t, 6, d.LoopNum)
	assert.Len(t, d.States, 7)
	for _, s := range d.States {
		assert.False(t, s.Converged)
	}
}

func TestLoopMaxZeroRunsOnce(t *testing.T) {
	c, in, _ := newRig(t, mock.Options{Aberration: aberration})
	c.Config.LoopMax = 0
	res, err := c.Run(context.Background(), Plain)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Depths[0].LoopNum)
	assert.Len(t, res.Depths[0].States, 1)
	_, sends, _ := in.Stats()
	assert.Equal(t, 1, sends)
}

func TestCancelledBeforeStart(t *testing.T) {
	c, in, mem := newRig(t, mock.Options{Aberration: aberration})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Run(ctx, ObscurationAware)
	assert.NoError(t, err)
	assert.Equal(t, Cancelled, res.Status)
	assert.Equal(t, ObscurationAware, res.Variant)
	assert.Empty(t, res.Depths)
	_, sends, _ := in.Stats()
	assert.Zero(t, sends)
	assert.Equal(t, "Cancelled", mem.Summaries()[0].Status)
}

func TestCancelDuringRun(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{Aberration: aberration})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	progress := 0
	c.Observer = ObserverFunc(func(e Event) {
		if e.Kind == Progress {
			progress++
			if progress == 2 {
				cancel()
			}
		}
	})
	res, err := c.Run(ctx, Plain)
	assert.NoError(t, err)
	assert.Equal(t, Cancelled, res.Status)
	require.Len(t, res.Depths, 1)
	assert.Len(t, res.Depths[0].States, 2)
}

func TestObscurationRebuilds(t *testing.T) {
	c, in, mem := newRig(t, mock.Options{Aberration: aberration})
	c.Config.LoopMax = 2
	in.Obscure(3)
	var msgs []string
	c.Observer = ObserverFunc(func(e Event) {
		if e.Kind == Message {
			msgs = append(msgs, e.Message)
		}
	})
	res, err := c.Run(context.Background(), ObscurationAware)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, res.Depths[0].Removed)
	for _, row := range mem.Rows(record.SlopeX) {
		assert.Len(t, row, 11)
	}
	rebuilds := 0
	for _, m := range msgs {
		if strings.Contains(m, "Number of obscured subapertures: 1") {
			rebuilds++
		}
	}
	assert.Equal(t, 1, rebuilds, "the matrices are rebuilt only when the geometry changes")
	assert.Equal(t, wfs.ModeObscuration, in.Modes()[0])
}

func TestPlainIgnoresObscuration(t *testing.T) {
	c, in, mem := newRig(t, mock.Options{Aberration: aberration})
	c.Config.LoopMax = 0
	in.Obscure(3)
	res, err := c.Run(context.Background(), Plain)
	require.NoError(t, err)
	assert.Empty(t, res.Depths[0].Removed)
	assert.Len(t, mem.Rows(record.SlopeX)[0], 12)
}

func TestRankDeficientGeometryIsFatal(t *testing.T) {
	c, in, mem := newRig(t, mock.Options{Aberration: aberration})
	in.Obscure(0, 1, 2, 3, 4, 5, 6, 7)
	var kinds []EventKind
	c.Observer = ObserverFunc(func(e Event) {
		if e.Kind == Done || e.Kind == RunFailed {
			kinds = append(kinds, e.Kind)
		}
	})
	res, err := c.Run(context.Background(), ObscurationAndPartial)
	require.Error(t, err)
	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, []EventKind{RunFailed}, kinds)
	assert.Equal(t, "failed", RunFailed.String())
	assert.ErrorIs(t, err, calibration.ErrRankDeficient)
	var re *RunError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, res.RunID, re.RunID)
	assert.Equal(t, 0, re.Iteration)
	assert.Equal(t, "Failed", mem.Summaries()[0].Status)
	assert.NotEmpty(t, mem.Summaries()[0].Error)
}

func TestRecoverableFailuresAreSkipped(t *testing.T) {
	c, in, _ := newRig(t, mock.Options{Aberration: aberration})
	in.FailSends(2)
	res, err := c.Run(context.Background(), Plain)
	require.NoError(t, err)
	d := res.Depths[0]
	require.NotEmpty(t, d.States)
	assert.Equal(t, 2, d.States[0].Iteration)
	// the first good iteration reissues the initial command
	assert.InDelta(t, strehlAt([]float64{0, 0, 0.1, 0.08, 0.06}, 0.3, 0), d.States[0].Strehl, 1e-9)
	assert.Equal(t, 6, d.LoopNum)
}

func TestConsecutiveFailuresEscalate(t *testing.T) {
	c, in, _ := newRig(t, mock.Options{Aberration: aberration})
	c.Config.MaxConsecutiveFailures = 2
	in.TimeoutAll(true)
	res, err := c.Run(context.Background(), Plain)
	require.Error(t, err)
	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, err, ErrTooManyFailures)
	var re *RunError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 2, re.Iteration)
}

func TestTimedOutFramesAreAveragedAway(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{Aberration: aberration, TimeoutEvery: 2})
	c.Config.FrameCount = 2
	res, err := c.Run(context.Background(), Plain)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Depths[0].LoopNum)
}

func TestInjectionThenConfirm(t *testing.T) {
	c, _, mem := newRig(t, mock.Options{})
	c.Config.Injection.Enabled = true
	c.Config.Injection.Target = []float64{0, 0, 0.5}
	confirms := 0
	c.Confirm = func(ctx context.Context, msg string) error {
		confirms++
		assert.Contains(t, msg, "mode 2")
		return nil
	}
	res, err := c.Run(context.Background(), Plain)
	require.NoError(t, err)
	assert.Equal(t, 1, confirms)
	first := mem.Rows(record.ZernErr)[0]
	assert.InDelta(t, 0.5, first[2], 0.5*0.075)
	assert.Equal(t, 8, res.Depths[0].LoopNum)

	c.Confirm = func(context.Context, string) error { return errors.New("declined") }
	res, err = c.Run(context.Background(), Plain)
	assert.Error(t, err)
	assert.Equal(t, Failed, res.Status)
}

func TestModeInjectorGain(t *testing.T) {
	inj := DefaultConfig().Injection
	assert.Equal(t, 0.2, inj.Gain(0.2))
	assert.Equal(t, 0.2, inj.Gain(-0.1))
	assert.Equal(t, 0.3, inj.Gain(0.5))
	_, _, ok := inj.Mode()
	assert.False(t, ok)
	inj.Target = []float64{0, 0, 0, -0.3}
	mode, amp, ok := inj.Mode()
	assert.True(t, ok)
	assert.Equal(t, 3, mode)
	assert.Equal(t, -0.3, amp)
}

func focusPlan(steps int) *FocusPlan {
	return &FocusPlan{
		Params: focus.Params{Mode: focus.Sweep, Start: 0, Increment: 2, Steps: steps, StepIncrement: 1, IndexOffset: 2},
		Table:  focus.NewTable(mat.NewDense(8, 10, nil)),
	}
}

func TestFocusSweepRunsEachDepth(t *testing.T) {
	c, _, mem := newRig(t, mock.Options{Aberration: aberration})
	c.Focus = focusPlan(3)
	res, err := c.Run(context.Background(), PartialCorrection)
	require.NoError(t, err)
	require.Len(t, res.Depths, 3)
	for j, d := range res.Depths {
		assert.Equal(t, j, d.Step)
		assert.Equal(t, float64(2*j), d.Depth)
		assert.Equal(t, 4, d.LoopNum)
	}
	rows := mem.Rows(record.LoopState)
	assert.Len(t, rows, 15)
	assert.Equal(t, 2.0, rows[len(rows)-1][0])
	assert.Len(t, mem.Summaries()[0].Depths, 3)
}

func TestFocusPauseFollowsEveryDepth(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{Aberration: aberration})
	c.Focus = focusPlan(1)
	c.Focus.Params.Pause = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Observer = ObserverFunc(func(e Event) {
		if e.Kind == Progress && e.State.Converged {
			cancel()
		}
	})
	res, err := c.Run(ctx, PartialCorrection)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, res.Status, "the single depth is followed by its pause")
	require.Len(t, res.Depths, 1)
	assert.Equal(t, 4, res.Depths[0].LoopNum)
}

func TestFocusIndexOutOfRangeIsFatal(t *testing.T) {
	c, in, _ := newRig(t, mock.Options{Aberration: aberration})
	c.Focus = focusPlan(10)
	res, err := c.Run(context.Background(), PartialCorrection)
	require.Error(t, err)
	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, err, focus.ErrIndexOutOfRange)
	_, sends, _ := in.Stats()
	assert.Zero(t, sends)
}

func TestInvalidConfigFails(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{Aberration: aberration})
	c.Config.Bias = []float64{1, 2}
	_, err := c.Run(context.Background(), Plain)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestScan(t *testing.T) {
	c, in, mem := newRig(t, mock.Options{Aberration: aberration})
	c.Focus = focusPlan(3)
	in.Obscure(5)
	res, err := c.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Status)
	require.Len(t, res.Steps, 3)
	for _, s := range res.Steps {
		assert.Equal(t, []int{5}, s.Removed)
		assert.Len(t, s.Coeffs, 5)
		assert.Greater(t, s.Strehl, 0.0)
		assert.LessOrEqual(t, s.Strehl, 1.0)
	}
	assert.Len(t, mem.Rows(record.StrehlScan), 3)
	assert.Len(t, mem.Rows(record.SlopeXScan)[0], 11)
	assert.Equal(t, "scan", mem.Summaries()[0].Variant)
	// the mirror is left uncorrected
	_, sends, _ := in.Stats()
	assert.Equal(t, 3, sends)
}

func TestScanWithoutFocus(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{})
	res, err := c.Scan(context.Background())
	assert.ErrorIs(t, err, ErrNoFocus)
	assert.Equal(t, Failed, res.Status)
}
