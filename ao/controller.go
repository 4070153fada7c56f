/*Package ao runs the closed adaptive optics loop: a Shack-Hartmann sensor is
read, its slopes converted to Zernike coefficients and the deformable mirror
corrected until the Strehl ratio reaches a tolerance.

One Controller type covers the four loop variants.  Obscured subapertures
are dropped and the matrices rebuilt by the obscuration variants; the partial
variants leave defocus out of the correction so a remote focusing table can
drive it, depth by depth.
*/
package ao

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/shao/calibration"
	"github.jpl.nasa.gov/bdube/shao/focus"
	"github.jpl.nasa.gov/bdube/shao/mirror"
	"github.jpl.nasa.gov/bdube/shao/record"
	"github.jpl.nasa.gov/bdube/shao/util"
	"github.jpl.nasa.gov/bdube/shao/wfs"
	"github.jpl.nasa.gov/bdube/shao/zernike"
)

// FocusPlan drives the mirror through a remote focusing table
type FocusPlan struct {
	Params focus.Params
	Table  *focus.Table
}

// ConfirmFunc blocks until the operator agrees to continue.  A non-nil error aborts the run.
type ConfirmFunc func(ctx context.Context, msg string) error

// Controller holds the instruments and calibration of the loop.  Run may be
// called repeatedly but not concurrently.
type Controller struct {
	Camera      wfs.Camera
	Extractor   wfs.SlopeExtractor
	Mirror      mirror.Mirror
	Calibration *calibration.Calibration

	// Focus enables remote focusing when not nil
	Focus *FocusPlan

	// Sink receives the diagnostic data; nil discards it
	Sink record.Sink

	// Confirm is called after a mode injection; nil continues at once
	Confirm ConfirmFunc

	// Observer receives the events of each run; may be nil
	Observer Observer

	Config Config
}

func (c *Controller) sink() record.Sink {
	if c.Sink == nil {
		return record.Discard{}
	}
	return c.Sink
}

// steps returns the focus plan, or a single step without defocus
func (c *Controller) steps() ([]focus.Step, error) {
	if c.Focus == nil {
		return []focus.Step{{Index: -1}}, nil
	}
	return focus.Plan(c.Focus.Params, c.Focus.Table)
}

// Run closes the loop with the given variant at every focus step.  The
// Result is returned in every case; its Status tells how the run ended.  The
// error is nil unless the run Failed, in which case it is a *RunError, or
// the record could not be finalized.
func (c *Controller) Run(ctx context.Context, v Variant) (Result, error) {
	res := Result{RunID: uuid.NewString(), Variant: v, Start: time.Now()}
	em := newEmitter(c.Observer, res.RunID, v, c.Config.FramePreviewRate)
	em.send(Event{Kind: Started})
	em.say("Process started for closed-loop AO (%s), run %s", v, res.RunID)

	err := c.run(ctx, &res, em)
	res.Elapsed = time.Since(res.Start)
	switch {
	case err == nil:
		res.Status = Completed
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		res.Status = Cancelled
		err = nil
		em.say("Closed-loop AO cancelled after %v", res.Elapsed)
	default:
		res.Status = Failed
	}

	if ferr := c.sink().Finalize(res.Summary(err)); ferr != nil {
		log.Printf("ao: finalizing record of run %s: %v", res.RunID, ferr)
		if err == nil {
			err = fmt.Errorf("ao: finalizing record: %w", ferr)
		}
	}
	if res.Status == Failed {
		em.send(Event{Kind: RunFailed, Result: &res, Err: err})
	} else {
		em.say("Closed-loop AO finished in %v", res.Elapsed)
		em.send(Event{Kind: Done, Result: &res})
	}
	return res, err
}

func (c *Controller) run(ctx context.Context, res *Result, em *emitter) error {
	runErr := func(depth, iteration int, err error) error {
		var ie *IterationError
		if errors.As(err, &ie) {
			iteration = ie.Iteration
		}
		return &RunError{RunID: res.RunID, Variant: res.Variant, Depth: depth, Iteration: iteration, Err: err}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	l, err := newLoop(c, res.Variant, em)
	if err != nil {
		return runErr(0, 0, err)
	}
	steps, err := c.steps()
	if err != nil {
		return runErr(0, 0, err)
	}
	for d, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Focus != nil {
			em.say("Remote focusing to depth %v (table column %d)", step.Depth, step.Index)
		}
		dr, err := l.depth(ctx, d, step)
		if len(dr.States) > 0 || err == nil {
			res.Depths = append(res.Depths, dr)
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return err
			}
			return runErr(d, dr.LoopNum, err)
		}
		if c.Focus != nil {
			// the mirror holds the corrected shape for the pause, the last depth included
			if err := sleep(ctx, c.Focus.Params.Pause); err != nil {
				return err
			}
		}
	}
	return nil
}

// loop is the state of one run
type loop struct {
	c        *Controller
	cfg      Config
	stages   Stages
	mode     wfs.Mode
	excluded []int
	sink     record.Sink
	em       *emitter

	// matrices in use, swapped whole when the geometry changes
	geo      calibration.Geometry
	conv     *zernike.Converter
	control  *mat.Dense
	baseConv *zernike.Converter
	baseCtrl *mat.Dense
}

func newLoop(c *Controller, v Variant, em *emitter) (*loop, error) {
	if c.Calibration == nil || c.Camera == nil || c.Extractor == nil || c.Mirror == nil {
		return nil, errors.New("ao: controller needs a calibration, camera, extractor and mirror")
	}
	cfg := c.Config
	cfg.Bias = append([]float64(nil), cfg.Bias...)
	cfg.Excluded = append([]int(nil), cfg.Excluded...)
	cal := c.Calibration
	if err := cfg.Normalize(cal.Actuators()); err != nil {
		return nil, err
	}
	if err := cal.Validate(cfg.ControlCoeffs); err != nil {
		return nil, err
	}
	conv, err := zernike.NewConverter(cal.Conversion, cfg.ControlCoeffs)
	if err != nil {
		return nil, err
	}
	ctrl := mat.DenseCopyOf(cal.Control.Slice(0, cal.Actuators(), 0, cfg.ControlCoeffs))
	stages := v.Stages()
	return &loop{
		c:        c,
		cfg:      cfg,
		stages:   stages,
		mode:     v.CentroidMode(),
		excluded: cfg.excluded(stages),
		sink:     c.sink(),
		em:       em,
		conv:     conv,
		control:  ctrl,
		baseConv: conv,
		baseCtrl: ctrl,
	}, nil
}

func (l *loop) record(dataset string, row []float64) {
	if err := l.sink.Append(dataset, row); err != nil {
		log.Printf("ao: recording %s: %v", dataset, err)
	}
}

// correct returns v - gain * Control * r
func (l *loop) correct(v, r []float64) []float64 {
	var dv mat.VecDense
	dv.MulVec(l.control, mat.NewVecDense(len(r), r))
	out := append([]float64(nil), v...)
	floats.AddScaled(out, -l.cfg.LoopGain, dv.RawVector().Data)
	return out
}

// depth closes the loop at one focus step
func (l *loop) depth(ctx context.Context, d int, step focus.Step) (DepthResult, error) {
	cfg := l.cfg
	dr := DepthResult{Step: d, Depth: step.Depth, States: make([]LoopState, 0, cfg.LoopMax+1)}
	initial := append([]float64(nil), cfg.Bias...)
	if step.Bias != nil {
		if len(step.Bias) != len(initial) {
			return dr, fatal(0, fmt.Errorf("%w: focus voltages have %d elements for %d actuators", zernike.ErrDimension, len(step.Bias), len(initial)))
		}
		floats.Add(initial, step.Bias)
	}
	if cfg.Injection.Enabled && l.c.Focus == nil {
		v, err := l.inject(ctx, initial)
		if err != nil {
			return dr, err
		}
		initial = v
	}

	var (
		v        = initial
		residual []float64
		failures int
	)
	for i := 0; i <= cfg.LoopMax; i++ {
		if err := ctx.Err(); err != nil {
			return dr, err
		}
		cmd := append([]float64(nil), initial...)
		if residual != nil {
			cmd = l.correct(v, residual)
		}
		dr.LoopNum = i
		st, r, err := l.iterate(ctx, d, i, cmd)
		if err != nil {
			var ie *IterationError
			if !errors.As(err, &ie) || ie.Kind == Fatal {
				return dr, err
			}
			failures++
			if failures > cfg.MaxConsecutiveFailures {
				return dr, fatal(i, fmt.Errorf("%w (%d): %v", ErrTooManyFailures, failures, ie.Err))
			}
			l.em.say("Iteration %d skipped: %v", i, ie.Err)
			continue
		}
		failures = 0
		v, residual = cmd, r
		dr.States = append(dr.States, st)
		dr.Voltages = cmd
		l.em.send(Event{Kind: Progress, Depth: d, State: st})
		if st.Converged {
			l.em.say("Strehl ratio %v reached tolerance %v at iteration %d", st.Strehl, cfg.Tolerance, i)
			break
		}
	}
	dr.Removed = l.geo.Removed()
	return dr, nil
}

// measure sends cmd, waits for the mirror and extracts the slopes of a thresholded frame
func (l *loop) measure(ctx context.Context, i int, cmd []float64) (wfs.Frame, wfs.Centroids, error) {
	cfg := l.cfg
	if err := l.c.Mirror.Send(cmd); err != nil {
		return wfs.Frame{}, wfs.Centroids{}, recoverable(i, fmt.Errorf("mirror: %w", err))
	}
	if err := sleep(ctx, cfg.SettleTime); err != nil {
		return wfs.Frame{}, wfs.Centroids{}, err
	}
	img, err := wfs.Acquire(l.c.Camera, cfg.FrameHeight, cfg.FrameWidth, cfg.FrameCount)
	if err != nil {
		return wfs.Frame{}, wfs.Centroids{}, recoverable(i, fmt.Errorf("camera: %w", err))
	}
	img = wfs.Threshold(img, cfg.Threshold)
	cents, err := l.c.Extractor.Slopes(img, l.mode)
	if err != nil {
		return img, wfs.Centroids{}, recoverable(i, fmt.Errorf("centroiding: %w", err))
	}
	n := l.c.Calibration.Subapertures()
	if len(cents.X) != n || len(cents.Y) != n {
		return img, cents, fatal(i, fmt.Errorf("%w: %d x and %d y slopes for %d subapertures", zernike.ErrDimension, len(cents.X), len(cents.Y), n))
	}
	return img, cents, nil
}

// iterate runs one iteration with the command cmd and returns its state and
// the residual to correct next
func (l *loop) iterate(ctx context.Context, d, i int, cmd []float64) (LoopState, []float64, error) {
	cfg := l.cfg
	img, cents, err := l.measure(ctx, i, cmd)
	if err != nil {
		return LoopState{}, nil, err
	}
	slopes := cents.Slopes
	if l.stages.Obscuration {
		removed := cfg.Obscuration.Detect(slopes.X, l.c.Calibration.RefX)
		if err := l.regeometry(i, removed); err != nil {
			return LoopState{}, nil, err
		}
		slopes = slopes.Without(l.geo.Removed())
	}
	if err := l.sink.AppendFrame(record.AOImage, img); err != nil {
		log.Printf("ao: recording %s: %v", record.AOImage, err)
	}
	l.em.frame(d, wfs.MarkCentroids(img, cents.Positions))

	slopes = slopes.RemoveMean()
	vec := slopes.Vector()
	coeffs, err := l.conv.Convert(vec)
	if err != nil {
		return LoopState{}, nil, fatal(i, err)
	}
	ev := zernike.Evaluate(coeffs, l.excluded, cfg.Wavelength, cfg.Tolerance)
	st := LoopState{
		Iteration:  i,
		RMS:        ev.RMS,
		RMSPartial: ev.RMSPartial,
		Strehl:     ev.Strehl,
		Converged:  ev.Converged,
	}
	residual := coeffs
	if l.stages.Partial {
		residual = zernike.Partial(coeffs, l.excluded)
	}

	l.record(record.SlopeX, slopes.X)
	l.record(record.SlopeY, slopes.Y)
	l.record(record.Slope, vec)
	l.record(record.ZernErr, coeffs)
	l.record(record.Voltages, append([]float64(nil), cmd...))
	l.record(record.LoopState, record.LoopStateRow(d, i, st.RMS, st.RMSPartial, st.Strehl))
	l.em.say("Full zernike root mean square error %d is %.4f um", i, st.RMS)
	l.em.say("Strehl ratio %d is: %v", i, st.Strehl)
	return st, residual, nil
}

// regeometry swaps in the matrices of a new set of removed subapertures
func (l *loop) regeometry(i int, removed []int) error {
	cal := l.c.Calibration
	geo, err := calibration.NewGeometry(removed, cal.Subapertures())
	if err != nil {
		return fatal(i, err)
	}
	if geo.Equal(l.geo) {
		return nil
	}
	conv, ctrl := l.baseConv, l.baseCtrl
	if geo.Len() > 0 {
		mats, err := calibration.Rebuild(cal, geo.Removed(), l.cfg.ControlCoeffs)
		if err != nil {
			return fatal(i, err)
		}
		conv, err = zernike.NewConverter(mats.Conversion, l.cfg.ControlCoeffs)
		if err != nil {
			return fatal(i, err)
		}
		ctrl = mats.Control
	}
	l.geo, l.conv, l.control = geo, conv, ctrl
	l.em.say("Number of obscured subapertures: %d", geo.Len())
	if geo.Len() > 0 {
		log.Println("obscured subapertures:", util.IntSliceToCSV(geo.Removed()))
	}
	return nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
