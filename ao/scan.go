package ao

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.jpl.nasa.gov/bdube/shao/record"
	"github.jpl.nasa.gov/bdube/shao/wfs"
	"github.jpl.nasa.gov/bdube/shao/zernike"
)

// ScanStep is the wavefront seen at one focus step without correction
type ScanStep struct {
	Step       int
	Depth      float64
	Removed    []int
	Coeffs     []float64
	RMSPartial float64
	Strehl     float64
	Voltages   []float64
}

// ScanResult is the outcome of a focus scan
type ScanResult struct {
	RunID   string
	Status  Status
	Steps   []ScanStep
	Start   time.Time
	Elapsed time.Duration
}

// ErrNoFocus is returned by Scan on a controller without a focus plan
var ErrNoFocus = errors.New("ao: remote focusing is not configured")

// Scan walks the focus plan without closing the loop and records the
// wavefront at each step.  Obscured subapertures are dropped from the
// baseline conversion; nothing is recalibrated.  A step whose measurement
// fails is logged and skipped.
func (c *Controller) Scan(ctx context.Context) (ScanResult, error) {
	res := ScanResult{RunID: uuid.NewString(), Start: time.Now()}
	em := newEmitter(c.Observer, res.RunID, Plain, c.Config.FramePreviewRate)
	em.send(Event{Kind: Started})
	em.say("Process started for remote focusing, run %s", res.RunID)

	err := c.scan(ctx, &res, em)
	res.Elapsed = time.Since(res.Start)
	switch {
	case err == nil:
		res.Status = Completed
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		res.Status = Cancelled
		err = nil
	default:
		res.Status = Failed
	}
	sum := record.Summary{RunID: res.RunID, Variant: "scan", Status: res.Status.String(), Start: res.Start, Elapsed: res.Elapsed}
	if err != nil {
		sum.Error = err.Error()
	}
	for _, s := range res.Steps {
		sum.Depths = append(sum.Depths, record.DepthSummary{Depth: s.Depth, RMSPartial: s.RMSPartial, Strehl: s.Strehl})
	}
	if ferr := c.sink().Finalize(sum); ferr != nil {
		log.Printf("ao: finalizing record of scan %s: %v", res.RunID, ferr)
		if err == nil {
			err = fmt.Errorf("ao: finalizing record: %w", ferr)
		}
	}
	em.say("Time for remote focusing process is: %v", res.Elapsed)
	if res.Status == Failed {
		em.send(Event{Kind: RunFailed, Err: err})
	} else {
		em.send(Event{Kind: Done})
	}
	return res, err
}

func (c *Controller) scan(ctx context.Context, res *ScanResult, em *emitter) error {
	if c.Focus == nil {
		return ErrNoFocus
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := newLoop(c, Plain, em)
	if err != nil {
		return err
	}
	steps, err := c.steps()
	if err != nil {
		return err
	}
	cfg := l.cfg
	n := c.Calibration.Subapertures()
	for j, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd := append([]float64(nil), cfg.Bias...)
		if len(step.Bias) != len(cmd) {
			return fmt.Errorf("%w: focus voltages have %d elements for %d actuators", zernike.ErrDimension, len(step.Bias), len(cmd))
		}
		for i := range cmd {
			cmd[i] += step.Bias[i]
		}
		img, cents, err := l.measure(ctx, j, cmd)
		if err != nil {
			var ie *IterationError
			if errors.As(err, &ie) && ie.Kind == Recoverable {
				em.say("Focus step %d skipped: %v", j, ie.Err)
				continue
			}
			return err
		}
		if err := l.sink.AppendFrame(record.AOImage, img); err != nil {
			log.Printf("ao: recording %s: %v", record.AOImage, err)
		}
		em.frame(j, wfs.MarkCentroids(img, cents.Positions))

		removed := cfg.Obscuration.Detect(cents.X, c.Calibration.RefX)
		conv := l.baseConv
		if len(removed) > 0 {
			conv, err = l.baseConv.WithoutSubapertures(removed, n)
			if err != nil {
				return err
			}
		}
		slopes := cents.Slopes.Without(removed).RemoveMean()
		coeffs, err := conv.Convert(slopes.Vector())
		if err != nil {
			return err
		}
		ev := zernike.Evaluate(coeffs, cfg.Excluded, cfg.Wavelength, cfg.Tolerance)
		st := ScanStep{
			Step:       j,
			Depth:      step.Depth,
			Removed:    removed,
			Coeffs:     coeffs,
			RMSPartial: ev.RMSPartial,
			Strehl:     ev.Strehl,
			Voltages:   cmd,
		}
		res.Steps = append(res.Steps, st)
		l.record(record.SlopeXScan, slopes.X)
		l.record(record.SlopeYScan, slopes.Y)
		l.record(record.ZernScan, coeffs)
		l.record(record.RMSScan, []float64{ev.RMSPartial})
		l.record(record.StrehlScan, []float64{ev.Strehl})
		l.record(record.VoltageScan, append([]float64(nil), cmd...))
		em.send(Event{Kind: Progress, Depth: j, State: LoopState{Iteration: 0, RMS: ev.RMS, RMSPartial: ev.RMSPartial, Strehl: ev.Strehl}})
		em.say("Strehl ratio at depth %v is: %v", step.Depth, ev.Strehl)

		if err := sleep(ctx, c.Focus.Params.Pause); err != nil {
			return err
		}
	}
	return nil
}
