package ao

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/shao/mirror"
	"github.jpl.nasa.gov/bdube/shao/wfs"
	"github.jpl.nasa.gov/bdube/shao/zernike"
)

// ModeInjector puts a known amount of one Zernike mode on the mirror, open
// loop on the baseline calibration, so the loop can be seen to remove it
type ModeInjector struct {
	Camera    wfs.Camera
	Extractor wfs.SlopeExtractor
	Mirror    mirror.Mirror

	// Converter and Control are the baseline matrices, Control is actuators x modes
	Converter *zernike.Converter
	Control   *mat.Dense

	// Bias is the first command
	Bias []float64

	// Mode is the centroiding mode of the extractor
	Mode wfs.Mode

	// Config supplies the frame, settle and injection parameters
	Config Config
}

// Inject drives the mirror until the measured coefficient of mode is within
// the injection tolerance of amplitude, or for maxIter steps.  It returns the
// last measured command.
func (m *ModeInjector) Inject(ctx context.Context, mode int, amplitude float64, maxIter int) ([]float64, error) {
	k := m.Converter.Coeffs()
	if mode < 0 || mode >= k {
		return nil, fmt.Errorf("ao: injected mode %d outside the %d controlled modes", mode, k)
	}
	if amplitude == 0 {
		return nil, errors.New("ao: injection amplitude is zero")
	}
	if maxIter < 1 {
		maxIter = 1
	}
	cfg := m.Config
	gain := cfg.Injection.Gain(amplitude)
	target := make([]float64, k)
	target[mode] = amplitude

	v := append([]float64(nil), m.Bias...)
	var det []float64
	for j := 0; j < maxIter; j++ {
		if err := ctx.Err(); err != nil {
			return v, err
		}
		cmd := append([]float64(nil), v...)
		if det != nil {
			e := append([]float64(nil), det...)
			floats.Sub(e, target)
			var dv mat.VecDense
			dv.MulVec(m.Control, mat.NewVecDense(k, e))
			floats.AddScaled(cmd, -gain, dv.RawVector().Data)
		}
		got, err := m.measure(ctx, cmd)
		if err != nil {
			if errors.Is(err, wfs.ErrNoFrames) {
				log.Printf("ao: injection step %d skipped: %v", j, err)
				continue
			}
			return v, err
		}
		v, det = cmd, got
		rel := math.Abs(det[mode]-amplitude) / math.Abs(amplitude)
		log.Printf("Injection step %d: mode %d is %.4f, relative error %.3f", j, mode, det[mode], rel)
		if rel <= cfg.Injection.Tolerance {
			return v, nil
		}
	}
	log.Printf("ao: mode %d did not reach %v within %d injection steps", mode, amplitude, maxIter)
	return v, nil
}

// measure returns the Zernike coefficients seen with cmd on the mirror
func (m *ModeInjector) measure(ctx context.Context, cmd []float64) ([]float64, error) {
	cfg := m.Config
	if err := m.Mirror.Send(cmd); err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	if err := sleep(ctx, cfg.SettleTime); err != nil {
		return nil, err
	}
	img, err := wfs.Acquire(m.Camera, cfg.FrameHeight, cfg.FrameWidth, cfg.FrameCount)
	if err != nil {
		return nil, err
	}
	cents, err := m.Extractor.Slopes(wfs.Threshold(img, cfg.Threshold), m.Mode)
	if err != nil {
		return nil, fmt.Errorf("centroiding: %w", err)
	}
	return m.Converter.Convert(cents.Slopes.RemoveMean().Vector())
}

// inject runs the configured injection from initial and waits for confirmation
func (l *loop) inject(ctx context.Context, initial []float64) ([]float64, error) {
	mode, amp, ok := l.cfg.Injection.Mode()
	if !ok {
		return nil, fatal(0, errors.New("ao: injection target is all zero"))
	}
	mi := &ModeInjector{
		Camera:    l.c.Camera,
		Extractor: l.c.Extractor,
		Mirror:    l.c.Mirror,
		Converter: l.baseConv,
		Control:   l.baseCtrl,
		Bias:      initial,
		Mode:      l.mode,
		Config:    l.cfg,
	}
	l.em.say("Injecting %v of Zernike mode %d", amp, mode)
	v, err := mi.Inject(ctx, mode, amp, l.cfg.Injection.MaxIter)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fatal(0, fmt.Errorf("injection: %w", err))
	}
	if l.c.Confirm != nil {
		msg := fmt.Sprintf("Zernike mode %d injected, confirm to close the loop", mode)
		l.em.say("%s", msg)
		if err := l.c.Confirm(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fatal(0, fmt.Errorf("confirmation: %w", err))
		}
	}
	return v, nil
}
