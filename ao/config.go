package ao

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.jpl.nasa.gov/bdube/shao/calibration"
)

// Injection configures the open-loop mode injection that precedes a run
type Injection struct {
	Enabled bool `yaml:"Enabled"`

	// Target is the Zernike vector to reach; its first nonzero entry is the injected mode
	Target []float64 `yaml:"Target"`

	// MaxIter bounds the number of injection steps
	MaxIter int `yaml:"MaxIter"`

	// Tolerance is the relative error on the injected mode that ends the injection
	Tolerance float64 `yaml:"Tolerance"`

	// amplitudes at or below SmallAmplitude use SmallGain, others LargeGain
	SmallAmplitude float64 `yaml:"SmallAmplitude"`
	SmallGain      float64 `yaml:"SmallGain"`
	LargeGain      float64 `yaml:"LargeGain"`
}

// Mode returns the injected mode and its amplitude.  ok is false if Target is all zero.
func (i Injection) Mode() (mode int, amplitude float64, ok bool) {
	for idx, v := range i.Target {
		if v != 0 {
			return idx, v, true
		}
	}
	return 0, 0, false
}

// Gain returns the injection gain for an amplitude
func (i Injection) Gain(amplitude float64) float64 {
	if math.Abs(amplitude) <= i.SmallAmplitude {
		return i.SmallGain
	}
	return i.LargeGain
}

// Config holds the loop parameters of a run
type Config struct {
	// LoopGain scales each correction
	LoopGain float64 `yaml:"LoopGain"`

	// LoopMax is the last iteration index; a depth runs at most LoopMax+1 iterations
	LoopMax int `yaml:"LoopMax"`

	// SettleTime is the wait after each mirror command
	SettleTime time.Duration `yaml:"SettleTime"`

	// Tolerance is the Strehl ratio that ends the loop at a depth; <= 0 runs to LoopMax
	Tolerance float64 `yaml:"Tolerance"`

	// Wavelength shares the units of the Zernike coefficients
	Wavelength float64 `yaml:"Wavelength"`

	// ControlCoeffs is the number of Zernike modes corrected
	ControlCoeffs int `yaml:"ControlCoeffs"`

	// Excluded modes are left out of the partial RMS, tip and tilt by default
	Excluded []int `yaml:"Excluded"`

	// DefocusIndex is additionally excluded by the partial variants
	DefocusIndex int `yaml:"DefocusIndex"`

	// Bias is the rest command of the mirror, one element is expanded to every actuator
	Bias []float64 `yaml:"Bias"`

	// Threshold is the fraction of the frame maximum subtracted as background
	Threshold float64 `yaml:"Threshold"`

	FrameHeight int `yaml:"FrameHeight"`
	FrameWidth  int `yaml:"FrameWidth"`

	// FrameCount frames are averaged per measurement
	FrameCount int `yaml:"FrameCount"`

	// Obscuration is the obscured subaperture test
	Obscuration calibration.ObscurationPolicy `yaml:"Obscuration"`

	// MaxConsecutiveFailures recoverable iteration failures in a row are tolerated
	MaxConsecutiveFailures int `yaml:"MaxConsecutiveFailures"`

	Injection Injection `yaml:"Injection"`

	// FramePreviewRate is the most Frame events per second sent to the observer
	FramePreviewRate float64 `yaml:"FramePreviewRate"`
}

// DefaultConfig returns the loop parameters used when none are given
func DefaultConfig() Config {
	return Config{
		LoopGain:               0.3,
		LoopMax:                20,
		SettleTime:             10 * time.Millisecond,
		Tolerance:              0.81,
		Wavelength:             0.5,
		ControlCoeffs:          20,
		Excluded:               []int{0, 1},
		DefocusIndex:           3,
		Threshold:              0.1,
		FrameHeight:            1024,
		FrameWidth:             1024,
		FrameCount:             1,
		Obscuration:            calibration.Exact,
		MaxConsecutiveFailures: 3,
		Injection: Injection{
			MaxIter:        20,
			Tolerance:      0.075,
			SmallAmplitude: 0.2,
			SmallGain:      0.2,
			LargeGain:      0.3,
		},
		FramePreviewRate: 5,
	}
}

// ErrConfig is wrapped by every validation failure
var ErrConfig = errors.New("ao: invalid configuration")

// Normalize expands a scalar or empty Bias to actuators elements and checks
// the parameters against the mirror size
func (c *Config) Normalize(actuators int) error {
	switch len(c.Bias) {
	case 0:
		c.Bias = make([]float64, actuators)
	case 1:
		b := c.Bias[0]
		c.Bias = make([]float64, actuators)
		for i := range c.Bias {
			c.Bias[i] = b
		}
	}
	p, err := calibration.ParseObscurationPolicy(string(c.Obscuration))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	c.Obscuration = p
	if c.FrameCount < 1 {
		c.FrameCount = 1
	}
	return c.Validate(actuators)
}

// Validate checks the parameters against the mirror size
func (c Config) Validate(actuators int) error {
	switch {
	case len(c.Bias) != actuators:
		return fmt.Errorf("%w: bias has %d elements for %d actuators", ErrConfig, len(c.Bias), actuators)
	case c.LoopMax < 0:
		return fmt.Errorf("%w: LoopMax %d is negative", ErrConfig, c.LoopMax)
	case c.ControlCoeffs < 1:
		return fmt.Errorf("%w: ControlCoeffs must be positive", ErrConfig)
	case c.Wavelength <= 0:
		return fmt.Errorf("%w: Wavelength must be positive", ErrConfig)
	case c.FrameHeight < 1 || c.FrameWidth < 1:
		return fmt.Errorf("%w: %dx%d frame", ErrConfig, c.FrameWidth, c.FrameHeight)
	case c.Threshold < 0 || c.Threshold >= 1:
		return fmt.Errorf("%w: Threshold %v outside [0, 1)", ErrConfig, c.Threshold)
	case c.MaxConsecutiveFailures < 0:
		return fmt.Errorf("%w: MaxConsecutiveFailures is negative", ErrConfig)
	}
	if c.Injection.Enabled {
		mode, _, ok := c.Injection.Mode()
		if !ok {
			return fmt.Errorf("%w: injection enabled with an all zero target", ErrConfig)
		}
		if mode >= c.ControlCoeffs {
			return fmt.Errorf("%w: injected mode %d is not controlled (%d modes)", ErrConfig, mode, c.ControlCoeffs)
		}
	}
	return nil
}

// excluded returns the modes left out of the partial RMS for a variant
func (c Config) excluded(s Stages) []int {
	out := append([]int(nil), c.Excluded...)
	if s.Partial {
		out = append(out, c.DefocusIndex)
	}
	return out
}
