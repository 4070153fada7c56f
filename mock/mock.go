/*Package mock provides a simulated Shack-Hartmann wavefront sensor and
deformable mirror pair for running the loop without hardware.

The Instrument is a linear plant: the slopes it reports are

	s = F (v - bias + a0)

with F the influence matrix of its calibration, v the last vector sent to it
and a0 the actuator vector that produces the configured aberration.  It acts
as the camera, the slope extractor and the mirror at once.
*/
package mock

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/shao/calibration"
	"github.jpl.nasa.gov/bdube/shao/wfs"
)

// ErrMirrorFault is returned by Send while sends are set to fail
var ErrMirrorFault = errors.New("mock: simulated mirror fault")

// Options configures an Instrument
type Options struct {
	// Bias is the rest command of the mirror
	Bias []float64

	// Aberration is the Zernike content, first ControlCoeffs modes, seen at v = bias
	Aberration []float64

	// ControlCoeffs is the number of modes the loop corrects
	ControlCoeffs int

	// TimeoutEvery makes every n-th grabbed frame time out; 0 never
	TimeoutEvery int

	// Width and Height of the simulated sensor in pixels
	Width, Height int
}

// Instrument is a simulated sensor and mirror
type Instrument struct {
	mu sync.Mutex

	cal  *calibration.Calibration
	opts Options
	a0   []float64
	v    []float64

	obscured  map[int]bool
	failSends int
	timeouts  bool

	grabs, sends, resets int
	modes                []wfs.Mode
}

// New returns an instrument on the given calibration
func New(cal *calibration.Calibration, opts Options) (*Instrument, error) {
	a := cal.Actuators()
	if opts.Bias == nil {
		opts.Bias = make([]float64, a)
	}
	if len(opts.Bias) != a {
		return nil, fmt.Errorf("mock: bias has %d elements for %d actuators", len(opts.Bias), a)
	}
	if opts.ControlCoeffs <= 0 {
		return nil, fmt.Errorf("mock: ControlCoeffs must be positive")
	}
	_, k := cal.Control.Dims()
	if len(opts.Aberration) > opts.ControlCoeffs || opts.ControlCoeffs > k {
		return nil, fmt.Errorf("mock: %d aberration modes, %d control coefficients, control matrix has %d", len(opts.Aberration), opts.ControlCoeffs, k)
	}
	z := make([]float64, opts.ControlCoeffs)
	copy(z, opts.Aberration)
	var a0 mat.VecDense
	a0.MulVec(cal.Control.Slice(0, a, 0, opts.ControlCoeffs), mat.NewVecDense(len(z), z))
	if opts.Width == 0 {
		opts.Width = 64
	}
	if opts.Height == 0 {
		opts.Height = 64
	}
	return &Instrument{
		cal:      cal,
		opts:     opts,
		a0:       a0.RawVector().Data,
		v:        append([]float64(nil), opts.Bias...),
		obscured: map[int]bool{},
	}, nil
}

// Obscure marks subapertures as obscured; their spots vanish
func (in *Instrument) Obscure(idx ...int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, i := range idx {
		in.obscured[i] = true
	}
}

// Clear removes every obscuration
func (in *Instrument) Clear() {
	in.mu.Lock()
	in.obscured = map[int]bool{}
	in.mu.Unlock()
}

// FailSends makes the next n sends fail
func (in *Instrument) FailSends(n int) {
	in.mu.Lock()
	in.failSends = n
	in.mu.Unlock()
}

// TimeoutAll makes every frame time out while on is true
func (in *Instrument) TimeoutAll(on bool) {
	in.mu.Lock()
	in.timeouts = on
	in.mu.Unlock()
}

// Send implements mirror.Mirror
func (in *Instrument) Send(v []float64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.failSends > 0 {
		in.failSends--
		return ErrMirrorFault
	}
	if len(v) != len(in.v) {
		return fmt.Errorf("mock: %d voltages for %d actuators", len(v), len(in.v))
	}
	in.sends++
	copy(in.v, v)
	return nil
}

// Reset implements mirror.Mirror
func (in *Instrument) Reset() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.resets++
	copy(in.v, in.opts.Bias)
	return nil
}

// Last implements mirror.Getter
func (in *Instrument) Last() ([]float64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]float64(nil), in.v...), nil
}

// slopes is the plant response, lock held
func (in *Instrument) slopes() wfs.Slopes {
	n := in.cal.Subapertures()
	dv := make([]float64, len(in.v))
	for i := range dv {
		dv[i] = in.v[i] - in.opts.Bias[i] + in.a0[i]
	}
	var s mat.VecDense
	s.MulVec(in.cal.InfluenceSlopes, mat.NewVecDense(len(dv), dv))
	out := wfs.Slopes{X: make([]float64, n), Y: make([]float64, n)}
	for i := 0; i < n; i++ {
		if in.obscured[i] {
			out.X[i] = -in.cal.RefX[i]
			out.Y[i] = -in.cal.RefY[i]
			continue
		}
		out.X[i] = s.AtVec(i)
		out.Y[i] = s.AtVec(i + n)
	}
	return out
}

// GrabFrame implements wfs.Camera.  Each visible spot is one bright pixel.
func (in *Instrument) GrabFrame(height, width int) (wfs.Frame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.grabs++
	if in.timeouts || (in.opts.TimeoutEvery > 0 && in.grabs%in.opts.TimeoutEvery == 0) {
		return wfs.Frame{}, fmt.Errorf("frame %d: %w", in.grabs, wfs.ErrTimeout)
	}
	f := wfs.Frame{Width: width, Height: height, Pix: make([]float64, width*height)}
	for _, p := range in.positions(width, height) {
		f.Pix[p] = 100
	}
	return f, nil
}

// positions of the visible spots in a width x height frame, lock held
func (in *Instrument) positions(width, height int) []int {
	s := in.slopes()
	var out []int
	for i := range s.X {
		if in.obscured[i] {
			continue
		}
		x := int(math.Round(in.cal.RefX[i] + s.X[i]))
		y := int(math.Round(in.cal.RefY[i] + s.Y[i]))
		if x >= 0 && x < width && y >= 0 && y < height {
			out = append(out, y*width+x)
		}
	}
	return out
}

// Slopes implements wfs.SlopeExtractor from the plant state; the image only sizes the positions
func (in *Instrument) Slopes(img wfs.Frame, mode wfs.Mode) (wfs.Centroids, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.modes = append(in.modes, mode)
	return wfs.Centroids{Slopes: in.slopes(), Positions: in.positions(img.Width, img.Height)}, nil
}

// Stats reports how many frames, sends and resets the instrument saw
func (in *Instrument) Stats() (grabs, sends, resets int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.grabs, in.sends, in.resets
}

// Modes returns the centroid modes the extractor was called with
func (in *Instrument) Modes() []wfs.Mode {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]wfs.Mode(nil), in.modes...)
}

// NewCalibration builds a random, well conditioned calibration with n
// subapertures, m modes and a actuators.  The slope columns of the diff and
// influence matrices have zero mean on each axis, so tip/tilt removal leaves
// the plant response untouched.
func NewCalibration(n, m, a, controlCoeffs int, seed int64) (*calibration.Calibration, error) {
	if n < m || controlCoeffs > m || controlCoeffs > a {
		return nil, fmt.Errorf("mock: cannot build a %d subaperture, %d mode, %d actuator calibration correcting %d modes", n, m, a, controlCoeffs)
	}
	rng := rand.New(rand.NewSource(seed))
	random := func(r, c int) *mat.Dense {
		d := make([]float64, r*c)
		for i := range d {
			d[i] = rng.NormFloat64()
		}
		return mat.NewDense(r, c, d)
	}
	zeroMean := func(d *mat.Dense) {
		_, c := d.Dims()
		for j := 0; j < c; j++ {
			for _, axis := range [2]int{0, n} {
				var mean float64
				for i := axis; i < axis+n; i++ {
					mean += d.At(i, j)
				}
				mean /= float64(n)
				for i := axis; i < axis+n; i++ {
					d.Set(i, j, d.At(i, j)-mean)
				}
			}
		}
	}
	cal := &calibration.Calibration{
		ZernMatrix:      random(n, m),
		DiffMatrix:      random(2*n, m),
		InfluenceSlopes: random(2*n, a),
		RefX:            make([]float64, n),
		RefY:            make([]float64, n),
	}
	zeroMean(cal.DiffMatrix)
	zeroMean(cal.InfluenceSlopes)
	// a square-ish lenslet grid with 8 pixel pitch
	side := int(math.Ceil(math.Sqrt(float64(n))))
	for i := 0; i < n; i++ {
		cal.RefX[i] = 4.5 + 8*float64(i%side)
		cal.RefY[i] = 4.5 + 8*float64(i/side)
	}
	mats, err := calibration.Rebuild(cal, nil, controlCoeffs)
	if err != nil {
		return nil, err
	}
	cal.Conversion = mats.Conversion
	cal.Control = mats.Control
	return cal, cal.Validate(controlCoeffs)
}
