/*Package calibration holds the calibrated matrices of a Shack-Hartmann / DM
pair and rebuilds the conversion and control matrices when subapertures are
lost to obscuration.

Shapes, with N subapertures, M Zernike modes and A actuators:

	ZernMatrix       N  x M    Zernike basis sampled at the subapertures
	DiffMatrix       2N x M    slope response of each mode, x rows then y rows
	InfluenceSlopes  2N x A    slope response of each actuator
	Conversion       M  x 2N   slopes to Zernike coefficients
	Control          A  x K    Zernike coefficients to actuator voltages

Nothing in this package mutates a Calibration after it is loaded.
*/
package calibration

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/shao/imgrec"
)

// file names within a calibration directory
const (
	ZernMatrixFile      = "zern_matrix.fits"
	DiffMatrixFile      = "diff_matrix.fits"
	InfluenceSlopesFile = "inf_matrix_slopes.fits"
	ConversionFile      = "conv_matrix.fits"
	ControlFile         = "control_matrix_zern.fits"
	RefXFile            = "ref_cent_x.fits"
	RefYFile            = "ref_cent_y.fits"
)

// Calibration is the baseline, unobscured calibration of the instrument
type Calibration struct {
	ZernMatrix      *mat.Dense
	DiffMatrix      *mat.Dense
	InfluenceSlopes *mat.Dense
	Conversion      *mat.Dense
	Control         *mat.Dense

	// RefX and RefY are the reference centroid coordinates of each subaperture
	RefX, RefY []float64
}

// DimensionError describes a matrix whose shape does not agree with the rest of the calibration
type DimensionError struct {
	What      string
	Got, Want [2]int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("calibration: %s is %dx%d, need %dx%d", e.What, e.Got[0], e.Got[1], e.Want[0], e.Want[1])
}

// Subapertures is the number of subapertures, N
func (c *Calibration) Subapertures() int {
	if c.ZernMatrix == nil {
		return 0
	}
	r, _ := c.ZernMatrix.Dims()
	return r
}

// Modes is the number of Zernike modes, M
func (c *Calibration) Modes() int {
	if c.ZernMatrix == nil {
		return 0
	}
	_, m := c.ZernMatrix.Dims()
	return m
}

// Actuators is the number of actuators, A
func (c *Calibration) Actuators() int {
	if c.InfluenceSlopes == nil {
		return 0
	}
	_, a := c.InfluenceSlopes.Dims()
	return a
}

func dims(m *mat.Dense) [2]int {
	if m == nil {
		return [2]int{0, 0}
	}
	r, c := m.Dims()
	return [2]int{r, c}
}

// Validate checks that every matrix agrees with the zernike matrix and that
// at least controlCoeffs coefficients can be corrected
func (c *Calibration) Validate(controlCoeffs int) error {
	if err := c.validateMeasured(controlCoeffs); err != nil {
		return err
	}
	n, m, a := c.Subapertures(), c.Modes(), c.Actuators()
	return checkDims([]dimCheck{
		{what: "conversion matrix", got: dims(c.Conversion), want: [2]int{m, 2 * n}},
		{what: "control matrix", got: dims(c.Control), want: [2]int{a, controlCoeffs}, minorCols: true},
	})
}

// validateMeasured checks the measured matrices and reference centroids, the
// inputs Rebuild derives the conversion and control matrices from
func (c *Calibration) validateMeasured(controlCoeffs int) error {
	if c.ZernMatrix == nil {
		return fmt.Errorf("calibration: zernike matrix missing")
	}
	n, m, a := c.Subapertures(), c.Modes(), c.Actuators()
	if controlCoeffs <= 0 || controlCoeffs > m {
		return fmt.Errorf("calibration: %d control coefficients, the zernike matrix has %d modes", controlCoeffs, m)
	}
	err := checkDims([]dimCheck{
		{what: "diff matrix", got: dims(c.DiffMatrix), want: [2]int{2 * n, m}},
		{what: "influence matrix", got: dims(c.InfluenceSlopes), want: [2]int{2 * n, a}},
	})
	if err != nil {
		return err
	}
	if len(c.RefX) != n || len(c.RefY) != n {
		return &DimensionError{What: "reference centroids", Got: [2]int{len(c.RefX), len(c.RefY)}, Want: [2]int{n, n}}
	}
	return nil
}

type dimCheck struct {
	what string
	got  [2]int
	want [2]int

	// minorCols accepts more columns than wanted
	minorCols bool
}

func checkDims(checks []dimCheck) error {
	for _, chk := range checks {
		ok := chk.got[0] == chk.want[0] && chk.got[1] == chk.want[1]
		if chk.minorCols {
			ok = chk.got[0] == chk.want[0] && chk.got[1] >= chk.want[1]
		}
		if !ok || chk.got[0] == 0 {
			return &DimensionError{What: chk.what, Got: chk.got, Want: chk.want}
		}
	}
	return nil
}

func loadMatrix(dir, name string) (*mat.Dense, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := imgrec.ReadMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("calibration: reading %s: %w", name, err)
	}
	return m, nil
}

func loadVector(dir, name string) ([]float64, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	_, data, err := imgrec.ReadImage(f)
	if err != nil {
		return nil, fmt.Errorf("calibration: reading %s: %w", name, err)
	}
	return data, nil
}

// LoadDir reads a calibration from the FITS files in dir.  A missing control
// or conversion matrix is rebuilt from the others.
func LoadDir(dir string, controlCoeffs int) (*Calibration, error) {
	var (
		c   Calibration
		err error
	)
	required := []struct {
		name string
		dst  **mat.Dense
	}{
		{ZernMatrixFile, &c.ZernMatrix},
		{DiffMatrixFile, &c.DiffMatrix},
		{InfluenceSlopesFile, &c.InfluenceSlopes},
	}
	for _, r := range required {
		*r.dst, err = loadMatrix(dir, r.name)
		if err != nil {
			return nil, err
		}
	}
	for _, v := range []struct {
		name string
		dst  *[]float64
	}{{RefXFile, &c.RefX}, {RefYFile, &c.RefY}} {
		*v.dst, err = loadVector(dir, v.name)
		if err != nil {
			return nil, err
		}
	}
	if err := c.validateMeasured(controlCoeffs); err != nil {
		return nil, err
	}
	c.Conversion, err = loadMatrix(dir, ConversionFile)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	c.Control, err = loadMatrix(dir, ControlFile)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if c.Conversion == nil || c.Control == nil {
		m, err := Rebuild(&c, nil, controlCoeffs)
		if err != nil {
			return nil, err
		}
		if c.Conversion == nil {
			c.Conversion = m.Conversion
		}
		if c.Control == nil {
			c.Control = m.Control
		}
	}
	if err := c.Validate(controlCoeffs); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveDir writes the calibration to dir in the layout LoadDir reads
func (c *Calibration) SaveDir(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	write := func(name string, m mat.Matrix) error {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		defer f.Close()
		return imgrec.WriteMatrix(f, m)
	}
	outputs := []struct {
		name string
		m    mat.Matrix
	}{
		{ZernMatrixFile, c.ZernMatrix},
		{DiffMatrixFile, c.DiffMatrix},
		{InfluenceSlopesFile, c.InfluenceSlopes},
		{ConversionFile, c.Conversion},
		{ControlFile, c.Control},
		{RefXFile, mat.NewDense(1, len(c.RefX), c.RefX)},
		{RefYFile, mat.NewDense(1, len(c.RefY), c.RefY)},
	}
	for _, o := range outputs {
		if err := write(o.name, o.m); err != nil {
			return err
		}
	}
	return nil
}
