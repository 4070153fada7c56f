/*Package zernike converts Shack-Hartmann slope vectors to Zernike coefficients
and scores the residual wavefront.

A Converter wraps a conversion matrix of shape (modes, 2*subapertures).  The
slope vector it consumes is the concatenation of the x slopes and the y slopes
of the active subapertures, in that order.  Converters are immutable; a change
in the active geometry produces a new Converter.
*/
package zernike

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrDimension is generated when a slope vector does not match the conversion matrix
var ErrDimension = errors.New("zernike: slope vector length does not match conversion matrix")

// Converter maps slope vectors to Zernike coefficient vectors
type Converter struct {
	m      *mat.Dense
	coeffs int
}

// NewConverter copies m and returns a Converter which yields the first coeffs
// coefficients of m*slopes.  coeffs <= 0 keeps every row of m.
func NewConverter(m mat.Matrix, coeffs int) (*Converter, error) {
	r, _ := m.Dims()
	if coeffs <= 0 {
		coeffs = r
	}
	if coeffs > r {
		return nil, fmt.Errorf("zernike: %d coefficients requested, conversion matrix has %d rows", coeffs, r)
	}
	return &Converter{m: mat.DenseCopyOf(m), coeffs: coeffs}, nil
}

// Coeffs is the length of the vectors produced by Convert
func (c *Converter) Coeffs() int {
	return c.coeffs
}

// SlopeLen is the length of the slope vectors accepted by Convert
func (c *Converter) SlopeLen() int {
	_, cols := c.m.Dims()
	return cols
}

// Matrix returns a copy of the conversion matrix
func (c *Converter) Matrix() *mat.Dense {
	return mat.DenseCopyOf(c.m)
}

// Convert applies the conversion matrix to a slope vector
func (c *Converter) Convert(slopes []float64) ([]float64, error) {
	r, cols := c.m.Dims()
	if len(slopes) != cols {
		return nil, fmt.Errorf("%w: got %d, need %d", ErrDimension, len(slopes), cols)
	}
	var out mat.VecDense
	out.MulVec(c.m, mat.NewVecDense(cols, append([]float64(nil), slopes...)))
	coeffs := make([]float64, c.coeffs)
	for i := 0; i < c.coeffs && i < r; i++ {
		coeffs[i] = out.AtVec(i)
	}
	return coeffs, nil
}

// WithoutSubapertures returns a Converter with the columns of the removed
// subapertures deleted, both the x column (idx) and the y column (idx+subaps).
// It is the cheap geometry update: the remaining columns are not recomputed.
func (c *Converter) WithoutSubapertures(removed []int, subaps int) (*Converter, error) {
	r, cols := c.m.Dims()
	if cols != 2*subaps {
		return nil, fmt.Errorf("%w: %d columns for %d subapertures", ErrDimension, cols, subaps)
	}
	drop := make(map[int]bool, 2*len(removed))
	for _, idx := range removed {
		if idx < 0 || idx >= subaps {
			return nil, fmt.Errorf("zernike: subaperture index %d out of range [0, %d)", idx, subaps)
		}
		drop[idx] = true
		drop[idx+subaps] = true
	}
	if len(drop) == cols {
		return nil, fmt.Errorf("zernike: every subaperture removed")
	}
	keep := make([]int, 0, cols-len(drop))
	for j := 0; j < cols; j++ {
		if !drop[j] {
			keep = append(keep, j)
		}
	}
	sort.Ints(keep)
	out := mat.NewDense(r, len(keep), nil)
	for jj, j := range keep {
		for i := 0; i < r; i++ {
			out.Set(i, jj, c.m.At(i, j))
		}
	}
	return &Converter{m: out, coeffs: c.coeffs}, nil
}
