package calibration

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// DefaultRcond is the relative singular value cutoff used when rebuilding
const DefaultRcond = 1e-15

// maxCond is the largest condition number of ZᵀZ treated as positive definite
const maxCond = 1e12

// ErrRankDeficient is generated when the active subapertures cannot support the modal basis
var ErrRankDeficient = errors.New("calibration: geometry is rank deficient")

// Matrices is the product of a rebuild for one subaperture geometry
type Matrices struct {
	// Geometry is the set of removed subapertures the matrices were built for
	Geometry Geometry

	// Conversion maps the reduced slope vector to Zernike coefficients, M x 2(N-r)
	Conversion *mat.Dense

	// InfluenceModes is the Zernike response of each actuator, K x A
	InfluenceModes *mat.Dense

	// Control is the pseudo-inverse of InfluenceModes, A x K
	Control *mat.Dense

	// SingularValues of InfluenceModes, descending
	SingularValues []float64
}

// Pinv computes the Moore-Penrose pseudo-inverse of a through its thin SVD.
// Singular values at or below rcond * max(s) are treated as zero.
func Pinv(a mat.Matrix, rcond float64) (*mat.Dense, error) {
	p, _, err := pinv(a, rcond)
	return p, err
}

func pinv(a mat.Matrix, rcond float64) (*mat.Dense, []float64, error) {
	r, c := a.Dims()
	if r == 0 || c == 0 {
		return nil, nil, ErrRankDeficient
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, nil, fmt.Errorf("calibration: SVD did not converge")
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := rcond * s[0]
	k := len(s)
	vs := mat.NewDense(c, k, nil)
	for j := 0; j < k; j++ {
		if s[j] <= cutoff || s[j] == 0 {
			continue
		}
		inv := 1 / s[j]
		for i := 0; i < c; i++ {
			vs.Set(i, j, v.At(i, j)*inv)
		}
	}
	var out mat.Dense
	out.Mul(vs, u.T())
	return &out, s, nil
}

// removeRows returns a copy of m without the given rows
func removeRows(m *mat.Dense, rows map[int]bool) *mat.Dense {
	r, c := m.Dims()
	keep := r - len(rows)
	if keep <= 0 || c == 0 {
		return nil
	}
	out := mat.NewDense(keep, c, nil)
	ii := 0
	for i := 0; i < r; i++ {
		if rows[i] {
			continue
		}
		out.SetRow(ii, m.RawRowView(i))
		ii++
	}
	return out
}

// Rebuild derives the conversion and control matrices for the geometry with
// the removed subapertures excluded.  removed need not be sorted; duplicates
// are ignored.  cal is not modified.
func Rebuild(cal *Calibration, removed []int, controlCoeffs int) (Matrices, error) {
	n := cal.Subapertures()
	geo, err := NewGeometry(removed, n)
	if err != nil {
		return Matrices{}, err
	}
	if geo.Len() >= n {
		return Matrices{}, fmt.Errorf("%w: all %d subapertures removed", ErrRankDeficient, n)
	}
	modes := cal.Modes()
	if controlCoeffs <= 0 || controlCoeffs > modes {
		return Matrices{}, fmt.Errorf("calibration: %d control coefficients requested of %d modes", controlCoeffs, modes)
	}

	sub := make(map[int]bool, geo.Len())
	slopeRows := make(map[int]bool, 2*geo.Len())
	for _, idx := range geo.Removed() {
		sub[idx] = true
		slopeRows[idx] = true
		slopeRows[idx+n] = true
	}
	z := removeRows(cal.ZernMatrix, sub)
	f := removeRows(cal.InfluenceSlopes, slopeRows)
	d := removeRows(cal.DiffMatrix, slopeRows)

	// P = chol(ZᵀZ), upper triangular so that ZᵀZ = PᵀP
	var ztz mat.SymDense
	ztz.SymOuterK(1, z.T())
	var chol mat.Cholesky
	if !chol.Factorize(&ztz) || chol.Cond() > maxCond {
		return Matrices{}, fmt.Errorf("%w: ZᵀZ is not positive definite with %d subapertures removed", ErrRankDeficient, geo.Len())
	}
	var p mat.TriDense
	chol.UTo(&p)

	dinv, err := Pinv(d, DefaultRcond)
	if err != nil {
		return Matrices{}, err
	}
	var conv mat.Dense
	conv.Mul(&p, dinv)

	var infFull mat.Dense
	infFull.Mul(&conv, f)
	_, a := infFull.Dims()
	infModes := mat.DenseCopyOf(infFull.Slice(0, controlCoeffs, 0, a))

	control, s, err := pinv(infModes, DefaultRcond)
	if err != nil {
		return Matrices{}, err
	}
	return Matrices{
		Geometry:       geo,
		Conversion:     &conv,
		InfluenceModes: infModes,
		Control:        control,
		SingularValues: s,
	}, nil
}

// Geometry is a sorted set of removed subaperture indices
type Geometry struct {
	removed []int
}

// NewGeometry validates, sorts and deduplicates the removed indices against n subapertures
func NewGeometry(removed []int, n int) (Geometry, error) {
	seen := make(map[int]bool, len(removed))
	out := make([]int, 0, len(removed))
	for _, idx := range removed {
		if idx < 0 || idx >= n {
			return Geometry{}, fmt.Errorf("calibration: subaperture %d out of range [0, %d)", idx, n)
		}
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return Geometry{removed: out}, nil
}

// Removed returns a copy of the removed indices, ascending
func (g Geometry) Removed() []int {
	return append([]int(nil), g.removed...)
}

// Len is the number of removed subapertures
func (g Geometry) Len() int {
	return len(g.removed)
}

// Equal is true if both geometries remove the same subapertures
func (g Geometry) Equal(o Geometry) bool {
	if len(g.removed) != len(o.removed) {
		return false
	}
	for i := range g.removed {
		if g.removed[i] != o.removed[i] {
			return false
		}
	}
	return true
}
