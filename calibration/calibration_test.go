package calibration

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const (
	nSub   = 12
	nModes = 6
	nAct   = 8
	nCtl   = 5
)

func randDense(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

// normalEquationConversion computes U (DᵀD)⁻¹ Dᵀ, with U the upper Cholesky factor of ZᵀZ
func normalEquationConversion(t *testing.T, z, d *mat.Dense) *mat.Dense {
	var ztz mat.SymDense
	ztz.SymOuterK(1, z.T())
	var chol mat.Cholesky
	require.True(t, chol.Factorize(&ztz))
	var u mat.TriDense
	chol.UTo(&u)

	var dtd, inv, pd, conv mat.Dense
	dtd.Mul(d.T(), d)
	require.NoError(t, inv.Inverse(&dtd))
	pd.Mul(&inv, d.T())
	conv.Mul(&u, &pd)
	return &conv
}

func testCalibration(t *testing.T) *Calibration {
	rng := rand.New(rand.NewSource(7))
	c := &Calibration{
		ZernMatrix:      randDense(rng, nSub, nModes),
		DiffMatrix:      randDense(rng, 2*nSub, nModes),
		InfluenceSlopes: randDense(rng, 2*nSub, nAct),
		RefX:            make([]float64, nSub),
		RefY:            make([]float64, nSub),
	}
	for i := 0; i < nSub; i++ {
		c.RefX[i] = 10.5 + 20*float64(i)
		c.RefY[i] = 12.25 + 20*float64(i)
	}
	c.Conversion = normalEquationConversion(t, c.ZernMatrix, c.DiffMatrix)
	var inf mat.Dense
	inf.Mul(c.Conversion, c.InfluenceSlopes)
	ctl, err := Pinv(inf.Slice(0, nCtl, 0, nAct), 1e-6)
	require.NoError(t, err)
	c.Control = ctl
	require.NoError(t, c.Validate(nCtl))
	return c
}

func TestPinvKnownMatrices(t *testing.T) {
	p, err := Pinv(mat.NewDiagDense(2, []float64{2, 0}), DefaultRcond)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(mat.NewDense(2, 2, []float64{0.5, 0, 0, 0}), p, 1e-14))

	// tall, full column rank: pinv(a) a = I
	a := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	p, err = Pinv(a, DefaultRcond)
	require.NoError(t, err)
	var pa mat.Dense
	pa.Mul(p, a)
	assert.True(t, mat.EqualApprox(eye(2), &pa, 1e-12))

	_, err = Pinv(&mat.Dense{}, DefaultRcond)
	assert.True(t, errors.Is(err, ErrRankDeficient))
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func TestRebuildWithoutRemovalIsBaseline(t *testing.T) {
	cal := testCalibration(t)
	m, err := Rebuild(cal, nil, nCtl)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(cal.Conversion, m.Conversion, 1e-9))
	assert.True(t, mat.EqualApprox(cal.Control, m.Control, 1e-9))
	assert.Equal(t, 0, m.Geometry.Len())
	assert.Len(t, m.SingularValues, nCtl)
}

func TestRebuildIsIdempotent(t *testing.T) {
	cal := testCalibration(t)
	a, err := Rebuild(cal, []int{4, 1}, nCtl)
	require.NoError(t, err)
	b, err := Rebuild(cal, []int{1, 4, 4}, nCtl)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a.Conversion, b.Conversion))
	assert.True(t, mat.Equal(a.Control, b.Control))
	assert.Equal(t, []int{1, 4}, a.Geometry.Removed())
	assert.True(t, a.Geometry.Equal(b.Geometry))
}

func TestRebuildReducedShapesAndIdentities(t *testing.T) {
	cal := testCalibration(t)
	before := mat.DenseCopyOf(cal.ZernMatrix)
	m, err := Rebuild(cal, []int{0, 7, 11}, nCtl)
	require.NoError(t, err)
	assert.True(t, mat.Equal(before, cal.ZernMatrix), "calibration mutated")

	r, c := m.Conversion.Dims()
	assert.Equal(t, nModes, r)
	assert.Equal(t, 2*(nSub-3), c)
	r, c = m.Control.Dims()
	assert.Equal(t, nAct, r)
	assert.Equal(t, nCtl, c)

	var ic mat.Dense
	ic.Mul(m.InfluenceModes, m.Control)
	assert.True(t, mat.EqualApprox(eye(nCtl), &ic, 1e-9))
}

func TestRebuildRankDeficient(t *testing.T) {
	cal := testCalibration(t)
	all := make([]int, nSub)
	for i := range all {
		all[i] = i
	}
	_, err := Rebuild(cal, all, nCtl)
	assert.True(t, errors.Is(err, ErrRankDeficient))

	// fewer subapertures than modes cannot support the basis
	_, err = Rebuild(cal, all[:nSub-nModes+1], nCtl)
	assert.True(t, errors.Is(err, ErrRankDeficient))

	_, err = Rebuild(cal, []int{nSub}, nCtl)
	assert.Error(t, err)
}

func TestValidateCatchesShapes(t *testing.T) {
	cal := testCalibration(t)
	bad := *cal
	bad.DiffMatrix = mat.NewDense(2*nSub-1, nModes, nil)
	err := bad.Validate(nCtl)
	var de *DimensionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "diff matrix", de.What)

	bad = *cal
	bad.RefY = bad.RefY[1:]
	assert.Error(t, bad.Validate(nCtl))
	assert.Error(t, cal.Validate(nModes+1))
}

func TestObscurationPolicies(t *testing.T) {
	ref := []float64{10.5, 30.5, 50.5}
	slopes := []float64{-10.5, 0.2, -51}
	assert.Equal(t, []int{0}, Exact.Detect(slopes, ref))
	assert.Equal(t, []int{2}, Snapped.Detect(slopes, ref))
	assert.Nil(t, Exact.Detect([]float64{1, 1, 1}, ref))

	p, err := ParseObscurationPolicy("Snapped")
	require.NoError(t, err)
	assert.Equal(t, Snapped, p)
	p, err = ParseObscurationPolicy("")
	require.NoError(t, err)
	assert.Equal(t, Exact, p)
	_, err = ParseObscurationPolicy("fuzzy")
	assert.Error(t, err)
}

func TestSaveLoadDir(t *testing.T) {
	cal := testCalibration(t)
	dir := t.TempDir()
	require.NoError(t, cal.SaveDir(dir))

	loaded, err := LoadDir(dir, nCtl)
	require.NoError(t, err)
	assert.True(t, mat.Equal(cal.Conversion, loaded.Conversion))
	assert.Equal(t, cal.RefX, loaded.RefX)

	// control is rebuilt when absent
	require.NoError(t, os.Remove(filepath.Join(dir, ControlFile)))
	loaded, err = LoadDir(dir, nCtl)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(cal.Control, loaded.Control, 1e-9))

	_, err = LoadDir(t.TempDir(), nCtl)
	assert.Error(t, err)
}

func TestLoadDirRejectsMalformedBeforeRebuilding(t *testing.T) {
	cal := testCalibration(t)
	bad := *cal
	bad.DiffMatrix = randDense(rand.New(rand.NewSource(3)), 2*nSub, nModes-2)
	dir := t.TempDir()
	require.NoError(t, bad.SaveDir(dir))
	require.NoError(t, os.Remove(filepath.Join(dir, ConversionFile)))

	var loaded *Calibration
	var err error
	require.NotPanics(t, func() { loaded, err = LoadDir(dir, nCtl-2) })
	assert.Nil(t, loaded)
	var de *DimensionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "diff matrix", de.What)
}
