package zernike

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Evaluation is the score of one coefficient vector
type Evaluation struct {
	// RMS is the root-sum-square of every coefficient
	RMS float64

	// RMSPartial is the RMS with the excluded modes zeroed
	RMSPartial float64

	// Strehl is the Marechal approximation of the Strehl ratio from RMSPartial
	Strehl float64

	// Converged is true if Strehl reached a positive tolerance
	Converged bool
}

// RMS is the root of the sum of squared coefficients.  Zernike modes are
// orthonormal over the pupil, so this is the RMS wavefront error.
func RMS(coeffs []float64) float64 {
	return math.Sqrt(floats.Dot(coeffs, coeffs))
}

// Partial returns a copy of coeffs with the excluded indices set to zero.
// Indices outside the vector are ignored.
func Partial(coeffs []float64, excluded []int) []float64 {
	out := append([]float64(nil), coeffs...)
	for _, idx := range excluded {
		if idx >= 0 && idx < len(out) {
			out[idx] = 0
		}
	}
	return out
}

// Strehl computes exp(-(2*pi/lambda * rms)^2).  rms and wavelength share units.
func Strehl(rms, wavelength float64) float64 {
	phase := 2 * math.Pi / wavelength * rms
	return math.Exp(-phase * phase)
}

// Evaluate scores a coefficient vector.  A tolerance <= 0 never converges,
// forcing the loop to run to its iteration limit.
func Evaluate(coeffs []float64, excluded []int, wavelength, tolerance float64) Evaluation {
	part := Partial(coeffs, excluded)
	e := Evaluation{
		RMS:        RMS(coeffs),
		RMSPartial: RMS(part),
	}
	e.Strehl = Strehl(e.RMSPartial, wavelength)
	e.Converged = tolerance > 0 && e.Strehl >= tolerance
	return e
}
