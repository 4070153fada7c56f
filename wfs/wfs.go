/*Package wfs holds the Shack-Hartmann wavefront sensor side of the loop:
frame acquisition from a camera, thresholding, and slope extraction.

Frames are row-major float64 images.  Slopes are per-subaperture spot
displacements from the reference centroids, x and y kept separately.
*/
package wfs

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrTimeout is returned, wrapped, by cameras when a frame did not arrive in time
	ErrTimeout = errors.New("wfs: frame timed out")

	// ErrNoFrames is generated when every frame of an acquisition timed out
	ErrNoFrames = errors.New("wfs: no frames acquired")

	// ErrFrameSize is generated when a frame's pixels disagree with its dimensions
	ErrFrameSize = errors.New("wfs: frame size mismatch")
)

// Frame is a row-major image
type Frame struct {
	Width, Height int
	Pix           []float64
}

// At returns the pixel at column x, row y
func (f Frame) At(x, y int) float64 {
	return f.Pix[y*f.Width+x]
}

// Copy returns a deep copy of f
func (f Frame) Copy() Frame {
	f.Pix = append([]float64(nil), f.Pix...)
	return f
}

// Camera grabs single frames of at least height x width pixels
type Camera interface {
	GrabFrame(height, width int) (Frame, error)
}

// Crop returns the centred height x width region of f
func Crop(f Frame, height, width int) (Frame, error) {
	if f.Width < 0 || f.Height < 0 || len(f.Pix) != f.Width*f.Height {
		return Frame{}, fmt.Errorf("%w: %d pixels in a %dx%d frame", ErrFrameSize, len(f.Pix), f.Width, f.Height)
	}
	if f.Width == width && f.Height == height {
		return f, nil
	}
	if f.Width < width || f.Height < height {
		return Frame{}, fmt.Errorf("wfs: %dx%d frame smaller than the %dx%d sensor region", f.Width, f.Height, width, height)
	}
	x0 := (f.Width - width) / 2
	y0 := (f.Height - height) / 2
	out := Frame{Width: width, Height: height, Pix: make([]float64, 0, width*height)}
	for y := y0; y < y0+height; y++ {
		out.Pix = append(out.Pix, f.Pix[y*f.Width+x0:y*f.Width+x0+width]...)
	}
	return out, nil
}

// Acquire grabs n frames, crops each to the centred height x width region
// and averages them.  Timed out frames are skipped; ErrNoFrames is returned
// if all of them timed out.  Any other camera error aborts the acquisition.
func Acquire(cam Camera, height, width, n int) (Frame, error) {
	if n < 1 {
		n = 1
	}
	acc := Frame{Width: width, Height: height, Pix: make([]float64, width*height)}
	got := 0
	for i := 0; i < n; i++ {
		f, err := cam.GrabFrame(height, width)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			return Frame{}, err
		}
		f, err = Crop(f, height, width)
		if err != nil {
			return Frame{}, err
		}
		floats.Add(acc.Pix, f.Pix)
		got++
	}
	if got == 0 {
		return Frame{}, fmt.Errorf("%w: %d of %d timed out", ErrNoFrames, n, n)
	}
	floats.Scale(1/float64(got), acc.Pix)
	return acc, nil
}

// Threshold returns a copy of f with frac times its maximum subtracted and
// negative pixels clipped to zero
func Threshold(f Frame, frac float64) Frame {
	out := f.Copy()
	if len(out.Pix) == 0 {
		return out
	}
	floats.AddConst(-frac*floats.Max(out.Pix), out.Pix)
	for i, v := range out.Pix {
		if v < 0 {
			out.Pix[i] = 0
		}
	}
	return out
}

// MarkCentroids returns a copy of f with the pixels at the flattened
// positions set to zero, for display.  Positions outside f are ignored.
func MarkCentroids(f Frame, positions []int) Frame {
	out := f.Copy()
	for _, p := range positions {
		if p >= 0 && p < len(out.Pix) {
			out.Pix[p] = 0
		}
	}
	return out
}

// Mode selects the centroiding behavior of an extractor for a loop variant
type Mode int

// centroiding modes of the four loop variants
const (
	ModePlain                 Mode = 3
	ModeObscuration           Mode = 5
	ModePartial               Mode = 7
	ModeObscurationAndPartial Mode = 9
)

// Slopes are the x and y spot displacements of the active subapertures
type Slopes struct {
	X, Y []float64
}

// Len is the number of subapertures
func (s Slopes) Len() int {
	return len(s.X)
}

// Vector concatenates X then Y
func (s Slopes) Vector() []float64 {
	out := make([]float64, 0, len(s.X)+len(s.Y))
	out = append(out, s.X...)
	return append(out, s.Y...)
}

// RemoveMean returns a copy with the mean of each axis subtracted (tip/tilt removal)
func (s Slopes) RemoveMean() Slopes {
	sub := func(v []float64) []float64 {
		out := append([]float64(nil), v...)
		if len(out) > 0 {
			floats.AddConst(-stat.Mean(out, nil), out)
		}
		return out
	}
	return Slopes{X: sub(s.X), Y: sub(s.Y)}
}

// Without returns a copy with the subapertures at the removed indices dropped
func (s Slopes) Without(removed []int) Slopes {
	drop := make(map[int]bool, len(removed))
	for _, idx := range removed {
		drop[idx] = true
	}
	out := Slopes{X: make([]float64, 0, len(s.X)), Y: make([]float64, 0, len(s.Y))}
	for i := range s.X {
		if drop[i] {
			continue
		}
		out.X = append(out.X, s.X[i])
		out.Y = append(out.Y, s.Y[i])
	}
	return out
}

// Centroids is the output of an extractor
type Centroids struct {
	Slopes

	// Positions are the flattened pixel indices of the found spots
	Positions []int
}

// SlopeExtractor computes slopes from a thresholded frame.  A subaperture
// with no spot reports a centroid of zero: its slope is the negated reference.
type SlopeExtractor interface {
	Slopes(img Frame, mode Mode) (Centroids, error)
}
