package wfs

import (
	"fmt"
	"math"
)

// CenterOfMass finds one spot per subaperture by the intensity-weighted
// centroid of a square search block around each reference position.
// The mode is accepted and ignored; every mode centroids the same way.
type CenterOfMass struct {
	// RefX and RefY are the reference centroid coordinates, pixels
	RefX, RefY []float64

	// BlockSize is the side of the search block, pixels
	BlockSize int
}

// Slopes implements SlopeExtractor
func (c CenterOfMass) Slopes(img Frame, mode Mode) (Centroids, error) {
	n := len(c.RefX)
	if len(c.RefY) != n {
		return Centroids{}, fmt.Errorf("wfs: %d x references and %d y references", n, len(c.RefY))
	}
	if c.BlockSize < 1 {
		return Centroids{}, fmt.Errorf("wfs: search block size must be positive, got %d", c.BlockSize)
	}
	if len(img.Pix) != img.Width*img.Height {
		return Centroids{}, fmt.Errorf("wfs: frame has %d pixels, want %dx%d", len(img.Pix), img.Width, img.Height)
	}
	half := c.BlockSize / 2
	out := Centroids{Slopes: Slopes{X: make([]float64, n), Y: make([]float64, n)}}
	for i := 0; i < n; i++ {
		cx0 := int(math.Round(c.RefX[i]))
		cy0 := int(math.Round(c.RefY[i]))
		var sum, sx, sy float64
		for y := cy0 - half; y <= cy0+half; y++ {
			if y < 0 || y >= img.Height {
				continue
			}
			for x := cx0 - half; x <= cx0+half; x++ {
				if x < 0 || x >= img.Width {
					continue
				}
				v := img.Pix[y*img.Width+x]
				sum += v
				sx += v * float64(x)
				sy += v * float64(y)
			}
		}
		var cx, cy float64
		if sum > 0 {
			cx, cy = sx/sum, sy/sum
			out.Positions = append(out.Positions, int(math.Round(cy))*img.Width+int(math.Round(cx)))
		}
		out.X[i] = cx - c.RefX[i]
		out.Y[i] = cy - c.RefY[i]
	}
	return out, nil
}
