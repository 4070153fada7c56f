package imgrec

import (
	"errors"
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/mat"
)

// ErrNoImage is generated when a FITS file has no image in its primary HDU
var ErrNoImage = errors.New("imgrec: primary HDU is not an image")

// WriteFits streams a single float32 image to w.  pix is row-major with
// width columns.
func WriteFits(w io.Writer, metadata []fitsio.Card, width, height int, pix []float64) error {
	if len(pix) != width*height {
		return fmt.Errorf("imgrec: %d pixels for a %dx%d image", len(pix), width, height)
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-32, []int{width, height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	buf := make([]float32, len(pix))
	for idx, v := range pix {
		buf[idx] = float32(v)
	}
	err = im.Write(buf)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// WriteMatrix streams m to w as a float64 image, NAXIS1 = columns
func WriteMatrix(w io.Writer, m mat.Matrix, metadata ...fitsio.Card) error {
	r, c := m.Dims()
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{c, r})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	buf := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			buf = append(buf, m.At(i, j))
		}
	}
	err = im.Write(buf)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// ReadImage reads the primary image of a FITS stream, converting any BITPIX
// to float64.  Integer images are scaled by BSCALE and BZERO.  axes is
// NAXIS1, NAXIS2, ...
func ReadImage(r io.Reader) (axes []int, data []float64, err error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, nil, ErrNoImage
	}
	hdr := img.Header()
	axes = hdr.Axes()
	n := 1
	for _, a := range axes {
		n *= a
	}
	if len(axes) == 0 {
		n = 0
	}
	data = make([]float64, n)
	switch hdr.Bitpix() {
	case 8:
		buf := make([]byte, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case 16:
		buf := make([]int16, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case 32:
		buf := make([]int32, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case 64:
		buf := make([]int64, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case -32:
		buf := make([]float32, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case -64:
		err = img.Read(&data)
	default:
		err = fmt.Errorf("imgrec: unsupported BITPIX %d", hdr.Bitpix())
	}
	if err != nil {
		return nil, nil, err
	}
	if hdr.Bitpix() > 0 {
		zero, scale := cardFloat(hdr, "BZERO", 0), cardFloat(hdr, "BSCALE", 1)
		if zero != 0 || scale != 1 {
			for i := range data {
				data[i] = data[i]*scale + zero
			}
		}
	}
	return axes, data, nil
}

// cardFloat returns the numeric value of a header card, or def
func cardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	c := hdr.Get(name)
	if c == nil {
		return def
	}
	switch v := c.Value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return def
}

// ReadMatrix reads the primary image of a FITS stream as a matrix with
// NAXIS1 columns.  A 1-D image is a single row.
func ReadMatrix(r io.Reader) (*mat.Dense, error) {
	axes, data, err := ReadImage(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("imgrec: empty image")
	}
	cols := axes[0]
	return mat.NewDense(len(data)/cols, cols, data), nil
}
