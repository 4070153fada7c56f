package wfs

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/shao/imgrec"
)

// scripted returns its frames and errors in order
type scripted struct {
	frames []Frame
	errs   []error
	calls  int
}

func (s *scripted) GrabFrame(h, w int) (Frame, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Frame{}, s.errs[i]
	}
	return s.frames[i], nil
}

func constant(w, h int, v float64) Frame {
	f := Frame{Width: w, Height: h, Pix: make([]float64, w*h)}
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func TestAcquireSkipsTimeouts(t *testing.T) {
	cam := &scripted{
		frames: []Frame{constant(2, 2, 1), {}, constant(2, 2, 3)},
		errs:   []error{nil, ErrTimeout, nil},
	}
	f, err := Acquire(cam, 2, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2, 2}, f.Pix)
	assert.Equal(t, 3, cam.calls)
}

func TestAcquireAllTimedOut(t *testing.T) {
	cam := &scripted{frames: make([]Frame, 2), errs: []error{ErrTimeout, ErrTimeout}}
	_, err := Acquire(cam, 2, 2, 2)
	assert.True(t, errors.Is(err, ErrNoFrames))
}

func TestAcquireOtherErrorAborts(t *testing.T) {
	boom := errors.New("usb unplugged")
	cam := &scripted{frames: make([]Frame, 2), errs: []error{boom}}
	_, err := Acquire(cam, 2, 2, 2)
	assert.True(t, errors.Is(err, boom))
}

func TestAcquireRejectsShortFrame(t *testing.T) {
	short := constant(4, 4, 1)
	short.Pix = short.Pix[:15]
	cam := &scripted{frames: []Frame{constant(4, 4, 1), short}}
	var err error
	require.NotPanics(t, func() { _, err = Acquire(cam, 4, 4, 2) })
	assert.ErrorIs(t, err, ErrFrameSize)

	_, err = Crop(Frame{Width: 6, Height: 6, Pix: make([]float64, 30)}, 4, 4)
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestCropCentre(t *testing.T) {
	f := Frame{Width: 4, Height: 4, Pix: []float64{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
		12, 13, 14, 15,
	}}
	c, err := Crop(f, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 9, 10}, c.Pix)
	_, err = Crop(f, 5, 2)
	assert.Error(t, err)
}

func TestThreshold(t *testing.T) {
	f := Frame{Width: 4, Height: 1, Pix: []float64{0, 2, 5, 10}}
	out := Threshold(f, 0.3)
	assert.Equal(t, []float64{0, 0, 2, 7}, out.Pix)
	assert.Equal(t, []float64{0, 2, 5, 10}, f.Pix)
}

func TestSlopesHelpers(t *testing.T) {
	s := Slopes{X: []float64{1, 2, 3}, Y: []float64{4, 6, 8}}
	assert.Equal(t, []float64{1, 2, 3, 4, 6, 8}, s.Vector())
	m := s.RemoveMean()
	assert.InDeltaSlice(t, []float64{-1, 0, 1}, m.X, 1e-12)
	assert.InDeltaSlice(t, []float64{-2, 0, 2}, m.Y, 1e-12)
	w := s.Without([]int{1})
	assert.Equal(t, []float64{1, 3}, w.X)
	assert.Equal(t, []float64{4, 8}, w.Y)
	assert.Equal(t, 3, s.Len())
}

func TestCenterOfMass(t *testing.T) {
	// 8x4 frame, two subapertures referenced at (1.5, 1) and (5.5, 1)
	f := Frame{Width: 8, Height: 4, Pix: make([]float64, 32)}
	f.Pix[1*8+2] = 1 // spot at (2, 1)
	ex := CenterOfMass{RefX: []float64{1.5, 5.5}, RefY: []float64{1, 1}, BlockSize: 3}
	c, err := ex.Slopes(f, ModePlain)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, c.X[0], 1e-12)
	assert.InDelta(t, 0.0, c.Y[0], 1e-12)
	// nothing in the second block: centroid zero, slope = -ref
	assert.Equal(t, -5.5, c.X[1])
	assert.Equal(t, -1.0, c.Y[1])
	assert.Equal(t, []int{1*8 + 2}, c.Positions)

	marked := MarkCentroids(f, c.Positions)
	assert.Equal(t, 0.0, marked.Pix[10])
	assert.Equal(t, 1.0, f.Pix[10])
}

func TestRemoteCamera(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, imgrec.WriteFits(&buf, nil, 3, 2, []float64{1, 2, 3, 4, 5, 6}))
	timeout := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if timeout {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		assert.Equal(t, "/image", r.URL.Path)
		assert.Equal(t, "fits", r.URL.Query().Get("fmt"))
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	cam := &Remote{Addr: srv.URL}
	f, err := cam.GrabFrame(2, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, f.Pix)

	timeout = true
	_, err = cam.GrabFrame(2, 3)
	assert.True(t, errors.Is(err, ErrTimeout))
}
