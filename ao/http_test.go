package ao

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/shao/generichttp"
	"github.jpl.nasa.gov/bdube/shao/imgrec"
	"github.jpl.nasa.gov/bdube/shao/mock"
	"github.jpl.nasa.gov/bdube/shao/server/middleware/locker"
)

func newServer(t *testing.T, c *Controller) (*Supervisor, *locker.Locker, *httptest.Server) {
	t.Helper()
	l := locker.New()
	s := NewSupervisor(c, l)
	r := chi.NewRouter()
	NewHTTPWrapper(s).RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return s, l, srv
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf := &bytes.Buffer{}
	if body != nil {
		require.NoError(t, json.NewEncoder(buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", buf)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestHTTPRun(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{Aberration: aberration})
	c.Config.FramePreviewRate = 100
	s, _, srv := newServer(t, c)

	resp, err := http.Get(srv.URL + "/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/run", generichttp.StrT{Str: "bogus"}).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, srv.URL+"/run", generichttp.StrT{Str: "plain"}).StatusCode)
	s.Wait()

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.False(t, snap.Running)
	assert.Equal(t, "Completed", snap.Status)
	assert.Equal(t, "plain", snap.Variant)
	assert.True(t, snap.State.Converged)
	assert.NotEmpty(t, snap.Messages)

	resp, err = http.Get(srv.URL + "/result")
	require.NoError(t, err)
	var res struct {
		RunID   string
		Status  string
		Variant string
		Depths  []DepthResult
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, "Completed", res.Status)
	assert.Equal(t, snap.RunID, res.RunID)
	assert.Equal(t, 4, res.Depths[0].LoopNum)

	resp, err = http.Get(srv.URL + "/frame")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	axes, pix, err := imgrec.ReadImage(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []int{64, 64}, axes)
	assert.Len(t, pix, 64*64)
}

func TestHTTPParameters(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{})
	s, _, srv := newServer(t, c)
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/loop-gain", generichttp.FloatT{F64: 0.5}).StatusCode)
	assert.Equal(t, http.StatusInternalServerError, post(t, srv.URL+"/loop-gain", generichttp.FloatT{F64: 2}).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/loop-max", generichttp.IntT{Int: 7}).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/tolerance", generichttp.FloatT{F64: 0.9}).StatusCode)

	resp, err := http.Get(srv.URL + "/loop-gain")
	require.NoError(t, err)
	var f generichttp.FloatT
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	resp.Body.Close()
	assert.Equal(t, 0.5, f.F64)
	assert.Equal(t, 7, s.Config().LoopMax)
	assert.Equal(t, 0.9, s.Config().Tolerance)
}

func TestSupervisorConfirmLocksAndBusy(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{})
	c.Config.Injection.Enabled = true
	c.Config.Injection.Target = []float64{0, 0, 0.5}
	var observed int
	c.Observer = ObserverFunc(func(e Event) {
		if e.Kind == Done {
			observed++
		}
	})
	s, l, srv := newServer(t, c)

	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/confirm", nil).StatusCode)
	require.NoError(t, s.Start(Plain))
	require.Eventually(t, func() bool { return s.Status().AwaitingConfirm }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, l.Locked())
	assert.ErrorIs(t, s.Start(Plain), ErrBusy)
	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/scan", nil).StatusCode)
	assert.ErrorIs(t, s.Configure(func(*Config) error { return nil }), ErrBusy)

	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/confirm", nil).StatusCode)
	s.Wait()
	assert.False(t, l.Locked())
	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, Completed, res.Status)
	assert.Equal(t, 1, observed, "an observer set before the supervisor still sees events")
}

func TestSupervisorStop(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{})
	c.Config.Injection.Enabled = true
	c.Config.Injection.Target = []float64{0, 0, 0.5}
	s, _, srv := newServer(t, c)
	require.NoError(t, s.Start(ObscurationAware))
	require.Eventually(t, func() bool { return s.Status().AwaitingConfirm }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/stop", nil).StatusCode)
	s.Wait()
	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, Cancelled, res.Status)
	assert.Equal(t, ObscurationAware, res.Variant)
	assert.Equal(t, "Cancelled", s.Status().Status)
}

func TestSupervisorScan(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{Aberration: aberration})
	c.Focus = focusPlan(2)
	s, _, srv := newServer(t, c)
	assert.Equal(t, http.StatusAccepted, post(t, srv.URL+"/scan", nil).StatusCode)
	s.Wait()
	res, ok := s.ScanResult()
	require.True(t, ok)
	assert.Len(t, res.Steps, 2)
	_, ok = s.Result()
	assert.False(t, ok)
}

func TestWaitConfirmHonoursContext(t *testing.T) {
	c, _, _ := newRig(t, mock.Options{})
	s := NewSupervisor(c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Confirm(ctx, "waiting"), context.DeadlineExceeded)
	assert.False(t, s.Status().AwaitingConfirm)
}
