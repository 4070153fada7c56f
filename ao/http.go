package ao

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/astrogo/fitsio"

	"github.jpl.nasa.gov/bdube/shao/generichttp"
	"github.jpl.nasa.gov/bdube/shao/imgrec"
)

// HTTPWrapper exposes a Supervisor over HTTP
type HTTPWrapper struct {
	S *Supervisor

	generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper around s with its routes populated
func NewHTTPWrapper(s *Supervisor) HTTPWrapper {
	w := HTTPWrapper{S: s}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/run"}:        w.Run,
		{Method: http.MethodPost, Path: "/scan"}:       w.Scan,
		{Method: http.MethodPost, Path: "/stop"}:       w.Stop,
		{Method: http.MethodPost, Path: "/confirm"}:    w.Confirm,
		{Method: http.MethodGet, Path: "/status"}:      w.Status,
		{Method: http.MethodGet, Path: "/result"}:      w.Result,
		{Method: http.MethodGet, Path: "/scan-result"}: w.ScanResult,
		{Method: http.MethodGet, Path: "/frame"}:       w.Frame,

		{Method: http.MethodGet, Path: "/loop-gain"}: generichttp.GetFloat(func() (float64, error) {
			return s.Config().LoopGain, nil
		}),
		{Method: http.MethodPost, Path: "/loop-gain"}: generichttp.SetFloat(func(f float64) error {
			return s.Configure(func(c *Config) error {
				if f <= 0 || f > 1 {
					return fmt.Errorf("%w: loop gain %v outside (0, 1]", ErrConfig, f)
				}
				c.LoopGain = f
				return nil
			})
		}),
		{Method: http.MethodGet, Path: "/loop-max"}: generichttp.GetInt(func() (int, error) {
			return s.Config().LoopMax, nil
		}),
		{Method: http.MethodPost, Path: "/loop-max"}: generichttp.SetInt(func(i int) error {
			return s.Configure(func(c *Config) error {
				if i < 0 {
					return fmt.Errorf("%w: LoopMax %d is negative", ErrConfig, i)
				}
				c.LoopMax = i
				return nil
			})
		}),
		{Method: http.MethodGet, Path: "/tolerance"}: generichttp.GetFloat(func() (float64, error) {
			return s.Config().Tolerance, nil
		}),
		{Method: http.MethodPost, Path: "/tolerance"}: generichttp.SetFloat(func(f float64) error {
			return s.Configure(func(c *Config) error {
				c.Tolerance = f
				return nil
			})
		}),
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func startError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, ErrBusy) {
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

// Run starts a closed-loop run; the body is JSON {"str": variant}
func (h HTTPWrapper) Run(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := ParseVariant(str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.S.Start(v); err != nil {
		startError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Scan starts a focus scan
func (h HTTPWrapper) Scan(w http.ResponseWriter, r *http.Request) {
	if err := h.S.StartScan(); err != nil {
		startError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Stop cancels the run in progress
func (h HTTPWrapper) Stop(w http.ResponseWriter, r *http.Request) {
	h.S.Stop()
	w.WriteHeader(http.StatusOK)
}

// Confirm releases a run waiting after its mode injection
func (h HTTPWrapper) Confirm(w http.ResponseWriter, r *http.Request) {
	if err := h.S.Confirm(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Status returns the supervisor snapshot as JSON
func (h HTTPWrapper) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.S.Status())
}

// Result returns the last closed-loop result as JSON
func (h HTTPWrapper) Result(w http.ResponseWriter, r *http.Request) {
	res, ok := h.S.Result()
	if !ok {
		http.Error(w, "no run has finished", http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

// ScanResult returns the last scan result as JSON
func (h HTTPWrapper) ScanResult(w http.ResponseWriter, r *http.Request) {
	res, ok := h.S.ScanResult()
	if !ok {
		http.Error(w, "no scan has finished", http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

// Frame returns the last marked sensor frame as FITS
func (h HTTPWrapper) Frame(w http.ResponseWriter, r *http.Request) {
	f, ok := h.S.Frame()
	if !ok {
		http.Error(w, "no frame available", http.StatusNotFound)
		return
	}
	snap := h.S.Status()
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", "attachment; filename=ao_frame.fits")
	cards := []fitsio.Card{{Name: "RUNID", Value: snap.RunID}, {Name: "STREHL", Value: snap.State.Strehl}}
	err := imgrec.WriteFits(w, cards, f.Width, f.Height, f.Pix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
