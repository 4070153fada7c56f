package mirror

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.jpl.nasa.gov/bdube/shao/generichttp"
)

// single is used to decode single actuator commands over JSON
type single struct {
	Idx   int     `json:"idx"`
	Value float64 `json:"value"`
}

// jsonarray is used to decode array commands over JSON.
// this is very inefficient encoding and not suitable for high speed operation,
// but offers simplicity when speed is not paramount
type jsonarray struct {
	Value []float64 `json:"value"`
}

// HTTPWrapper wraps a Mirror in an HTTP control interface.  It remembers the
// last vector sent through it so single-actuator commands can be applied.
type HTTPWrapper struct {
	Mirror Mirror

	mu   sync.Mutex
	last []float64

	generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper around m with its routes populated.
// actuators sizes the vector for single-actuator commands.
func NewHTTPWrapper(m Mirror, actuators int) *HTTPWrapper {
	w := &HTTPWrapper{Mirror: m, last: make([]float64, actuators)}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/array"}:  w.SetArray,
		{Method: http.MethodGet, Path: "/array"}:   w.GetArray,
		{Method: http.MethodPost, Path: "/single"}: w.SetSingle,
		{Method: http.MethodPost, Path: "/reset"}:  w.Reset,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h *HTTPWrapper) send(v []float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.Mirror.Send(v); err != nil {
		return err
	}
	h.last = append(h.last[:0], v...)
	return nil
}

// Reset resets the mirror
func (h *HTTPWrapper) Reset(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	err := h.Mirror.Reset()
	if err == nil {
		for i := range h.last {
			h.last[i] = 0
		}
	}
	h.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetArray writes an array to the mirror; the body is JSON {"value": [...]}
func (h *HTTPWrapper) SetArray(w http.ResponseWriter, r *http.Request) {
	ja := jsonarray{}
	err := json.NewDecoder(r.Body).Decode(&ja)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.send(ja.Value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetArray returns the last array sent, from the mirror if it can report it
func (h *HTTPWrapper) GetArray(w http.ResponseWriter, r *http.Request) {
	var (
		v   []float64
		err error
	)
	if g, ok := h.Mirror.(Getter); ok {
		v, err = g.Last()
	} else {
		h.mu.Lock()
		v = append([]float64(nil), h.last...)
		h.mu.Unlock()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(jsonarray{Value: v})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetSingle changes one actuator of the last array and sends the result
func (h *HTTPWrapper) SetSingle(w http.ResponseWriter, r *http.Request) {
	s := single{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	if s.Idx < 0 || s.Idx >= len(h.last) {
		h.mu.Unlock()
		http.Error(w, "actuator index out of range", http.StatusBadRequest)
		return
	}
	v := append([]float64(nil), h.last...)
	h.mu.Unlock()
	v[s.Idx] = s.Value
	err = h.send(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
