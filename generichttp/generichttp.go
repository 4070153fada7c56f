// Package generichttp contains the route table and JSON payload types shared
// by the HTTP wrappers of shao, and a few higher order handler constructors
package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// BoolT is a struct with a single bool field, for JSON {"bool": true}
type BoolT struct {
	Bool bool `json:"bool"`
}

// FloatT is a struct with a single float64 field, for JSON {"f64": 1.5}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, for JSON {"int": 3}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, for JSON {"str": "abc"}
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload holds one of the basic types, tagged by T, and knows how to
// send itself back to a client as one of the single-field JSON types above
type HumanPayload struct {
	Bool   bool
	Float  float64
	Int    int
	String string

	// T tags which field is populated
	T types.BasicKind
}

// EncodeAndRespond writes the payload to w as JSON
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("unsupported payload type %v", hp.T), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding payload to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// MethodPath is an HTTP method and a path (chi pattern)
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps method+path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints returns the sorted "METHOD /path" strings of the table
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for k := range rt {
		out = append(out, k.Method+" "+k.Path)
	}
	sort.Strings(out)
	return out
}

// Bind registers every route on r, plus GET /endpoints listing them
func (rt RouteTable) Bind(r chi.Router) {
	for k, f := range rt {
		r.MethodFunc(k.Method, k.Path, f)
	}
	r.Get("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(rt.Endpoints())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// HTTPer is something with a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize makes str a valid chi mount point: a leading slash and no
// trailing slash.  The empty string becomes "/".
func SubMuxSanitize(str string) string {
	str = strings.TrimSpace(str)
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	if len(str) > 1 {
		str = strings.TrimSuffix(str, "/")
	}
	return str
}
