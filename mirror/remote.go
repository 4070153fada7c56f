package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// Remote is a Mirror served over HTTP by an HTTPWrapper
type Remote struct {
	// Addr is the base URL of the mirror, e.g. http://localhost:8000/dm
	Addr string

	// Client is the HTTP client used; http.DefaultClient if nil
	Client *http.Client
}

// NewRemote returns a new remote mirror whose requests time out after timeout
func NewRemote(addr string, timeout time.Duration) *Remote {
	return &Remote{Addr: strings.TrimSuffix(addr, "/"), Client: &http.Client{Timeout: timeout}}
}

func (r *Remote) client() *http.Client {
	if r.Client == nil {
		return http.DefaultClient
	}
	return r.Client
}

func (r *Remote) post(path string, body interface{}) error {
	var rdr io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return err
		}
		rdr = buf
	}
	resp, err := r.client().Post(r.Addr+path, "application/json", rdr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("mirror: %s answered %s: %s", resp.Request.URL, resp.Status, strings.TrimSpace(string(msg)))
}

// Send implements Mirror
func (r *Remote) Send(v []float64) error {
	return r.post("/array", jsonarray{Value: v})
}

// Reset implements Mirror
func (r *Remote) Reset() error {
	return r.post("/reset", nil)
}

// Last implements Getter
func (r *Remote) Last() ([]float64, error) {
	resp, err := r.client().Get(r.Addr + "/array")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err = checkResponse(resp); err != nil {
		return nil, err
	}
	ja := jsonarray{}
	err = json.NewDecoder(resp.Body).Decode(&ja)
	return ja.Value, err
}

// Dial probes the mirror server until it answers, with exponential backoff
// up to maxElapsed.  It is meant to be called once before a run.
func (r *Remote) Dial(maxElapsed time.Duration) error {
	op := func() error {
		resp, err := r.client().Get(r.Addr + "/endpoints")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return checkResponse(resp)
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("mirror: no answer from %s: %w", r.Addr, err)
	}
	return nil
}
