// Package imgrec contains an image recorder used to automatically save images to disk,
// and the FITS helpers shao uses for frames and matrices.
package imgrec

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.jpl.nasa.gov/bdube/shao/generichttp"
)

// Recorder records image sequences with incrementing filenames in yyyy-mm-dd
// subfolders of Root.  The exported fields may be set before first use; after
// that, go through the setters.  It is safe for concurrent use.
type Recorder struct {
	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool

	mu sync.Mutex
}

func dayFolder(t time.Time) string {
	y, m, d := t.Date()
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// folder makes today's folder and returns it.  mu must be held
func (r *Recorder) folder() (string, error) {
	fldr := filepath.Join(r.Root, dayFolder(time.Now()))
	return fldr, os.MkdirAll(fldr, 0777)
}

// Folder is the dated folder the recorder currently writes to, created if needed
func (r *Recorder) Folder() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.folder()
}

// Active is true if the recorder is enabled and has somewhere to write
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled && r.Root != ""
}

// WriteImage writes one float image to the next file in the sequence and
// returns its path
func (r *Recorder) WriteImage(width, height int, pix []float64, metadata ...fitsio.Card) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fldr, err := r.folder()
	if err != nil {
		return "", err
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, nextIndex(fldr, r.Prefix)))
	fid, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer fid.Close()
	return fn, WriteFits(fid, metadata, width, height, pix)
}

// nextIndex is one past the highest numbered prefix*.fits file in fldr, so a
// restarted recorder never overwrites
func nextIndex(fldr, prefix string) int {
	files, err := os.ReadDir(fldr)
	if err != nil {
		return 1
	}
	count := 0
	for _, file := range files {
		fn := file.Name()
		if file.IsDir() || !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fn, prefix), ".fits"))
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count + 1
}

// SetRoot changes the root folder and makes today's folder under it
func (r *Recorder) SetRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Root = root
	_, err := r.folder()
	return err
}

// SetPrefix changes the filename prefix
func (r *Recorder) SetPrefix(prefix string) {
	r.mu.Lock()
	r.Prefix = prefix
	r.mu.Unlock()
}

// SetEnabled turns the recorder on or off
func (r *Recorder) SetEnabled(b bool) {
	r.mu.Lock()
	r.Enabled = b
	r.mu.Unlock()
}

func (r *Recorder) snapshot() (root, prefix string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Root, r.Prefix, r.Enabled
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and
// /autowrite/enabled to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = generichttp.SetString(h.SetRoot)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = generichttp.GetString(func() (string, error) {
		root, _, _ := h.snapshot()
		return root, nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = generichttp.SetString(func(s string) error {
		h.SetPrefix(s)
		return nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = generichttp.GetString(func() (string, error) {
		_, prefix, _ := h.snapshot()
		return prefix, nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(func(b bool) error {
		h.SetEnabled(b)
		return nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = generichttp.GetBool(func() (bool, error) {
		_, _, enabled := h.snapshot()
		return enabled, nil
	})
}
