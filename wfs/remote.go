package wfs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.jpl.nasa.gov/bdube/shao/imgrec"
)

// Remote is a Camera served over HTTP by a golab-style camera server, which
// answers GET /image?fmt=fits with one frame
type Remote struct {
	// Addr is the base URL of the camera, e.g. http://192.168.100.40:8000/wfs
	Addr string

	// Client is the HTTP client used; http.DefaultClient if nil
	Client *http.Client
}

// NewRemote returns a remote camera whose frame requests time out after timeout
func NewRemote(addr string, timeout time.Duration) *Remote {
	return &Remote{Addr: addr, Client: &http.Client{Timeout: timeout}}
}

// GrabFrame implements Camera.  The server decides the frame size; Acquire crops it.
func (r *Remote) GrabFrame(height, width int) (Frame, error) {
	cl := r.Client
	if cl == nil {
		cl = http.DefaultClient
	}
	resp, err := cl.Get(r.Addr + "/image?fmt=fits")
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Frame{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Frame{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return Frame{}, fmt.Errorf("%w: camera answered %s", ErrTimeout, resp.Status)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Frame{}, fmt.Errorf("wfs: camera answered %s: %s", resp.Status, msg)
	}
	axes, data, err := imgrec.ReadImage(resp.Body)
	if err != nil {
		return Frame{}, err
	}
	if len(axes) < 2 {
		return Frame{}, fmt.Errorf("wfs: camera sent a %d-D image", len(axes))
	}
	w, h := axes[0], axes[1]
	return Frame{Width: w, Height: h, Pix: data[:w*h]}, nil
}
