package ao

import (
	"context"
	"errors"
	"sync"

	"github.jpl.nasa.gov/bdube/shao/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/shao/wfs"
)

var (
	// ErrBusy is returned when a run is started while another is in progress
	ErrBusy = errors.New("ao: a run is already in progress")

	// ErrNotWaiting is returned by Confirm when no run waits for confirmation
	ErrNotWaiting = errors.New("ao: no run is waiting for confirmation")
)

// keep this many messages in a Snapshot
const messageBacklog = 50

// Snapshot is the state of the supervisor at one instant
type Snapshot struct {
	Running         bool      `json:"running"`
	Kind            string    `json:"kind,omitempty"`
	RunID           string    `json:"runId,omitempty"`
	Variant         string    `json:"variant,omitempty"`
	Depth           int       `json:"depth"`
	State           LoopState `json:"state"`
	AwaitingConfirm bool      `json:"awaitingConfirm"`
	Status          string    `json:"status,omitempty"`
	Error           string    `json:"error,omitempty"`
	Messages        []string  `json:"messages"`
}

// Supervisor runs a Controller in the background, one run at a time, and
// keeps what it reports for pollers.  While a run is in progress the Locker,
// if any, is held so the mirror cannot be commanded by hand.
type Supervisor struct {
	c      *Controller
	locker *locker.Locker

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	snap     Snapshot
	frame    wfs.Frame
	result   *Result
	scan     *ScanResult
	confirm  chan struct{}
	awaiting bool
}

// NewSupervisor takes over the Observer and Confirm hooks of c.  An Observer
// already set on c still receives every event.  l may be nil.
func NewSupervisor(c *Controller, l *locker.Locker) *Supervisor {
	s := &Supervisor{c: c, locker: l, confirm: make(chan struct{}, 1)}
	prev := c.Observer
	c.Observer = ObserverFunc(func(e Event) {
		s.Notify(e)
		if prev != nil {
			prev.Notify(e)
		}
	})
	c.Confirm = s.waitConfirm
	return s
}

// Notify implements Observer
func (s *Supervisor) Notify(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case Progress:
		s.snap.Depth = e.Depth
		s.snap.State = e.State
	case Frame:
		s.frame = e.Frame
	case Message:
		s.snap.Messages = append(s.snap.Messages, e.Message)
		if over := len(s.snap.Messages) - messageBacklog; over > 0 {
			s.snap.Messages = append([]string(nil), s.snap.Messages[over:]...)
		}
	case RunFailed:
		if e.Err != nil {
			s.snap.Error = e.Err.Error()
		}
	}
}

func (s *Supervisor) waitConfirm(ctx context.Context, msg string) error {
	s.mu.Lock()
	s.awaiting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.awaiting = false
		s.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.confirm:
		return nil
	}
}

// Confirm releases a run waiting after its mode injection
func (s *Supervisor) Confirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awaiting {
		return ErrNotWaiting
	}
	select {
	case s.confirm <- struct{}{}:
	default:
	}
	return nil
}

// begin marks a run as started, lock held by the caller
func (s *Supervisor) begin(kind string) (context.Context, error) {
	if s.cancel != nil {
		return nil, ErrBusy
	}
	// drain a confirmation left over from the previous run
	select {
	case <-s.confirm:
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.snap = Snapshot{Running: true, Kind: kind}
	s.frame = wfs.Frame{}
	if s.locker != nil {
		s.locker.LockFor("ao " + kind)
	}
	return ctx, nil
}

func (s *Supervisor) end(status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.cancel = nil
	s.snap.Running = false
	s.snap.Status = status.String()
	if err != nil {
		s.snap.Error = err.Error()
	}
	if s.locker != nil {
		s.locker.Unlock()
	}
	close(s.done)
}

// Start begins a closed-loop run with variant v
func (s *Supervisor) Start(v Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, err := s.begin("run")
	if err != nil {
		return err
	}
	s.snap.Variant = v.String()
	go func() {
		res, err := s.c.Run(ctx, v)
		s.mu.Lock()
		s.result = &res
		s.snap.RunID = res.RunID
		s.mu.Unlock()
		s.end(res.Status, err)
	}()
	return nil
}

// StartScan begins a focus scan
func (s *Supervisor) StartScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, err := s.begin("scan")
	if err != nil {
		return err
	}
	go func() {
		res, err := s.c.Scan(ctx)
		s.mu.Lock()
		s.scan = &res
		s.snap.RunID = res.RunID
		s.mu.Unlock()
		s.end(res.Status, err)
	}()
	return nil
}

// Stop cancels the run in progress, if any, without waiting for it
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the run in progress, if any, has ended
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of the supervisor
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.AwaitingConfirm = s.awaiting
	out.Messages = append([]string(nil), s.snap.Messages...)
	return out
}

// Result returns the last finished closed-loop run, if any
func (s *Supervisor) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// ScanResult returns the last finished scan, if any
func (s *Supervisor) ScanResult() (ScanResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scan == nil {
		return ScanResult{}, false
	}
	return *s.scan, true
}

// Frame returns the last frame reported by the run
func (s *Supervisor) Frame() (wfs.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, len(s.frame.Pix) > 0
}

// Configure applies fcn to the controller configuration; it fails with
// ErrBusy while a run is in progress
func (s *Supervisor) Configure(fcn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrBusy
	}
	return fcn(&s.c.Config)
}

// Config returns a copy of the controller configuration
func (s *Supervisor) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Config
}
