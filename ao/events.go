package ao

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/shao/wfs"
)

// EventKind tags an Event
type EventKind int

const (
	// Started is sent once when a run begins
	Started EventKind = iota

	// Progress carries one LoopState
	Progress

	// Frame carries a marked sensor image
	Frame

	// Message carries a line of operator text
	Message

	// Done carries the Result of a run that did not fail
	Done

	// RunFailed carries the Result and error of a failed run
	RunFailed
)

var eventNames = [...]string{"started", "progress", "frame", "message", "done", "failed"}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventNames[k]
}

// Event is a snapshot of a run.  Its fields are not shared with the controller.
type Event struct {
	Kind    EventKind
	RunID   string
	Variant Variant
	Time    time.Time

	// Depth is the index of the focus step
	Depth int

	State   LoopState
	Frame   wfs.Frame
	Message string
	Result  *Result
	Err     error
}

// Observer receives the events of a run on the run goroutine; it must not block for long
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to an Observer
type ObserverFunc func(Event)

// Notify implements Observer
func (f ObserverFunc) Notify(e Event) {
	f(e)
}

// emitter stamps and forwards events, throttling frames
type emitter struct {
	obs     Observer
	runID   string
	variant Variant
	frames  *rate.Limiter
}

func newEmitter(obs Observer, runID string, v Variant, frameRate float64) *emitter {
	lim := rate.NewLimiter(rate.Inf, 1)
	if frameRate > 0 {
		lim = rate.NewLimiter(rate.Limit(frameRate), 1)
	}
	return &emitter{obs: obs, runID: runID, variant: v, frames: lim}
}

func (e *emitter) send(ev Event) {
	if e.obs == nil {
		return
	}
	ev.RunID = e.runID
	ev.Variant = e.variant
	ev.Time = time.Now()
	e.obs.Notify(ev)
}

// say logs a message and forwards it
func (e *emitter) say(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Println(msg)
	e.send(Event{Kind: Message, Message: msg})
}

func (e *emitter) frame(depth int, f wfs.Frame) {
	if e.obs == nil || !e.frames.Allow() {
		return
	}
	e.send(Event{Kind: Frame, Depth: depth, Frame: f.Copy()})
}
