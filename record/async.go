package record

import (
	"log"
	"sync"

	"github.jpl.nasa.gov/bdube/shao/wfs"
)

type op struct {
	dataset string
	row     []float64
	frame   *wfs.Frame
	summary *Summary
	done    chan error
}

// Async moves the writes to another Sink onto a goroutine so a slow disk does
// not stall the caller.  Append and AppendFrame block only when the queue is
// full.  The first write error is kept and returned by Finalize or Close.
type Async struct {
	next  Sink
	queue chan op
	wg    sync.WaitGroup

	// sendMu guards closed and the queue against close during a send
	sendMu sync.RWMutex
	closed bool

	mu  sync.Mutex
	err error
}

// NewAsync starts the writer goroutine; depth is the queue length
func NewAsync(next Sink, depth int) *Async {
	a := &Async{next: next, queue: make(chan op, depth)}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer a.wg.Done()
	for o := range a.queue {
		var err error
		switch {
		case o.summary != nil:
			err = a.next.Finalize(*o.summary)
		case o.frame != nil:
			err = a.next.AppendFrame(o.dataset, *o.frame)
		default:
			err = a.next.Append(o.dataset, o.row)
		}
		if o.done != nil {
			o.done <- a.takeErr(err)
			continue
		}
		if err != nil {
			log.Printf("record: writing %s: %v", o.dataset, err)
			a.mu.Lock()
			if a.err == nil {
				a.err = err
			}
			a.mu.Unlock()
		}
	}
}

// takeErr returns err, or the kept error if err is nil, and clears the kept error
func (a *Async) takeErr(err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		err = a.err
	}
	a.err = nil
	return err
}

func (a *Async) push(o op) error {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	a.queue <- o
	return nil
}

// Append implements Sink
func (a *Async) Append(dataset string, row []float64) error {
	return a.push(op{dataset: dataset, row: row})
}

// AppendFrame implements Sink
func (a *Async) AppendFrame(dataset string, f wfs.Frame) error {
	return a.push(op{dataset: dataset, frame: &f})
}

// Finalize waits for every queued write and the summary to reach the next sink
func (a *Async) Finalize(s Summary) error {
	done := make(chan error, 1)
	if err := a.push(op{summary: &s, done: done}); err != nil {
		return err
	}
	return <-done
}

// Close drains the queue and stops the writer goroutine.  Writes after Close fail.
func (a *Async) Close() error {
	a.sendMu.Lock()
	if a.closed {
		a.sendMu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.sendMu.Unlock()
	a.wg.Wait()
	return a.takeErr(nil)
}
