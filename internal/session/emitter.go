package session

import "sync"

// emitter delivers events in order on its own goroutine. The queue is
// unbounded so the loop never blocks on a slow handler.
type emitter struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEmitter() *emitter {
	e := &emitter{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// emit schedules fn. Events emitted after close are discarded.
func (e *emitter) emit(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.signal()
}

// close lets the goroutine drain what is already queued, then exit.
func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
}

func (e *emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-e.wake
			continue
		}
		for _, fn := range batch {
			fn()
		}
	}
}
