// Package session implements the connection-oriented layer on top of a
// substrate: the protocol framer, the client state machine and the server
// connection registry.
//
// Every Client and Server owns one Loop goroutine. All of their state is
// mutated only there; public methods called from other goroutines are
// serialized onto it. Events are handed to a separate emitter goroutine so
// event handlers may call back into the public API.
package session

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// taskBufferSize is the capacity of the loop's task queue.
const taskBufferSize = 64

// Loop is the single goroutine that polls the substrate on every tick and
// runs tasks posted from elsewhere.
type Loop struct {
	clk      clock.Clock
	interval time.Duration
	tick     func()
	onStop   func()

	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newLoop creates a loop; call start to launch its goroutine. tick runs on
// every interval, onStop runs on the loop goroutine right before it exits.
func newLoop(parent context.Context, clk clock.Clock, interval time.Duration, tick, onStop func()) *Loop {
	ctx, cancel := context.WithCancel(parent)
	return &Loop{
		clk:      clk,
		interval: interval,
		tick:     tick,
		onStop:   onStop,
		tasks:    make(chan func(), taskBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (l *Loop) start() {
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)

	ticker := l.clk.Ticker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			if l.onStop != nil {
				l.onStop()
			}
			return

		case fn := <-l.tasks:
			fn()

		case <-ticker.C:
			l.tick()
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
// It returns ErrClosed if the loop stopped before fn could run.
// Do must not be called from the loop goroutine itself: code running there
// calls the loop-side methods directly instead.
func (l *Loop) Do(fn func()) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	finished := make(chan struct{})
	task := func() {
		fn()
		close(finished)
	}

	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// fn may have completed just before the loop exited.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Post enqueues fn without waiting. It reports false if the loop is gone.
func (l *Loop) Post(fn func()) bool {
	// With room in tasks both cases below are ready after Stop.
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// AfterFunc arms a timer whose callback is posted onto the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *clock.Timer {
	return l.clk.AfterFunc(d, func() {
		l.Post(fn)
	})
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly,
// never from the loop goroutine.
func (l *Loop) Stop() {
	l.cancel()
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
