package session

import "testing"

func TestEmitterPreservesOrder(t *testing.T) {
	e := newEmitter()
	got := make(chan int, 100)
	for i := 0; i < 100; i++ {
		i := i // per-iteration copy; go directive is below 1.22
		e.emit(func() { got <- i })
	}
	e.emit(nil)
	e.close()
	<-e.done

	if len(got) != 100 {
		t.Fatalf("delivered %d events, want 100", len(got))
	}
	for i := 0; i < 100; i++ {
		if v := <-got; v != i {
			t.Fatalf("event %d delivered as %d", i, v)
		}
	}
}

func TestEmitterHandlerMayEmit(t *testing.T) {
	e := newEmitter()
	defer e.close()

	done := make(chan struct{})
	e.emit(func() {
		e.emit(func() { close(done) })
	})
	waitFor(t, done, "nested event")
}

func TestEmitterDropsAfterClose(t *testing.T) {
	e := newEmitter()
	e.close()
	<-e.done

	called := make(chan struct{}, 1)
	e.emit(func() { called <- struct{}{} })
	expectNone(t, called, "event after close")
}
