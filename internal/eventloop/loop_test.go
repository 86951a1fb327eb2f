package eventloop_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/go-initd/initd/internal/eventloop"
)

func TestTimerFires(t *testing.T) {
	l := eventloop.New(nil)
	done := make(chan struct{})
	l.AddTimer(5*time.Millisecond, func() { close(done) })
	go l.Run()
	defer l.Quit()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelTimerPreventsFire(t *testing.T) {
	l := eventloop.New(nil)
	var fired bool
	id := l.AddTimer(20*time.Millisecond, func() { fired = true })
	l.CancelTimer(id)
	go l.Run()
	defer l.Quit()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired)
}

func TestEnqueuedFuncRuns(t *testing.T) {
	l := eventloop.New(nil)
	go l.Run()
	defer l.Quit()

	var mu sync.Mutex
	var got int
	var wg sync.WaitGroup
	wg.Add(1)
	l.Enqueue(func() {
		mu.Lock()
		got = 42
		mu.Unlock()
		wg.Done()
	})

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 42, got)
}

func TestQuitStopsRun(t *testing.T) {
	l := eventloop.New(nil)
	returned := make(chan struct{})
	go func() {
		l.Run()
		close(returned)
	}()
	l.Quit()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Quit")
	}
}
