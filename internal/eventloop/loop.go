// Package eventloop implements the single-threaded dispatch core (spec
// §4.1): timers, plus signal and readable-fd work that other goroutines
// hand in through Enqueue/EnqueueSignal (so the real handler runs on the
// loop goroutine, not an async-signal context), all serialized onto one
// goroutine. The loop does not poll file descriptors itself: callbacks
// registered with AddFD are recorded but never invoked by Run.
//
// Nothing else in this module is allowed to run PSM/GSM logic off this
// goroutine; that is what gives the rest of the core its "no locks needed"
// property.
package eventloop

import (
	"container/heap"
	"os"
	"sync"
	"time"

	golog "github.com/One-com/gone/log"
)

// TimerFunc is called when a timer expires. It runs on the loop goroutine.
type TimerFunc func()

// FDFunc is the callback AddFD records for a file descriptor. Run does not
// invoke it; fd readers deliver their work through Enqueue instead.
type FDFunc func()

// SignalFunc is called when a blocked signal is delivered. It runs on the
// loop goroutine, not in signal context.
type SignalFunc func(os.Signal)

type timerEntry struct {
	deadline time.Time
	fn       TimerFunc
	index    int
	canceled bool
}

// timerHeap is a min-heap on deadline, giving O(log n) arm/cancel/pop.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerID is an opaque handle returned by AddTimer, used to cancel it.
type TimerID = *timerEntry

// Loop serializes timers and enqueued work (signals, fd events) onto one
// goroutine. Registration can be called from any goroutine; callbacks
// always run on the loop goroutine.
type Loop struct {
	log *golog.Logger

	mu      sync.Mutex
	timers  timerHeap
	fds     map[int]FDFunc
	sigFn   SignalFunc
	wake    chan struct{}
	quit    chan struct{}
	quitted bool

	// pending holds work enqueued by registration calls made from other
	// goroutines (e.g. a SIGCHLD handler on a different call path, or a
	// condition-store OnChange callback) until the loop goroutine can run
	// it, preserving single-threaded execution of all callbacks.
	pendingMu sync.Mutex
	pending   []func()
}

// New creates a Loop. log may be nil to discard diagnostics.
func New(log *golog.Logger) *Loop {
	return &Loop{
		log:  log,
		fds:  make(map[int]FDFunc),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AddTimer arms a relative one-shot timer. Missed ticks collapse: if the
// loop is busy past the deadline, fn still runs exactly once on the next
// iteration.
func (l *Loop) AddTimer(d time.Duration, fn TimerFunc) TimerID {
	l.mu.Lock()
	e := &timerEntry{deadline: time.Now().Add(d), fn: fn}
	heap.Push(&l.timers, e)
	l.mu.Unlock()
	l.notify()
	return e
}

// CancelTimer cancels a previously armed timer. Idempotent.
func (l *Loop) CancelTimer(id TimerID) {
	if id == nil {
		return
	}
	l.mu.Lock()
	id.canceled = true
	l.mu.Unlock()
}

// SetSignalHandler installs the function called for every signal delivered
// through Notify/self-pipe plumbing owned by the caller (internal/reaper
// feeds signals in via Enqueue).
func (l *Loop) SetSignalHandler(fn SignalFunc) {
	l.mu.Lock()
	l.sigFn = fn
	l.mu.Unlock()
}

// AddFD registers fd for readability notification. The caller (e.g. the
// control socket listener) is responsible for actually polling fd; Enqueue
// is how it hands the resulting callback to the loop.
func (l *Loop) AddFD(fd int, fn FDFunc) {
	l.mu.Lock()
	l.fds[fd] = fn
	l.mu.Unlock()
}

// RemoveFD unregisters fd.
func (l *Loop) RemoveFD(fd int) {
	l.mu.Lock()
	delete(l.fds, fd)
	l.mu.Unlock()
}

// Enqueue schedules fn to run on the loop goroutine at the next iteration.
// Safe to call from any goroutine (e.g. a blocking Accept() loop running on
// its own goroutine, or the reaper's SIGCHLD self-pipe reader).
func (l *Loop) Enqueue(fn func()) {
	l.pendingMu.Lock()
	l.pending = append(l.pending, fn)
	l.pendingMu.Unlock()
	l.notify()
}

// EnqueueSignal schedules the installed SignalFunc to run with sig.
func (l *Loop) EnqueueSignal(sig os.Signal) {
	l.Enqueue(func() {
		l.mu.Lock()
		fn := l.sigFn
		l.mu.Unlock()
		if fn != nil {
			fn(sig)
		}
	})
}

// Quit stops Run at the next iteration.
func (l *Loop) Quit() {
	l.mu.Lock()
	if !l.quitted {
		l.quitted = true
		close(l.quit)
	}
	l.mu.Unlock()
	l.notify()
}

func (l *Loop) drainPending() {
	l.pendingMu.Lock()
	work := l.pending
	l.pending = nil
	l.pendingMu.Unlock()
	for _, fn := range work {
		l.runGuarded(fn)
	}
}

// runGuarded executes a callback. A handler panic is strictly worse to
// paper over than to let surface: we do not recover here, so a panic
// propagates out of Run, letting the caller's fatal reporting path (or, as
// PID 1, the kernel's panic-on-init-death behavior) take over.
func (l *Loop) runGuarded(fn func()) {
	fn()
}

// Run blocks until Quit is called. On each iteration it drains enqueued
// work, fires any expired timers (collapsing missed ticks), and otherwise
// sleeps until the next timer deadline or a wakeup.
func (l *Loop) Run() {
	for {
		select {
		case <-l.quit:
			return
		default:
		}

		l.drainPending()

		select {
		case <-l.quit:
			return
		default:
		}

		var timeout <-chan time.Time
		now := time.Now()

		for {
			l.mu.Lock()
			if l.timers.Len() == 0 {
				l.mu.Unlock()
				break
			}
			next := l.timers[0]
			if next.canceled {
				heap.Pop(&l.timers)
				l.mu.Unlock()
				continue
			}
			if !next.deadline.After(now) {
				heap.Pop(&l.timers)
				l.mu.Unlock()
				l.runGuarded(next.fn)
				continue
			}
			d := next.deadline.Sub(now)
			l.mu.Unlock()
			timeout = time.After(d)
			break
		}

		select {
		case <-l.quit:
			return
		case <-l.wake:
		case <-timeout:
		}
	}
}
