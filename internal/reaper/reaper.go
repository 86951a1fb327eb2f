// Package reaper implements signal blocking and child reaping:
// it blocks SIGCHLD/SIGHUP/SIGINT/SIGTERM/SIGUSR1/SIGUSR2/SIGPWR, routes
// SIGCHLD to a non-blocking Wait4 loop that hands exited pids back to the
// registry/PSM, and maps the remaining signals to predefined runlevel
// transitions via Router.
package reaper

import (
	"os"
	"os/signal"
	"sync"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"golang.org/x/sys/unix"

	"github.com/go-initd/initd/internal/eventloop"
)

// Router maps the signals the supervisor reacts to onto GSM operations. It
// is satisfied by internal/gsm.GSM.
type Router interface {
	SetRunlevel(level int)
	RequestReload()
}

// ExitInfo describes one reaped child.
type ExitInfo struct {
	PID      int
	ExitCode int
	Signaled bool
}

// RegistryView is the minimal registry surface the reaper needs: find the
// record that owns a pid so its exit can be recorded.
type RegistryView interface {
	OnChildExit(info ExitInfo)
}

// Reaper owns the OS signal channel and the non-blocking wait loop.
type Reaper struct {
	log *golog.Logger

	loop *eventloop.Loop
	reg  RegistryView
	rt   Router

	sigCh chan os.Signal

	mu           sync.Mutex
	syncShutdown bool
}

// New creates a Reaper bound to loop, reg and rt. Call Start to begin
// receiving signals.
func New(loop *eventloop.Loop, reg RegistryView, rt Router, log *golog.Logger) *Reaper {
	return &Reaper{
		log:   log,
		loop:  loop,
		reg:   reg,
		rt:    rt,
		sigCh: make(chan os.Signal, 32),
	}
}

// blockedSignals is the set of signals this process handles itself rather
// than acting on the kernel default (reap on SIGCHLD, reload on SIGHUP,
// runlevel change on the SysV-compatible runlevel signals, and so on).
var blockedSignals = []os.Signal{
	unix.SIGCHLD,
	unix.SIGHUP,
	unix.SIGINT,
	unix.SIGTERM,
	unix.SIGUSR1,
	unix.SIGUSR2,
	unix.SIGPWR,
	unix.SIGALRM,
}

// Start registers for the blocked signal set and begins feeding them to the
// event loop. The signal channel is the Go runtime's edge-triggered
// equivalent of a self-pipe / signalfd: delivery only sets a flag (the
// channel send) and the real handling happens on the loop goroutine via
// Enqueue.
func (r *Reaper) Start() {
	signal.Notify(r.sigCh, blockedSignals...)
	go r.pump()
}

// Stop stops receiving new signals (does not drain already-queued ones).
func (r *Reaper) Stop() {
	signal.Stop(r.sigCh)
}

// SetSyncShutdown toggles discarding SIGCHLD delivery to the normal path
// while the shutdown collaborator performs its own synchronous reaping
//.
func (r *Reaper) SetSyncShutdown(on bool) {
	r.mu.Lock()
	r.syncShutdown = on
	r.mu.Unlock()
}

func (r *Reaper) pump() {
	for sig := range r.sigCh {
		s := sig
		r.loop.Enqueue(func() { r.handle(s) })
	}
}

func (r *Reaper) handle(sig os.Signal) {
	switch sig {
	case unix.SIGCHLD:
		r.reapAll()
	case unix.SIGHUP:
		r.rt.RequestReload()
	case unix.SIGINT:
		r.rt.SetRunlevel(6)
	case unix.SIGTERM:
		r.rt.SetRunlevel(0)
	case unix.SIGUSR1:
		// single-user
		r.rt.SetRunlevel(1)
	case unix.SIGUSR2:
		r.rt.SetRunlevel(0)
	case unix.SIGPWR:
		// powerfail: treated as an ordinary runlevel target so the parser
		// collaborator's powerfail runlevel selection can map to it; we use
		// runlevel 0 as the conservative default, matching SIGUSR2/halt.
		r.rt.SetRunlevel(0)
	}
}

// reapAll loops Wait4(-1, WNOHANG) until no more children are ready, since
// SIGCHLD delivery can coalesce multiple exits into one signal.
func (r *Reaper) reapAll() {
	r.mu.Lock()
	discard := r.syncShutdown
	r.mu.Unlock()

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		if discard {
			continue
		}
		info := ExitInfo{PID: pid}
		if ws.Exited() {
			info.ExitCode = ws.ExitStatus()
		} else if ws.Signaled() {
			info.Signaled = true
			info.ExitCode = 128 + int(ws.Signal())
		}
		if r.log != nil {
			r.log.Log(syslog.LOG_DEBUG, "reaped child", "pid", pid, "code", info.ExitCode)
		}
		r.reg.OnChildExit(info)
	}
}

// ReapSync performs one synchronous, blocking round of Wait4 calls used by
// the shutdown collaborator once SetSyncShutdown(true) has taken effect and
// the normal SIGCHLD path has been told to discard. It returns
// once no child remains among pids.
func ReapSync(pids []int) {
	remaining := make(map[int]bool, len(pids))
	for _, p := range pids {
		remaining[p] = true
	}
	for len(remaining) > 0 {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			return
		}
		delete(remaining, pid)
	}
}
