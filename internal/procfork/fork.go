// Package procfork implements the fork/exec discipline and serves as the
// internal/psm.Actuator used by the live supervisor (tests bind a fake
// Actuator instead): same Setpgid-based process-group signaling as a
// classic single-process-type supervisor, generalized to operate on a
// record.Record plus the cgroup and logging collaborators a real service
// needs.
package procfork

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"time"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"golang.org/x/sys/unix"

	"github.com/go-initd/initd/internal/cgroup"
	"github.com/go-initd/initd/internal/eventloop"
	"github.com/go-initd/initd/internal/inetd"
	"github.com/go-initd/initd/internal/logging"
	"github.com/go-initd/initd/internal/psm"
	"github.com/go-initd/initd/internal/reaper"
	"github.com/go-initd/initd/internal/record"
)

// Actuator is the live psm.Actuator: it really forks, really signals, and
// arms real event-loop timers.
type Actuator struct {
	log          *golog.Logger
	loop         *eventloop.Loop
	cgroups      *cgroup.Manager
	onTimerHit   func(rec *record.Record, purpose psm.TimerPurpose)
	onChildExit  func(info reaper.ExitInfo)
	registerConn func(parent *record.Record, pid int)

	cmds      map[record.Key]*exec.Cmd
	timers    map[record.Key]eventloop.TimerID
	closers   map[int][]io.Closer // pid -> stdio closers, released on CloseStdio
	listeners map[record.Key]*inetd.Listener
	nextPID   int // synthetic, strictly negative pids assigned to INETD listeners
}

// New creates a live Actuator.
//
// onTimerHit is called on the event-loop goroutine when one of rec's timers
// fires; the caller (internal/gsm) uses it to invoke psm.OnKillTimer /
// psm.OnRetryTimer and then re-step.
//
// onChildExit is called (hopped onto the event-loop goroutine) when an INETD
// listener is closed, using the same reaper.ExitInfo shape a real Wait4 reap
// would produce, so the GSM's one OnChildExit path handles both.
//
// registerConn is called (also hopped onto the event-loop goroutine) once a
// per-connection child has been exec'd for an INETD service, so the GSM can
// create its INETD_CONN record.
func New(loop *eventloop.Loop, cgroups *cgroup.Manager, log *golog.Logger,
	onTimerHit func(*record.Record, psm.TimerPurpose),
	onChildExit func(reaper.ExitInfo),
	registerConn func(parent *record.Record, pid int),
) *Actuator {
	return &Actuator{
		log:          log,
		loop:         loop,
		cgroups:      cgroups,
		onTimerHit:   onTimerHit,
		onChildExit:  onChildExit,
		registerConn: registerConn,
		cmds:         make(map[record.Key]*exec.Cmd),
		timers:       make(map[record.Key]eventloop.TimerID),
		closers:      make(map[int][]io.Closer),
		listeners:    make(map[record.Key]*inetd.Listener),
	}
}

// Fork starts rec's argv in a new session and process group, with stdio
// redirected, privileges dropped to rec.User/rec.Group, and HOME/PATH set.
// Any failure in the child is the child's own _exit(1); Fork only reports
// failures that happen before exec (lookup, permissions).
//
// For Kind == INETD, Fork instead opens rec.ListenAddr and starts accepting
// connections; the returned "pid" is a synthetic negative handle (real pids
// are always positive) so the PSM's pid-liveness check still works, and
// Signal/Close drive the listener rather than a process group.
func (a *Actuator) Fork(rec *record.Record) (int, error) {
	if rec.Kind == record.INETD {
		return a.startListener(rec)
	}
	if len(rec.Argv) == 0 {
		return 0, fmt.Errorf("procfork: empty argv for %s", rec.Key.Command)
	}

	cmd := exec.Command(rec.Argv[0], rec.Argv[1:]...)

	stdout, stderr, closers, err := stdioFor(rec)
	if err != nil {
		return 0, err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// setsid(2) detaches from any controlling tty and also makes the child
	// leader of a new process group whose id is its pid, which is what
	// Signal's kill(-pid) reaches. Setpgid is left unset: setpgid(2) on a
	// session leader fails with EPERM.
	attr := &unix.SysProcAttr{
		Setsid: true,
	}

	if rec.User != "" {
		cred, homeDir, err := credentialFor(rec.User, rec.Group)
		if err != nil {
			return 0, err
		}
		attr.Credential = cred
		cmd.Env = append(os.Environ(), "HOME="+homeDir, "PATH=/usr/sbin:/usr/bin:/sbin:/bin")
	} else {
		cmd.Env = append(os.Environ(), "PATH=/usr/sbin:/usr/bin:/sbin:/bin")
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			c.Close()
		}
		if a.log != nil {
			a.log.Log(syslog.LOG_ERR, "fork failed", "service", rec.Key.Command, "err", err.Error())
		}
		return 0, err
	}

	pid := cmd.Process.Pid
	a.cmds[rec.Key] = cmd

	if a.cgroups != nil {
		if err := a.cgroups.Attach(rec, pid); err != nil && a.log != nil {
			a.log.Log(syslog.LOG_WARNING, "cgroup attach failed", "service", rec.Key.Command, "err", err.Error())
		}
	}

	// internal/reaper's Wait4(-1, WNOHANG) loop is the single reaper in this
	// supervisor: Fork must never call cmd.Wait itself, or the two would
	// race to collect the same pid's exit status. The stdio closers are
	// released from CloseStdio once the reaper reports this pid reaped.
	a.closers[pid] = closers

	if a.log != nil {
		a.log.Log(syslog.LOG_INFO, "started service", "service", rec.Key.Command, "pid", pid)
	}
	return pid, nil
}

// Signal delivers sig to rec's process group (negative pid), matching the
// teacher's Process.Signal: kill(-pgid, sig) reaches children-of-children
// too. For Kind == INETD, sig is interpreted as "stop listening" regardless
// of which signal the PSM sent: there is no process group to reach.
func (a *Actuator) Signal(rec *record.Record, sig unix.Signal) error {
	if rec.Kind == record.INETD {
		return a.stopListener(rec)
	}
	if rec.PID == 0 {
		return fmt.Errorf("procfork: %s not running", rec.Key.Command)
	}
	return unix.Kill(-rec.PID, sig)
}

// ArmTimer arms a one-shot event-loop timer for rec and sets rec.TimerSet.
// The timer's handle is kept in a.timers keyed by record.Key; rec.Timer is
// not written.
func (a *Actuator) ArmTimer(rec *record.Record, d time.Duration, purpose psm.TimerPurpose) {
	if rec.TimerSet {
		// Arming while already armed is a caller error. Callers (psm.Step)
		// are expected to CancelTimer first; defensively cancel here too so
		// a caller bug degrades to "last timer wins" instead of a leak.
		a.CancelTimer(rec)
	}
	key := rec.Key
	id := a.loop.AddTimer(d, func() {
		delete(a.timers, key)
		rec.TimerSet = false
		a.onTimerHit(rec, purpose)
	})
	a.timers[key] = id
	rec.TimerSet = true
}

// CancelTimer cancels rec's armed timer, if any. Idempotent.
func (a *Actuator) CancelTimer(rec *record.Record) {
	if id, ok := a.timers[rec.Key]; ok {
		a.loop.CancelTimer(id)
		delete(a.timers, rec.Key)
	}
	rec.TimerSet = false
}

// Forget drops any bookkeeping for rec once it has left the registry
// (called from the GSM's clean phase after PruneRemoved).
func (a *Actuator) Forget(key record.Key) {
	delete(a.cmds, key)
	delete(a.timers, key)
	delete(a.listeners, key)
}

// startListener opens rec.ListenAddr and begins accepting connections on a
// dedicated goroutine, dispatching each to dispatchConn.
func (a *Actuator) startListener(rec *record.Record) (int, error) {
	l, err := inetd.Listen(rec.ListenAddr, rec.NoWait, func(conn net.Conn) {
		a.dispatchConn(rec, conn)
	}, a.log)
	if err != nil {
		if a.log != nil {
			a.log.Log(syslog.LOG_ERR, "inetd listen failed", "service", rec.Key.Command, "err", err.Error())
		}
		return 0, err
	}
	a.listeners[rec.Key] = l
	go l.Serve()

	a.nextPID--
	pid := a.nextPID
	if a.log != nil {
		a.log.Log(syslog.LOG_INFO, "inetd listening", "service", rec.Key.Command, "addr", rec.ListenAddr)
	}
	return pid, nil
}

// stopListener closes rec's listener, then synthesizes an ExitInfo for the
// GSM's normal OnChildExit path: no SIGCHLD will ever arrive for a
// synthetic listener pid, so this is the only notification that rec.PID has
// gone away.
func (a *Actuator) stopListener(rec *record.Record) error {
	l, ok := a.listeners[rec.Key]
	if !ok {
		return nil
	}
	delete(a.listeners, rec.Key)
	l.Close()
	if a.onChildExit != nil {
		pid := rec.PID
		a.loop.Enqueue(func() { a.onChildExit(reaper.ExitInfo{PID: pid}) })
	}
	return nil
}

// ConnDone implements the GSM's inetd-hook interface: once a connection
// child's INETD_CONN record reaches DONE, admit the next connection on a
// "wait" listener.
func (a *Actuator) ConnDone(parent record.Key) {
	if l, ok := a.listeners[parent]; ok {
		l.ConnDone()
	}
}

// dispatchConn forks parent's argv for one accepted connection, wiring the
// connection's underlying file descriptor to the child's stdin/stdout the
// way classic inetd does. Runs on its own per-connection goroutine (called
// from the Listener), so registerConn is hopped onto the event-loop
// goroutine like every other registry mutation.
func (a *Actuator) dispatchConn(parent *record.Record, conn net.Conn) {
	f, ferr := connFile(conn)
	conn.Close()
	if ferr != nil {
		if a.log != nil {
			a.log.Log(syslog.LOG_ERR, "inetd: connection has no usable fd", "service", parent.Key.Command, "err", ferr.Error())
		}
		return
	}
	defer f.Close()

	if len(parent.Argv) == 0 {
		if a.log != nil {
			a.log.Log(syslog.LOG_ERR, "inetd: empty argv", "service", parent.Key.Command)
		}
		return
	}

	stderr, closer, err := stderrFor(parent)
	if err != nil {
		if a.log != nil {
			a.log.Log(syslog.LOG_ERR, "inetd: stderr setup failed", "service", parent.Key.Command, "err", err.Error())
		}
		return
	}

	cmd := exec.Command(parent.Argv[0], parent.Argv[1:]...)
	cmd.Stdin = f
	cmd.Stdout = f
	cmd.Stderr = stderr
	attr := &unix.SysProcAttr{Setsid: true} // new session and process group; see Fork

	if parent.User != "" {
		cred, homeDir, err := credentialFor(parent.User, parent.Group)
		if err != nil {
			closer.Close()
			if a.log != nil {
				a.log.Log(syslog.LOG_ERR, "inetd: credential lookup failed", "service", parent.Key.Command, "err", err.Error())
			}
			return
		}
		attr.Credential = cred
		cmd.Env = append(os.Environ(), "HOME="+homeDir, "PATH=/usr/sbin:/usr/bin:/sbin:/bin")
	} else {
		cmd.Env = append(os.Environ(), "PATH=/usr/sbin:/usr/bin:/sbin:/bin")
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		closer.Close()
		if a.log != nil {
			a.log.Log(syslog.LOG_ERR, "inetd: connection dispatch failed", "service", parent.Key.Command, "err", err.Error())
		}
		return
	}

	pid := cmd.Process.Pid
	a.closers[pid] = []io.Closer{closer}
	if a.log != nil {
		a.log.Log(syslog.LOG_INFO, "inetd dispatched connection", "service", parent.Key.Command, "pid", pid)
	}
	if a.registerConn != nil {
		a.loop.Enqueue(func() { a.registerConn(parent, pid) })
	}
}

// connFile extracts the duplicated *os.File backing conn, the way classic
// inetd hands a connection to a child as stdin/stdout. Only connection
// types exposing File() (*net.TCPConn, *net.UnixConn) are usable this way.
func connFile(conn net.Conn) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fc, ok := conn.(filer)
	if !ok {
		return nil, fmt.Errorf("procfork: connection type %T has no usable fd", conn)
	}
	return fc.File()
}

// CloseStdio releases the stdio destinations Fork opened for pid, flushing
// the logging tee's final partial line. Called once internal/reaper reports
// pid reaped (internal/gsm.GSM.OnChildExit), since Fork itself never waits
// on the child and so has no other signal that it has exited.
func (a *Actuator) CloseStdio(pid int) {
	closers, ok := a.closers[pid]
	if !ok {
		return
	}
	delete(a.closers, pid)
	for _, c := range closers {
		c.Close()
	}
}

func credentialFor(userName, groupName string) (*unix.Credential, string, error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return nil, "", fmt.Errorf("procfork: unknown user %q: %w", userName, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, "", err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, "", err
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return nil, "", fmt.Errorf("procfork: unknown group %q: %w", groupName, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return nil, "", err
		}
	}
	return &unix.Credential{Uid: uint32(uid), Gid: uint32(gid)}, u.HomeDir, nil
}

// stdioFor returns the stdout/stderr destinations for rec: /dev/null unless
// LogToSyslog is set, in which case both stream through the gone/log tee in
// internal/logging, tagged with the service's name. The returned closers must
// be closed once the child has been reaped (see CloseStdio) so the tee's
// final partial line is flushed.
func stdioFor(rec *record.Record) (io.Writer, io.Writer, []io.Closer, error) {
	if !rec.LogToSyslog {
		devnull, err := logging.DevNull()
		if err != nil {
			return nil, nil, nil, err
		}
		return devnull, devnull, []io.Closer{devnull}, nil
	}
	stdout := logging.ServiceWriter(rec.Key.Command, "stdout")
	stderr := logging.ServiceWriter(rec.Key.Command, "stderr")
	return stdout, stderr, []io.Closer{stdout, stderr}, nil
}

// stderrFor is stdioFor's single-stream counterpart, used for INETD
// connection children whose stdout is the connection itself rather than a
// logging destination.
func stderrFor(rec *record.Record) (io.Writer, io.Closer, error) {
	if !rec.LogToSyslog {
		devnull, err := logging.DevNull()
		if err != nil {
			return nil, nil, err
		}
		return devnull, devnull, nil
	}
	w := logging.ServiceWriter(rec.Key.Command, "stderr")
	return w, w, nil
}
