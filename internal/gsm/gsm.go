// Package gsm implements the global state machine: it drives
// boot, runlevel changes and config reload, calling "step all services" on
// every stimulus and advancing its own state once the per-service state
// machines have quiesced.
package gsm

import (
	"time"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"

	"github.com/go-initd/initd/internal/cgroup"
	"github.com/go-initd/initd/internal/condition"
	"github.com/go-initd/initd/internal/eventloop"
	"github.com/go-initd/initd/internal/psm"
	"github.com/go-initd/initd/internal/reaper"
	"github.com/go-initd/initd/internal/record"
	"github.com/go-initd/initd/internal/registry"
)

// State is one of the nine GSM states.
type State int

const (
	BOOTSTRAP State = iota
	BOOTSTRAP_WAIT
	RUNNING
	RUNLEVEL_CHANGE
	RUNLEVEL_WAIT
	RUNLEVEL_CLEAN
	RELOAD_CHANGE
	RELOAD_WAIT
	RELOAD_CLEAN
)

func (s State) String() string {
	names := [...]string{
		"BOOTSTRAP", "BOOTSTRAP_WAIT", "RUNNING",
		"RUNLEVEL_CHANGE", "RUNLEVEL_WAIT", "RUNLEVEL_CLEAN",
		"RELOAD_CHANGE", "RELOAD_WAIT", "RELOAD_CLEAN",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// BootstrapWatchdog bounds how long BOOTSTRAP_WAIT waits for runlevel-S
// RUN/TASK records to finish before giving up and proceeding anyway (spec
// §4.2).
const BootstrapWatchdog = 120 * time.Second

// BootstrapCondition is asserted, pinned ON, once bootstrap completes (spec
// §4.2, §4.5).
const BootstrapCondition = "int/bootstrap"

// Hooks lets an external collaborator observe GSM milestones without the
// GSM depending on the console-renderer / utmp collaborators directly
//.
type Hooks interface {
	SystemUp()
	RunlevelChange(prev, next int)
	Shutdown(runlevel int)
}

// NoopHooks implements Hooks with no side effects.
type NoopHooks struct{}

func (NoopHooks) SystemUp()              {}
func (NoopHooks) RunlevelChange(_, _ int) {}
func (NoopHooks) Shutdown(_ int)          {}

// ConfigSource is the parser collaborator's output surface: Load re-parses
// the main config plus drop-in directory and returns the current set of
// records.
type ConfigSource interface {
	Load() ([]*record.Record, error)
}

// GSM is the global state machine: the runlevel/reload/bootstrap context.
// It is the core of the supervisor's shared state; the rest, such as
// socket paths and the config source, live in internal/supervisor.
type GSM struct {
	log     *golog.Logger
	reg     *registry.Registry
	cond    *condition.Store
	act     psm.Actuator
	cgroups *cgroup.Manager
	loop    *eventloop.Loop
	hooks   Hooks
	cfg     ConfigSource

	state     State
	runlevel  int
	prevlevel int
	cfglevel  int
	cmdlevel  int // -1 means "no override"
	teardown  bool

	reloadPending   bool
	configDirtyOnDisk bool

	bootstrapDeadline time.Time
	bootstrapTimer    eventloop.TimerID
}

// Options configures a new GSM.
type Options struct {
	CfgLevel int
	CmdLevel int // -1 for none
	Hooks    Hooks
	Config   ConfigSource
}

// New creates a GSM in BOOTSTRAP state.
func New(reg *registry.Registry, cond *condition.Store, act psm.Actuator, cgroups *cgroup.Manager, loop *eventloop.Loop, log *golog.Logger, opts Options) *GSM {
	if opts.Hooks == nil {
		opts.Hooks = NoopHooks{}
	}
	return &GSM{
		log:      log,
		reg:      reg,
		cond:     cond,
		act:      act,
		cgroups:  cgroups,
		loop:     loop,
		hooks:    opts.Hooks,
		cfg:      opts.Config,
		state:    BOOTSTRAP,
		runlevel: record.Bootstrap,
		prevlevel: record.Bootstrap,
		cfglevel: opts.CfgLevel,
		cmdlevel: opts.CmdLevel,
	}
}

// State returns the current GSM state (for introspection/control plane).
func (g *GSM) State() State { return g.state }

// Runlevel returns (runlevel, prevlevel).
func (g *GSM) Runlevel() (int, int) { return g.runlevel, g.prevlevel }

// SetRunlevel requests a transition to level. Implements reaper.Router.
func (g *GSM) SetRunlevel(level int) {
	if g.state == RUNNING && level != g.runlevel {
		g.beginRunlevelChange(level)
	}
	g.Step()
}

// RequestReload requests a SIGHUP-style reload. Implements reaper.Router.
func (g *GSM) RequestReload() {
	g.reloadPending = true
	g.Step()
}

// targetRunlevel is what bootstrap should land on: cmdlevel, an optional
// override from the kernel command line, takes precedence over cfglevel
// when set.
func (g *GSM) targetRunlevel() int {
	if g.cmdlevel >= 0 {
		return g.cmdlevel
	}
	return g.cfglevel
}

// bootstrapKinds is the kind mask stepped during BOOTSTRAP/BOOTSTRAP_WAIT:
// RUN and TASK must complete, SERVICE/SYSV already running at level S are
// also stepped so crash-looping bootstrap daemons are caught early.
const bootstrapKinds = registry.KindMask(
	1<<uint(record.RUN) | 1<<uint(record.TASK) | 1<<uint(record.SERVICE) | 1<<uint(record.SYSV),
)

// Step drives the GSM forward. It is idempotent when there is no pending
// stimulus: calling it repeatedly with no external change settles into a
// fixpoint.
func (g *GSM) Step() {
	defer g.reapINETDConns()
	switch g.state {
	case BOOTSTRAP:
		g.stepAllAt(record.Bootstrap, bootstrapKinds)
		g.bootstrapDeadline = time.Now().Add(BootstrapWatchdog)
		if g.loop != nil {
			g.bootstrapTimer = g.loop.AddTimer(BootstrapWatchdog, g.Step)
		}
		g.state = BOOTSTRAP_WAIT

	case BOOTSTRAP_WAIT:
		g.stepAllAt(record.Bootstrap, bootstrapKinds)
		if g.bootstrapQuiesced() || time.Now().After(g.bootstrapDeadline) {
			if g.loop != nil {
				g.loop.CancelTimer(g.bootstrapTimer)
			}
			g.cond.Assert(BootstrapCondition)
			g.hooks.SystemUp()
			g.runlevel = g.targetRunlevel()
			g.prevlevel = record.Bootstrap
			g.stepAllAt(g.runlevel, registry.AllKinds)
			g.state = RUNNING
		}

	case RUNNING:
		if g.reloadPending {
			g.reloadPending = false
			g.beginReload()
			return
		}
		g.stepAllAt(g.runlevel, registry.AllKinds)

	case RUNLEVEL_CHANGE:
		g.maybeReparseConfig()
		g.teardown = true
		g.stepAllAt(g.runlevel, registry.AllKinds)
		g.state = RUNLEVEL_WAIT

	case RUNLEVEL_WAIT:
		g.stepAllAt(g.runlevel, registry.AllKinds)
		if !g.anyStoppingWithPID() {
			g.hooks.RunlevelChange(g.prevlevel, g.runlevel)
			g.teardown = false
			g.stepAllAt(g.runlevel, registry.AllKinds)
			g.state = RUNLEVEL_CLEAN
		}

	case RUNLEVEL_CLEAN:
		g.cleanupOnce()
		if g.runlevel == 0 || g.runlevel == 6 {
			g.hooks.Shutdown(g.runlevel)
			return
		}
		g.state = RUNNING

	case RELOAD_CHANGE:
		g.maybeReparseConfig()
		g.cond.Reload()
		g.teardown = true
		g.stepAllAt(g.runlevel, registry.AllKinds)
		g.state = RELOAD_WAIT

	case RELOAD_WAIT:
		g.stepAllAt(g.runlevel, registry.AllKinds)
		if !g.anyStoppingWithPID() {
			g.teardown = false
			g.stepAllAt(g.runlevel, registry.AllKinds)
			g.state = RELOAD_CLEAN
		}

	case RELOAD_CLEAN:
		g.cleanupOnce()
		g.state = RUNNING
	}
}

func (g *GSM) beginRunlevelChange(level int) {
	g.prevlevel = g.runlevel
	g.runlevel = level
	g.state = RUNLEVEL_CHANGE
}

func (g *GSM) beginReload() {
	g.state = RELOAD_CHANGE
}

// maybeReparseConfig asks the config collaborator to reload if the
// watcher (internal/configwatch) has flagged a change on disk, then
// reconciles the registry against the fresh set.
func (g *GSM) maybeReparseConfig() {
	if !g.configDirtyOnDisk || g.cfg == nil {
		return
	}
	g.configDirtyOnDisk = false
	fresh, err := g.cfg.Load()
	if err != nil {
		if g.log != nil {
			g.log.Log(syslog.LOG_ERR, "config reload failed", "err", err.Error())
		}
		return
	}
	g.reg.Reconcile(fresh)
}

// NotifyConfigChanged is called by internal/configwatch when the drop-in
// directory changes; it only sets a flag, consumed on the next
// RUNLEVEL_CHANGE/RELOAD_CHANGE entry rather than triggering a re-read
// asynchronously.
func (g *GSM) NotifyConfigChanged() {
	g.configDirtyOnDisk = true
}

func (g *GSM) stepAllAt(runlevel int, kindMask registry.KindMask) {
	g.reg.Enumerate(kindMask, -1, func(rec *record.Record) {
		g.stepOne(rec, runlevel)
	})
}

func (g *GSM) stepOne(rec *record.Record, runlevel int) {
	in := psm.Inputs{
		Runlevel: runlevel,
		Cond:     g.cond.Aggregate(rec.Conditions),
		Teardown: g.teardown,
	}
	psm.Step(rec, in, g.act)
}

// bootstrapQuiesced reports whether every RUN/TASK record targeting
// runlevel S has reached a terminal state (DONE, or HALTED with no pending
// retry -- i.e. it is not going to run again on its own).
func (g *GSM) bootstrapQuiesced() bool {
	done := true
	g.reg.Enumerate(registry.Bit(record.RUN)|registry.Bit(record.TASK), record.Bootstrap, func(rec *record.Record) {
		if rec.State == record.DONE || (rec.State == record.HALTED && !rec.TimerSet) {
			return
		}
		done = false
	})
	return done
}

func (g *GSM) anyStoppingWithPID() bool {
	any := false
	g.reg.Enumerate(registry.AllKinds, -1, func(rec *record.Record) {
		if rec.State == record.STOPPING && rec.PID != 0 {
			any = true
		}
	})
	return any
}

// cleanupOnce prunes REMOVED records once they are no longer busy, then
// releases their cgroups and actuator bookkeeping, as part of the RUNLEVEL_CLEAN/RELOAD_CLEAN
// states' job of reclaiming anything the reconcile pass marked gone.
func (g *GSM) cleanupOnce() {
	pruned := g.reg.PruneRemoved()
	for _, key := range pruned {
		if g.cgroups != nil {
			g.cgroups.Release(key)
		}
		if forgetter, ok := g.act.(interface{ Forget(record.Key) }); ok {
			forgetter.Forget(key)
		}
	}
}

// RegisterConn creates and inserts an INETD_CONN record for a freshly
// dispatched connection child. Called back from internal/procfork once the
// child has been exec'd, already hopped onto the event-loop goroutine, so
// it is safe to mutate the registry directly here.
func (g *GSM) RegisterConn(parent *record.Record, pid int) {
	id := g.reg.NextUnusedID(parent.Key.Command)
	child := &record.Record{
		Key:       record.Key{Command: parent.Key.Command, ID: id},
		Kind:      record.INETD_CONN,
		Argv:      parent.Argv,
		Runlevels: parent.Runlevels,
		Parent:    &record.Key{Command: parent.Key.Command, ID: parent.Key.ID},
		PID:       pid,
		State:     record.RUNNING,
		LastStart: time.Now(),
	}
	if err := g.reg.Insert(child); err != nil {
		if g.log != nil {
			g.log.Log(syslog.LOG_WARNING, "gsm: could not register inetd connection", "service", parent.Key.Command, "err", err.Error())
		}
		return
	}
	g.Step()
}

// inetdHook is implemented by internal/procfork.Actuator: it lets
// reapINETDConns notify a "wait"-mode listener once its in-flight
// connection has reached a terminal state.
type inetdHook interface {
	ConnDone(parent record.Key)
}

// reapINETDConns finds INETD_CONN records the PSM has driven to DONE and
// performs the cross-record effects the PSM itself cannot: admitting the
// parent listener's next connection (wait mode) and unregistering the
// connection record, since it has no further use once terminal.
func (g *GSM) reapINETDConns() {
	var done []*record.Record
	g.reg.Enumerate(registry.Bit(record.INETD_CONN), -1, func(rec *record.Record) {
		if rec.State == record.DONE {
			done = append(done, rec)
		}
	})
	for _, rec := range done {
		if rec.Parent != nil {
			if hook, ok := g.act.(inetdHook); ok {
				hook.ConnDone(*rec.Parent)
			}
		}
		g.reg.Remove(rec.Key)
	}
}

// OnTimerFired is the callback bound to every procfork.Actuator timer: it
// applies the timer's effect to the record (psm.OnKillTimer/OnRetryTimer)
// and re-steps the whole registry so any resulting fixpoint settles before
// the loop goes back to sleep.
func (g *GSM) OnTimerFired(rec *record.Record, purpose psm.TimerPurpose) {
	switch purpose {
	case psm.TimerKill:
		psm.OnKillTimer(rec, g.act)
	case psm.TimerRetry:
		psm.OnRetryTimer(rec)
	}
	g.Step()
}

// OnChildExit implements reaper.RegistryView: route a reaped pid to its
// record, clear pid, record the exit code, and re-step so the PSM observes
// pid==0 -- the pid is always cleared before the next step sees it.
func (g *GSM) OnChildExit(info reaper.ExitInfo) {
	if closer, ok := g.act.(interface{ CloseStdio(pid int) }); ok {
		closer.CloseStdio(info.PID)
	}
	rec, ok := g.reg.LookupPID(info.PID)
	if !ok {
		return
	}
	rec.PID = 0
	rec.LastExitCode = info.ExitCode
	rec.LastExitSignaled = info.Signaled
	g.Step()
}
