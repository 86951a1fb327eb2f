// Package psm implements the per-service state machine: for one
// service, compute HALTED/READY/RUNNING/WAITING/STOPPING/DONE transitions
// from (enabled?, pid alive?, condition aggregate, dirty, kind, sighup) and
// emit side effects through the Actuator interface.
//
// Step is pure with respect to anything other than the record it is given
// and the Actuator it drives: it never touches the registry or the
// condition store directly, which is what makes it unit-testable with a
// fake Actuator.
package psm

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-initd/initd/internal/condition"
	"github.com/go-initd/initd/internal/record"
)

// KillTimeout is how long STOPPING waits for a reap before escalating to
// SIGKILL.
const KillTimeout = 3000 * time.Millisecond

// MaxRestarts is the respawn budget: consecutive start failures tolerated
// before a service is marked CRASHING.
const MaxRestarts = 10

// HealthyUptime is how long a service must stay RUNNING with no pending
// restart reason before its restart counter resets to zero.
const HealthyUptime = 30 * time.Second

// retryDelay backs off restarts: 2s for the first floor(MAX/2) attempts,
// then 5s.
func retryDelay(attempt int) time.Duration {
	if attempt <= MaxRestarts/2 {
		return 2 * time.Second
	}
	return 5 * time.Second
}

// Actuator performs the side effects a PSM transition requires. The event
// loop / reaper binds a real implementation (internal/procfork); tests bind
// a fake that just records calls.
type Actuator interface {
	// Fork starts rec's argv as a new process and returns its pid.
	Fork(rec *record.Record) (pid int, err error)
	// Signal delivers sig to rec's process group.
	Signal(rec *record.Record, sig unix.Signal) error
	// ArmTimer arms a one-shot timer that will call back into Step after d.
	// It is an error to call ArmTimer while rec.TimerSet is true; callers
	// must CancelTimer first.
	ArmTimer(rec *record.Record, d time.Duration, purpose TimerPurpose)
	// CancelTimer cancels rec's armed timer, if any. Idempotent.
	CancelTimer(rec *record.Record)
}

// TimerPurpose distinguishes the two kinds of timer the PSM arms, so the
// event loop callback knows what Step should do when it fires.
type TimerPurpose int

const (
	// TimerKill is the STOPPING escalation-to-SIGKILL timer.
	TimerKill TimerPurpose = iota
	// TimerRetry is the HALTED→READY respawn-after-delay timer.
	TimerRetry
)

// Inputs are the step function's inputs other than the record itself:
// everything the PSM cannot derive from the record, because it lives in
// the condition store or the GSM.
type Inputs struct {
	Runlevel int
	Cond     condition.State
	Teardown bool // GSM teardown flag: no new starts while outgoing services stop
}

// Step runs rec's transition table to a fixpoint and returns the final
// state. Side effects are emitted through act as the table dictates; Step
// itself never blocks.
//
// Enabled and pid-liveness are recomputed from rec on every iteration,
// not just once before the loop: a fixpoint iteration can itself fork a
// process or flip rec.Blocked (handleExit, scheduleRetry), and the next
// iteration must see that, not the snapshot taken before the loop started.
func Step(rec *record.Record, in Inputs, act Actuator) record.PSMState {
	const iterationCap = 8
	for i := 0; i < iterationCap; i++ {
		prev := rec.State
		stepOnce(rec, in, act)
		if rec.State == prev {
			break
		}
	}
	return rec.State
}

func stepOnce(rec *record.Record, in Inputs, act Actuator) {
	enabled := rec.Enabled(in.Runlevel)
	pidAlive := rec.PID != 0

	switch rec.State {
	case record.HALTED:
		if enabled {
			rec.State = record.READY
		}

	case record.READY:
		if !enabled {
			rec.State = record.HALTED
			return
		}
		if enabled && in.Cond == condition.ON && !in.Teardown {
			pid, err := act.Fork(rec)
			if err != nil {
				rec.RestartCounter++
				rec.Blocked = record.RESTARTING
				rec.State = record.HALTED
				scheduleRetry(rec, act)
				return
			}
			rec.PID = pid
			rec.LastStart = time.Now()
			rec.State = record.RUNNING
		}

	case record.RUNNING:
		if !pidAlive {
			handleExit(rec, act)
			return
		}
		if !enabled {
			act.Signal(rec, unix.SIGTERM)
			armKillTimer(rec, act)
			rec.State = record.STOPPING
			return
		}
		if in.Cond == condition.OFF {
			act.Signal(rec, unix.SIGTERM)
			armKillTimer(rec, act)
			rec.State = record.STOPPING
			return
		}
		if in.Cond == condition.FLUX {
			act.Signal(rec, unix.SIGSTOP)
			rec.State = record.WAITING
			return
		}
		if in.Cond == condition.ON && rec.Dirty == record.CHANGED {
			if rec.SighupReloadable {
				act.Signal(rec, unix.SIGHUP)
				rec.Dirty = record.CLEAN
			} else {
				act.Signal(rec, unix.SIGTERM)
				armKillTimer(rec, act)
				rec.State = record.STOPPING
			}
			return
		}
		// Stayed healthily RUNNING with nothing pending: reset the
		// restart budget once it has been up long enough.
		if rec.RestartCounter > 0 && rec.Blocked == record.NONE &&
			!rec.LastStart.IsZero() && time.Since(rec.LastStart) >= HealthyUptime {
			rec.RestartCounter = 0
		}

	case record.WAITING:
		if !pidAlive {
			rec.RestartCounter++
			rec.State = record.READY
			return
		}
		if in.Cond == condition.ON {
			act.Signal(rec, unix.SIGCONT)
			rec.State = record.RUNNING
			return
		}
		if in.Cond == condition.OFF || !enabled {
			act.Signal(rec, unix.SIGCONT)
			act.Signal(rec, unix.SIGTERM)
			armKillTimer(rec, act)
			rec.State = record.STOPPING
			return
		}

	case record.STOPPING:
		if !pidAlive {
			act.CancelTimer(rec)
			if rec.Kind.OneShot() {
				rec.State = record.DONE
			} else {
				rec.State = record.HALTED
			}
			return
		}

	case record.DONE:
		if rec.Kind == record.INETD_CONN {
			// Admitting the parent listener's next connection and
			// unregistering this record are cross-record effects outside
			// what a single record's Step can see; internal/gsm's
			// reapINETDConns performs them once it observes DONE here.
			return
		}
		if rec.Dirty == record.CHANGED {
			rec.State = record.HALTED
		}
	}
}

// handleExit routes a RUNNING record whose pid has gone to zero, per kind
//.
func handleExit(rec *record.Record, act Actuator) {
	rec.PID = 0
	if rec.Kind.OneShot() {
		if rec.Dirty == record.REMOVED {
			rec.State = record.STOPPING
		} else {
			rec.State = record.DONE
		}
		return
	}
	rec.RestartCounter++
	rec.Blocked = record.RESTARTING
	rec.State = record.HALTED
	scheduleRetry(rec, act)
}

func scheduleRetry(rec *record.Record, act Actuator) {
	if rec.RestartCounter >= MaxRestarts {
		rec.Blocked = record.CRASHING
		return
	}
	act.ArmTimer(rec, retryDelay(rec.RestartCounter), TimerRetry)
}

func armKillTimer(rec *record.Record, act Actuator) {
	act.CancelTimer(rec)
	act.ArmTimer(rec, KillTimeout, TimerKill)
}

// OnRetryTimer is invoked by the event loop when a TimerRetry fires. It
// clears the RESTARTING block and escalates to CRASHING once the budget
// is exhausted, otherwise returns the record to HALTED so the next Step
// call can re-evaluate READY.
func OnRetryTimer(rec *record.Record) {
	if rec.Blocked == record.RESTARTING {
		rec.Blocked = record.NONE
	}
	if rec.RestartCounter >= MaxRestarts {
		rec.Blocked = record.CRASHING
	}
}

// OnKillTimer is invoked by the event loop when a STOPPING record's kill
// timer expires without a reap: escalate to SIGKILL. The reaper will observe the exit and drive STOPPING→HALTED.
func OnKillTimer(rec *record.Record, act Actuator) {
	if rec.State != record.STOPPING {
		return
	}
	act.Signal(rec, unix.SIGKILL)
}
