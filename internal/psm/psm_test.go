package psm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/go-initd/initd/internal/condition"
	"github.com/go-initd/initd/internal/psm"
	"github.com/go-initd/initd/internal/record"
)

// testRunlevel is the runlevel passed to every Step call below; records
// opt in or out of it via rec.Runlevels.
const testRunlevel = 2

type fakeActuator struct {
	nextPID  int
	forkErr  error
	signals  []unix.Signal
	timers   map[*record.Record]time.Duration
	purposes map[*record.Record]psm.TimerPurpose
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{nextPID: 100, timers: map[*record.Record]time.Duration{}, purposes: map[*record.Record]psm.TimerPurpose{}}
}

func (f *fakeActuator) Fork(rec *record.Record) (int, error) {
	if f.forkErr != nil {
		return 0, f.forkErr
	}
	f.nextPID++
	return f.nextPID, nil
}

func (f *fakeActuator) Signal(rec *record.Record, sig unix.Signal) error {
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeActuator) ArmTimer(rec *record.Record, d time.Duration, purpose psm.TimerPurpose) {
	f.timers[rec] = d
	f.purposes[rec] = purpose
	rec.TimerSet = true
}

func (f *fakeActuator) CancelTimer(rec *record.Record) {
	delete(f.timers, rec)
	rec.TimerSet = false
}

func TestHaltedToReadyToRunning(t *testing.T) {
	rec := &record.Record{Kind: record.SERVICE, Runlevels: record.NewRunlevelSet(testRunlevel)}
	act := newFakeActuator()

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.ON}, act)
	assert.Equal(t, record.RUNNING, state)
	assert.NotZero(t, rec.PID)
}

func TestReadyStaysReadyWhenConditionOff(t *testing.T) {
	rec := &record.Record{Kind: record.SERVICE, State: record.READY, Runlevels: record.NewRunlevelSet(testRunlevel)}
	act := newFakeActuator()

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.OFF}, act)
	assert.Equal(t, record.READY, state)
	assert.Zero(t, rec.PID)
}

func TestTeardownBlocksNewStarts(t *testing.T) {
	rec := &record.Record{Kind: record.SERVICE, State: record.READY, Runlevels: record.NewRunlevelSet(testRunlevel)}
	act := newFakeActuator()

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.ON, Teardown: true}, act)
	assert.Equal(t, record.READY, state)
}

func TestRunningStopsOnDisable(t *testing.T) {
	// Not a member of testRunlevel: Enabled is false without anything else
	// being set.
	rec := &record.Record{Kind: record.SERVICE, State: record.RUNNING, PID: 123}
	act := newFakeActuator()

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.ON}, act)
	assert.Equal(t, record.STOPPING, state)
	require.Len(t, act.signals, 1)
	assert.Equal(t, unix.SIGTERM, act.signals[0])
	assert.True(t, rec.TimerSet)
}

func TestRunningGoesWaitingOnFlux(t *testing.T) {
	rec := &record.Record{Kind: record.SERVICE, State: record.RUNNING, PID: 123, Runlevels: record.NewRunlevelSet(testRunlevel)}
	act := newFakeActuator()

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.FLUX}, act)
	assert.Equal(t, record.WAITING, state)
	assert.Contains(t, act.signals, unix.Signal(unix.SIGSTOP))
}

func TestWaitingResumesOnConditionOn(t *testing.T) {
	rec := &record.Record{Kind: record.SERVICE, State: record.WAITING, PID: 123, Runlevels: record.NewRunlevelSet(testRunlevel)}
	act := newFakeActuator()

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.ON}, act)
	assert.Equal(t, record.RUNNING, state)
	assert.Contains(t, act.signals, unix.Signal(unix.SIGCONT))
}

// TestServiceExitReschedulesThroughHalted is also a regression test for a
// fixpoint-staleness bug: Step used to reuse the Enabled/PIDAlive values
// computed before the loop started across all iterations, even though
// handleExit flips rec.Blocked (and a successful Fork flips rec.PID) inside
// the very iteration that just ran. That let the loop cycle back through
// READY and re-fork the service instead of settling on HALTED with a
// pending retry timer.
func TestServiceExitReschedulesThroughHalted(t *testing.T) {
	rec := &record.Record{Kind: record.SERVICE, State: record.RUNNING, PID: 0, Runlevels: record.NewRunlevelSet(testRunlevel)}
	act := newFakeActuator()

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.ON}, act)
	assert.Equal(t, record.HALTED, state)
	assert.Equal(t, record.RESTARTING, rec.Blocked)
	assert.True(t, rec.TimerSet)
	assert.Zero(t, rec.PID)
	assert.Equal(t, 100, act.nextPID, "a HALTED|RESTARTING record must not be re-forked within the same Step call")
}

func TestTaskExitGoesDone(t *testing.T) {
	rec := &record.Record{Kind: record.TASK, State: record.RUNNING, PID: 0, Runlevels: record.NewRunlevelSet(testRunlevel)}
	act := newFakeActuator()

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.ON}, act)
	assert.Equal(t, record.DONE, state)
}

func TestStoppingEscalatesToHaltedOnceReaped(t *testing.T) {
	rec := &record.Record{Kind: record.SERVICE, State: record.STOPPING, PID: 0, TimerSet: true}
	act := newFakeActuator()

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel}, act)
	assert.Equal(t, record.HALTED, state)
	assert.False(t, rec.TimerSet)
}

func TestForkFailureSchedulesRetryAndTracksCounter(t *testing.T) {
	rec := &record.Record{Kind: record.SERVICE, State: record.READY, Runlevels: record.NewRunlevelSet(testRunlevel)}
	act := newFakeActuator()
	act.forkErr = assert.AnError

	state := psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.ON}, act)
	assert.Equal(t, record.HALTED, state)
	assert.Equal(t, 1, rec.RestartCounter)
	assert.True(t, rec.TimerSet)
}

func TestRestartBudgetExhaustionBlocksAsCrashing(t *testing.T) {
	rec := &record.Record{Kind: record.SERVICE, State: record.READY, RestartCounter: psm.MaxRestarts, Runlevels: record.NewRunlevelSet(testRunlevel)}
	act := newFakeActuator()
	act.forkErr = assert.AnError

	psm.Step(rec, psm.Inputs{Runlevel: testRunlevel, Cond: condition.ON}, act)
	assert.Equal(t, record.CRASHING, rec.Blocked)
}

func TestOnRetryTimerClearsRestartingBlock(t *testing.T) {
	rec := &record.Record{Blocked: record.RESTARTING}
	psm.OnRetryTimer(rec)
	assert.Equal(t, record.NONE, rec.Blocked)
}

func TestOnKillTimerSendsSIGKILLOnlyWhileStopping(t *testing.T) {
	rec := &record.Record{State: record.STOPPING, PID: 50}
	act := newFakeActuator()
	psm.OnKillTimer(rec, act)
	assert.Contains(t, act.signals, unix.Signal(unix.SIGKILL))

	rec.State = record.HALTED
	act2 := newFakeActuator()
	psm.OnKillTimer(rec, act2)
	assert.Empty(t, act2.signals)
}
