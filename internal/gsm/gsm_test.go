package gsm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/go-initd/initd/internal/condition"
	"github.com/go-initd/initd/internal/eventloop"
	"github.com/go-initd/initd/internal/gsm"
	"github.com/go-initd/initd/internal/psm"
	"github.com/go-initd/initd/internal/reaper"
	"github.com/go-initd/initd/internal/record"
	"github.com/go-initd/initd/internal/registry"
)

// fakeActuator never blocks and never really forks; it is enough to drive
// the GSM's bootstrap/runlevel fixpoints deterministically.
type fakeActuator struct {
	nextPID int
	killed  map[record.Key]bool
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{nextPID: 1000, killed: map[record.Key]bool{}}
}

func (f *fakeActuator) Fork(rec *record.Record) (int, error) {
	f.nextPID++
	return f.nextPID, nil
}

func (f *fakeActuator) Signal(rec *record.Record, sig unix.Signal) error {
	if sig == unix.SIGTERM || sig == unix.SIGKILL {
		// Simulate the process exiting immediately in response to the
		// signal, as if a reaper tick had already run: the test drives
		// state purely through repeated Step() calls, with no real OS
		// process involved.
		rec.PID = 0
	}
	return nil
}

func (f *fakeActuator) ArmTimer(rec *record.Record, d time.Duration, purpose psm.TimerPurpose) {
	rec.TimerSet = true
}

func (f *fakeActuator) CancelTimer(rec *record.Record) {
	rec.TimerSet = false
}

func newTestGSM(t *testing.T, reg *registry.Registry, cfglevel int) *gsm.GSM {
	t.Helper()
	cond := condition.New()
	loop := eventloop.New(nil)
	act := newFakeActuator()
	return gsm.New(reg, cond, act, nil, loop, nil, gsm.Options{CfgLevel: cfglevel, CmdLevel: -1})
}

func TestBootstrapReachesRunningAndStartsRunlevelServices(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Insert(&record.Record{
		Key: record.Key{Command: "/etc/initd/rc.once", ID: 1}, Kind: record.RUN,
		Runlevels: record.NewRunlevelSet(record.Bootstrap),
	}))
	svc := &record.Record{
		Key: record.Key{Command: "/usr/sbin/sshd", ID: 1}, Kind: record.SERVICE,
		Runlevels: record.NewRunlevelSet(2),
	}
	require.NoError(t, reg.Insert(svc))

	g := newTestGSM(t, reg, 2)
	assert.Equal(t, gsm.BOOTSTRAP, g.State())

	g.Step() // BOOTSTRAP -> BOOTSTRAP_WAIT, steps RUN once
	assert.Equal(t, gsm.BOOTSTRAP_WAIT, g.State())

	g.Step() // re-stepping while the RUN task is still outstanding must not
	// advance past BOOTSTRAP_WAIT.
	level, prev := g.Runlevel()
	assert.Equal(t, record.Bootstrap, level)
	assert.Equal(t, record.Bootstrap, prev)

	// Simulate the bootstrap RUN task completing.
	rc, ok := reg.Lookup(record.Key{Command: "/etc/initd/rc.once", ID: 1})
	require.True(t, ok)
	rc.State = record.DONE

	g.Step()
	assert.Equal(t, gsm.RUNNING, g.State())
	level, _ = g.Runlevel()
	assert.Equal(t, 2, level)
	assert.NotZero(t, svc.PID, "sshd should have been started on entering runlevel 2")
}

func TestBootstrapWatchdogIs120Seconds(t *testing.T) {
	reg := registry.New()
	stuck := &record.Record{
		Key: record.Key{Command: "/etc/initd/hang", ID: 1}, Kind: record.RUN,
		Runlevels: record.NewRunlevelSet(record.Bootstrap),
	}
	require.NoError(t, reg.Insert(stuck))

	g := newTestGSM(t, reg, 3)
	g.Step() // -> BOOTSTRAP_WAIT

	// The stuck RUN record is now RUNNING and never finishes, so only
	// BootstrapWatchdog expiring can move the GSM past BOOTSTRAP_WAIT.
	// That expiry is bound to wall-clock time and is not exercised here;
	// this test only checks the constant's value.
	assert.Equal(t, 120*time.Second, gsm.BootstrapWatchdog)
}

func TestRunlevelChangeStopsServicesNotInTargetLevel(t *testing.T) {
	reg := registry.New()
	onlyTwo := &record.Record{
		Key: record.Key{Command: "/usr/sbin/httpd", ID: 1}, Kind: record.SERVICE,
		Runlevels: record.NewRunlevelSet(2), State: record.RUNNING, PID: 555,
	}
	require.NoError(t, reg.Insert(onlyTwo))

	g := newTestGSM(t, reg, 2)
	g.Step() // BOOTSTRAP -> BOOTSTRAP_WAIT
	g.Step() // -> RUNNING at level 2 (no bootstrap RUN/TASK to wait on)
	require.Equal(t, gsm.RUNNING, g.State())

	g.SetRunlevel(3)
	require.Equal(t, gsm.RUNLEVEL_WAIT, g.State())
	assert.Zero(t, onlyTwo.PID, "service outside the new runlevel must be signaled down")

	g.Step() // -> RUNLEVEL_CLEAN
	assert.Equal(t, gsm.RUNLEVEL_CLEAN, g.State())
	g.Step() // -> RUNNING
	assert.Equal(t, gsm.RUNNING, g.State())
	level, prev := g.Runlevel()
	assert.Equal(t, 3, level)
	assert.Equal(t, 2, prev)
}

func TestOnChildExitClearsRecordAndResteps(t *testing.T) {
	reg := registry.New()
	rec := &record.Record{
		Key: record.Key{Command: "/usr/sbin/crond", ID: 1}, Kind: record.SERVICE,
		Runlevels: record.NewRunlevelSet(2), State: record.RUNNING, PID: 777,
	}
	require.NoError(t, reg.Insert(rec))

	g := newTestGSM(t, reg, 2)
	g.Step()
	g.Step()
	require.Equal(t, gsm.RUNNING, g.State())
	require.NotZero(t, rec.PID, "service should be running once runlevel 2 is active")

	pid := rec.PID
	g.OnChildExit(reaper.ExitInfo{PID: pid, ExitCode: 1})
	assert.Zero(t, rec.PID)
	assert.Equal(t, 1, rec.LastExitCode)
}
