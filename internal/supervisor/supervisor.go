// Package supervisor binds every collaborator -- condition store, registry,
// GSM, PSM actuator, reaper, control socket, legacy FIFO, config watcher
// and cgroup manager -- into a single context, and owns the top-level Run
// loop.
package supervisor

import (
	"fmt"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"golang.org/x/sys/unix"

	"github.com/go-initd/initd/internal/cgroup"
	"github.com/go-initd/initd/internal/condition"
	"github.com/go-initd/initd/internal/configwatch"
	"github.com/go-initd/initd/internal/control"
	"github.com/go-initd/initd/internal/eventloop"
	"github.com/go-initd/initd/internal/fifo"
	"github.com/go-initd/initd/internal/gsm"
	"github.com/go-initd/initd/internal/introspect"
	"github.com/go-initd/initd/internal/parser"
	"github.com/go-initd/initd/internal/procfork"
	"github.com/go-initd/initd/internal/psm"
	"github.com/go-initd/initd/internal/reaper"
	"github.com/go-initd/initd/internal/record"
	"github.com/go-initd/initd/internal/registry"
)

// Config gathers the supervisor's ambient, mostly-CLI-derived settings.
type Config struct {
	MainConfigFile string
	DropinDir      string
	SocketPath     string
	FifoPath       string
	CgroupRoot     string
	CfgLevel       int
	CmdLevel       int // -1 for "no override"
}

// Supervisor is the running system.
type Supervisor struct {
	log *golog.Logger
	cfg Config

	loop    *eventloop.Loop
	cond    *condition.Store
	reg     *registry.Registry
	cgroups *cgroup.Manager
	act     *procfork.Actuator
	g       *gsm.GSM
	rp      *reaper.Reaper
	ctrl    *control.Server
	fifo    *fifo.Listener
	watcher *configwatch.Watcher
}

// configSource adapts parser.ParseDir to gsm.ConfigSource.
type configSource struct{ cfg Config }

func (c configSource) Load() ([]*record.Record, error) {
	return parser.ParseDir(c.cfg.MainConfigFile, c.cfg.DropinDir)
}

// New builds a Supervisor wired for Run, but does not yet start anything.
func New(cfg Config, log *golog.Logger) (*Supervisor, error) {
	if log == nil {
		log = golog.Default()
	}
	s := &Supervisor{log: log, cfg: cfg}

	s.loop = eventloop.New(log)
	s.cond = condition.New()
	s.reg = registry.New()
	s.cgroups = cgroup.New(log, cfg.CgroupRoot)

	s.act = procfork.New(s.loop, s.cgroups, log,
		func(rec *record.Record, purpose psm.TimerPurpose) { s.g.OnTimerFired(rec, purpose) },
		func(info reaper.ExitInfo) { s.g.OnChildExit(info) },
		func(parent *record.Record, pid int) { s.g.RegisterConn(parent, pid) },
	)
	s.g = gsm.New(s.reg, s.cond, s.act, s.cgroups, s.loop, log, gsm.Options{
		CfgLevel: cfg.CfgLevel,
		CmdLevel: cfg.CmdLevel,
		Config:   configSource{cfg},
	})
	s.cond.OnChange = func() { s.loop.Enqueue(s.g.Step) }

	s.rp = reaper.New(s.loop, onChildExitAdapter{s.g}, s.g, log)
	s.ctrl = control.New(s, log)

	return s, nil
}

// onChildExitAdapter satisfies reaper.RegistryView by forwarding to the
// GSM, which owns the registry mutation + re-step.
type onChildExitAdapter struct{ g *gsm.GSM }

func (a onChildExitAdapter) OnChildExit(info reaper.ExitInfo) { a.g.OnChildExit(info) }

// Run loads the initial configuration, starts every collaborator, and
// blocks on the event loop until it is stopped.
func (s *Supervisor) Run() error {
	fresh, err := parser.ParseDir(s.cfg.MainConfigFile, s.cfg.DropinDir)
	if err != nil {
		return fmt.Errorf("supervisor: initial config load: %w", err)
	}
	for _, rec := range fresh {
		if err := s.reg.Insert(rec); err != nil {
			s.log.Log(syslog.LOG_WARNING, "supervisor: duplicate record at boot", "command", rec.Key.Command, "err", err.Error())
		}
	}

	if err := s.cgroups.EnsureControllers(); err != nil {
		s.log.Log(syslog.LOG_WARNING, "supervisor: cgroup accounting unavailable", "err", err.Error())
	}

	s.rp.Start()
	defer s.rp.Stop()

	if s.cfg.SocketPath != "" {
		if err := s.ctrl.Listen(s.cfg.SocketPath); err != nil {
			return err
		}
		go func() {
			if err := s.ctrl.Serve(); err != nil {
				s.log.Log(syslog.LOG_DEBUG, "supervisor: control socket closed", "err", err.Error())
			}
		}()
		defer s.ctrl.Close()
	}

	if s.cfg.FifoPath != "" {
		s.fifo = fifo.New(s.cfg.FifoPath, loopRouter{s.loop, s.g}, s.log)
		if err := s.fifo.Start(); err != nil {
			return err
		}
		defer s.fifo.Close()
	}

	if s.cfg.DropinDir != "" {
		watcher, err := configwatch.New(s.g, s.loop.Enqueue, s.log)
		if err != nil {
			s.log.Log(syslog.LOG_WARNING, "supervisor: config watcher unavailable", "err", err.Error())
		} else {
			if err := watcher.Add(s.cfg.DropinDir); err != nil {
				s.log.Log(syslog.LOG_WARNING, "supervisor: cannot watch drop-in dir", "path", s.cfg.DropinDir, "err", err.Error())
			} else {
				s.watcher = watcher
				go watcher.Run()
				defer watcher.Close()
			}
		}
	}

	s.loop.Enqueue(s.g.Step)
	s.loop.Run()
	return nil
}

// loopRouter hops fifo.Router calls onto the event loop goroutine.
type loopRouter struct {
	loop *eventloop.Loop
	g    *gsm.GSM
}

func (r loopRouter) SetRunlevel(level int) { r.loop.Enqueue(func() { r.g.SetRunlevel(level) }) }
func (r loopRouter) RequestReload()        { r.loop.Enqueue(r.g.RequestReload) }

// --- control.Handler ---------------------------------------------------

// call runs fn on the event-loop goroutine and waits for it to finish,
// turning the control socket's per-connection goroutines into synchronous
// callers of single-threaded GSM/registry state.
func (s *Supervisor) call(fn func() error) error {
	done := make(chan error, 1)
	s.loop.Enqueue(func() { done <- fn() })
	return <-done
}

func (s *Supervisor) Status(key record.Key) ([]control.StatusInfo, error) {
	var infos []control.StatusInfo
	err := s.call(func() error {
		if key.Command == "" {
			s.reg.Enumerate(registry.AllKinds, -1, func(rec *record.Record) {
				infos = append(infos, toStatusInfo(rec))
			})
			return nil
		}
		rec, ok := s.reg.Lookup(key)
		if !ok {
			return control.UnknownService(key)
		}
		infos = []control.StatusInfo{toStatusInfo(rec)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func toStatusInfo(rec *record.Record) control.StatusInfo {
	info := control.StatusInfo{
		Command:  rec.Key.Command,
		Instance: rec.Key.ID,
		Kind:     rec.Kind.String(),
		State:    rec.State.String(),
		PID:      rec.PID,
		Blocked:  rec.Blocked.String(),
		Restarts: rec.RestartCounter,
		LastExit: rec.LastExitCode,
	}
	if rec.PID != 0 {
		if p, err := introspect.Read(rec.PID); err == nil {
			info.RSSKB = p.VmRSS
			info.Threads = p.Threads
			info.FDs = p.NumFDs
		}
	}
	return info
}

func (s *Supervisor) Start(key record.Key) error {
	return s.call(func() error {
		rec, ok := s.reg.Lookup(key)
		if !ok {
			return control.UnknownService(key)
		}
		rec.Blocked = record.NONE
		s.g.Step()
		return nil
	})
}

func (s *Supervisor) Stop(key record.Key) error {
	return s.call(func() error {
		rec, ok := s.reg.Lookup(key)
		if !ok {
			return control.UnknownService(key)
		}
		rec.Blocked = record.MANUAL
		s.g.Step()
		return nil
	})
}

func (s *Supervisor) Restart(key record.Key) error {
	return s.call(func() error {
		rec, ok := s.reg.Lookup(key)
		if !ok {
			return control.UnknownService(key)
		}
		if rec.PID != 0 && rec.SighupReloadable {
			_ = s.act.Signal(rec, unix.SIGHUP)
		} else if rec.PID != 0 {
			_ = s.act.Signal(rec, unix.SIGTERM)
		}
		s.g.Step()
		return nil
	})
}

func (s *Supervisor) Reload() error {
	return s.call(func() error {
		s.g.RequestReload()
		return nil
	})
}

func (s *Supervisor) SetRunlevel(level int) error {
	return s.call(func() error {
		s.g.SetRunlevel(level)
		return nil
	})
}

func (s *Supervisor) Enable(key record.Key) error {
	return s.call(func() error {
		rec, ok := s.reg.Lookup(key)
		if !ok {
			return control.UnknownService(key)
		}
		if rec.Blocked == record.MANUAL {
			rec.Blocked = record.NONE
		}
		s.g.Step()
		return nil
	})
}

func (s *Supervisor) Disable(key record.Key) error {
	return s.Stop(key)
}

func (s *Supervisor) Emit(name string, negate bool) error {
	return s.call(func() error {
		if negate {
			s.cond.Deassert(name)
		} else {
			s.cond.Assert(name)
		}
		return nil
	})
}
