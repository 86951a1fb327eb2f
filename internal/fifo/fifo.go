// Package fifo implements the legacy telinit(8) compatibility path (spec
// §6 "legacy FIFO"): a named pipe accepting single-byte runlevel commands
// for scripts and tools that still invoke classic SysV telinit instead of
// the control socket.
package fifo

import (
	"bufio"
	"fmt"
	"os"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
)

// Router receives the decoded command.
type Router interface {
	SetRunlevel(level int)
	RequestReload()
}

// Listener owns the FIFO's file descriptor and decode loop.
type Listener struct {
	log  *golog.Logger
	path string
	rt   Router
	f    *os.File
	quit chan struct{}
}

// New prepares a Listener for path. Call Start to create the FIFO and
// begin reading commands.
func New(path string, rt Router, log *golog.Logger) *Listener {
	return &Listener{path: path, rt: rt, log: log, quit: make(chan struct{})}
}

// Start creates the FIFO (if missing) and begins decoding commands on its
// own goroutine. Each decoded command is forwarded to Router; callers
// wanting single-threaded semantics should have Router hop onto the event
// loop via Enqueue, matching internal/reaper's pattern.
func (l *Listener) Start() error {
	if err := mkfifo(l.path); err != nil {
		return err
	}
	// A FIFO read end blocks until at least one writer opens it, and sees
	// EOF whenever the last writer closes; opening O_RDWR ourselves keeps
	// the read end perpetually open so run() never has to reopen.
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("fifo: open %s: %w", l.path, err)
	}
	l.f = f
	go l.run()
	return nil
}

// Close stops the decode loop and removes the FIFO's open handle (the
// path itself is left on disk, matching telinit's traditional behavior).
func (l *Listener) Close() error {
	close(l.quit)
	if l.f != nil {
		return l.f.Close()
	}
	return nil
}

func (l *Listener) run() {
	r := bufio.NewReader(l.f)
	for {
		b, err := r.ReadByte()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
			}
			if l.log != nil {
				l.log.Log(syslog.LOG_WARNING, "fifo: read error", "err", err.Error())
			}
			return
		}
		l.decode(b)
	}
}

// decode maps one telinit command byte to a Router call.
func (l *Listener) decode(b byte) {
	switch {
	case b >= '0' && b <= '6':
		l.rt.SetRunlevel(int(b - '0'))
	case b == 'S' || b == 's':
		l.rt.SetRunlevel(1)
	case b == 'q' || b == 'Q':
		l.rt.RequestReload()
	default:
		if l.log != nil {
			l.log.Log(syslog.LOG_NOTICE, "fifo: ignoring unknown command byte", "byte", string(b))
		}
	}
}
