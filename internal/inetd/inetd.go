// Package inetd implements the listening side of an INETD service: parse
// its configured address, accept connections, and hand each one to a
// dispatch callback that forks the per-connection child.
//
// Concurrency across connections is gated here rather than by the PSM:
// "nowait" dispatches every accepted connection immediately; "wait" admits
// at most one connection in flight and waits for ConnDone (driven by the
// GSM once that connection's INETD_CONN record reaches DONE) before
// accepting the next.
package inetd

import (
	"fmt"
	"net"
	"strings"
	"sync"

	golog "github.com/One-com/gone/log"
)

// DispatchFunc handles one accepted connection. It is called on its own
// goroutine per connection; conn is already owned by the callee, which must
// close it.
type DispatchFunc func(conn net.Conn)

// Listener owns one net.Listener for one INETD record.
type Listener struct {
	log       *golog.Logger
	ln        net.Listener
	dispatch  DispatchFunc
	gate      chan struct{} // nil in nowait mode; one token admits one Accept
	closeOnce sync.Once
}

// Listen parses addr ("network://address", e.g. "tcp://:2121" or
// "unix:///run/echo.sock") and opens it. The returned Listener does not
// accept connections until Serve is called.
func Listen(addr string, noWait bool, dispatch DispatchFunc, log *golog.Logger) (*Listener, error) {
	network, address, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("inetd: listen %s: %w", addr, err)
	}
	l := &Listener{log: log, ln: ln, dispatch: dispatch}
	if !noWait {
		l.gate = make(chan struct{}, 1)
		l.gate <- struct{}{}
	}
	return l, nil
}

func splitAddr(addr string) (network, address string, err error) {
	parts := strings.SplitN(addr, "://", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("inetd: malformed listen address %q, want network://address", addr)
	}
	return parts[0], parts[1], nil
}

// Addr returns the listener's local address, mainly useful in tests that
// bind to ":0".
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Serve accepts connections until Close is called, dispatching each on its
// own goroutine. It returns once the listener is closed.
func (l *Listener) Serve() {
	for {
		if l.gate != nil {
			if _, ok := <-l.gate; !ok {
				return
			}
		}
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.dispatch(conn)
	}
}

// ConnDone admits the next connection in wait mode. A no-op in nowait mode,
// and idempotent: a stray call with the gate already holding a token does
// not block or panic.
func (l *Listener) ConnDone() {
	if l.gate == nil {
		return
	}
	select {
	case l.gate <- struct{}{}:
	default:
	}
}

// Close stops accepting new connections. In-flight connections are left
// running; idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		if l.gate != nil {
			close(l.gate)
		}
		l.ln.Close()
	})
	return nil
}
