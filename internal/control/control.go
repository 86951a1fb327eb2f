// Package control implements the control-plane socket: a
// length-prefixed request/reply protocol over a UNIX domain socket, used by
// the out-of-core client CLI to drive start/stop/restart/reload/runlevel/
// enable/disable/emit and query status.
//
// The wire format itself -- and the client side of it -- are explicitly
// out of core scope; this package only implements the server half needed
// to make the supervisor drivable: an accept loop handing each connection
// its own goroutine, with a much smaller, fixed verb set than a pluggable
// command registry.
package control

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"github.com/google/uuid"

	"github.com/go-initd/initd/internal/record"
)

// Exit codes returned in every Reply.
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitUnknownService = 2
	ExitNotPermitted   = 3
	ExitTimeout        = 4
)

// Request is one client command frame.
type Request struct {
	ID       string   `json:"id"`
	Verb     string   `json:"verb"`
	Command  string   `json:"command,omitempty"`
	Instance int      `json:"instance,omitempty"`
	Level    int      `json:"level,omitempty"`
	Name     string   `json:"name,omitempty"`
	Negate   bool     `json:"negate,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// Reply is the corresponding response frame.
type Reply struct {
	ID      string      `json:"id"`
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Status  *StatusInfo `json:"status,omitempty"`
}

// StatusInfo is the payload for the "status" verb: a snapshot of one or all records.
type StatusInfo struct {
	Command  string `json:"command"`
	Instance int    `json:"instance"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	PID      int    `json:"pid"`
	Blocked  string `json:"blocked"`
	Restarts int    `json:"restarts"`
	LastExit int    `json:"last_exit"`

	// RSSKB/Threads/FDs are populated from /proc when PID != 0; zero
	// otherwise (introspection is best-effort, see internal/introspect).
	RSSKB   int64 `json:"rss_kb,omitempty"`
	Threads int   `json:"threads,omitempty"`
	FDs     int   `json:"fds,omitempty"`
}

// Handler is implemented by internal/supervisor: it applies a validated
// request to the GSM/registry/condition store and reports back what
// happened.
type Handler interface {
	Status(key record.Key) ([]StatusInfo, error)
	Start(key record.Key) error
	Stop(key record.Key) error
	Restart(key record.Key) error
	Reload() error
	SetRunlevel(level int) error
	Enable(key record.Key) error
	Disable(key record.Key) error
	Emit(name string, negate bool) error
}

// Server listens on a UNIX domain socket and serves one goroutine per
// connection, each handling one request/reply pair before closing: the
// control plane here is request/response, not a long-lived
// systemd-survivable service connection.
type Server struct {
	log     *golog.Logger
	handler Handler

	mu sync.Mutex
	l  net.Listener
	wg sync.WaitGroup
}

// New creates a Server bound to handler. Call Listen then Serve.
func New(handler Handler, log *golog.Logger) *Server {
	return &Server{handler: handler, log: log}
}

// Listen binds the UNIX domain socket at path, removing any stale socket
// file left behind by an unclean shutdown first.
func (s *Server) Listen(path string) error {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", path, err)
	}
	s.mu.Lock()
	s.l = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until the listener is closed. Intended to run
// on its own goroutine; it hands finished work back to the event loop only
// through the Handler, which internal/supervisor wires to Enqueue.
func (s *Server) Serve() error {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.l
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	err := l.Close()
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	req, err := readRequest(conn)
	if err != nil {
		if err != io.EOF && s.log != nil {
			s.log.Log(syslog.LOG_WARNING, "control: malformed request", "err", err.Error())
		}
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	reply := s.dispatch(req)
	if err := writeReply(conn, reply); err != nil && s.log != nil {
		s.log.Log(syslog.LOG_WARNING, "control: write reply failed", "err", err.Error())
	}
}

func (s *Server) dispatch(req Request) Reply {
	reply := Reply{ID: req.ID}
	key := record.Key{Command: req.Command, ID: req.Instance}

	var err error
	switch req.Verb {
	case "status":
		var infos []StatusInfo
		infos, err = s.handler.Status(key)
		if err == nil {
			if len(infos) == 1 {
				reply.Status = &infos[0]
			}
			reply.Message = formatStatuses(infos)
		}
		reply.Code = codeFor(err)
		return withMessage(reply, err)
	case "start":
		err = s.handler.Start(key)
	case "stop":
		err = s.handler.Stop(key)
	case "restart":
		err = s.handler.Restart(key)
	case "reload":
		err = s.handler.Reload()
	case "runlevel":
		err = s.handler.SetRunlevel(req.Level)
	case "enable":
		err = s.handler.Enable(key)
	case "disable":
		err = s.handler.Disable(key)
	case "emit":
		err = s.handler.Emit(req.Name, req.Negate)
	default:
		err = fmt.Errorf("control: unknown verb %q", req.Verb)
	}
	reply.Code = codeFor(err)
	return withMessage(reply, err)
}

func withMessage(reply Reply, err error) Reply {
	if err != nil {
		reply.Message = err.Error()
	}
	return reply
}

// unknownService marks an error as ExitUnknownService; internal/supervisor
// wraps registry misses with this so dispatch doesn't need registry
// knowledge itself.
type unknownService struct{ key record.Key }

func (e unknownService) Error() string {
	return fmt.Sprintf("control: no such service %s", e.key.Command)
}

// NotPermitted marks an error as ExitNotPermitted for Handler
// implementations to return; internal/supervisor's handlers do not return it.
type NotPermitted struct{ Reason string }

func (e NotPermitted) Error() string { return e.Reason }

func codeFor(err error) int {
	switch err.(type) {
	case nil:
		return ExitSuccess
	case unknownService:
		return ExitUnknownService
	case NotPermitted:
		return ExitNotPermitted
	default:
		return ExitFailure
	}
}

// UnknownService wraps key as an unknown-service error for handler
// implementations.
func UnknownService(key record.Key) error { return unknownService{key} }

func formatStatuses(infos []StatusInfo) string {
	if len(infos) == 1 {
		i := infos[0]
		return fmt.Sprintf("%s[%d] %s pid=%d state=%s blocked=%s restarts=%d last_exit=%d",
			i.Command, i.Instance, i.Kind, i.PID, i.State, i.Blocked, i.Restarts, i.LastExit)
	}
	return fmt.Sprintf("%d records", len(infos))
}

// maxFrame bounds a single request/reply frame to guard against a
// misbehaving client wedging a connection goroutine forever.
const maxFrame = 64 * 1024

func readRequest(r io.Reader) (Request, error) {
	br := bufio.NewReader(io.LimitReader(r, maxFrame))
	var length uint32
	if err := binary.Read(br, binary.BigEndian, &length); err != nil {
		return Request{}, err
	}
	if length == 0 || length > maxFrame {
		return Request{}, fmt.Errorf("control: invalid frame length %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(buf, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func writeReply(w io.Writer, reply Reply) error {
	buf, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(buf))); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
