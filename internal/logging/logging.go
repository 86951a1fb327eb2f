// Package logging adapts the supervisor's components onto
// github.com/One-com/gone/log, and implements the per-service syslog tee
// referenced by record.Record.LogToSyslog: when set, a service's stdout and
// stderr are line-buffered and forwarded to a gone/log logger tagged with
// the service's name, instead of going to /dev/null.
package logging

import (
	"bufio"
	"io"
	"os"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
)

// Component returns a child logger tagged with a "component" key, the way
// the supervisor's packages are expected to obtain their logger.
func Component(name string) *golog.Logger {
	return golog.With("component", name)
}

// ServiceWriter returns an io.WriteCloser suitable for exec.Cmd.Stdout /
// Stderr: each line written is forwarded to a LOG_INFO event on a logger
// tagged with the service name and stream. Partial lines are flushed on
// Close.
func ServiceWriter(service, stream string) io.WriteCloser {
	logger := golog.With("service", service, "stream", stream)
	r, w := io.Pipe()
	sw := &serviceWriter{w: w}
	go pumpLines(r, logger)
	return sw
}

type serviceWriter struct {
	w *io.PipeWriter
}

func (s *serviceWriter) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *serviceWriter) Close() error {
	return s.w.Close()
}

func pumpLines(r *io.PipeReader, logger *golog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		logger.Log(syslog.LOG_INFO, scanner.Text())
	}
	r.Close()
}

// DevNull returns an *os.File open on /dev/null for services that do not
// request syslog logging.
func DevNull() (*os.File, error) {
	return os.OpenFile(os.DevNull, os.O_RDWR, 0)
}
