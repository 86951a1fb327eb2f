// Package configwatch watches the service-definition drop-in directory and
// tells the GSM a reload is worth considering the next time it enters
// RUNLEVEL_CHANGE/RELOAD_CHANGE.
package configwatch

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
)

// Notifier is implemented by internal/gsm.GSM.
type Notifier interface {
	NotifyConfigChanged()
}

// Watcher wraps an fsnotify.Watcher over one or more drop-in directories.
type Watcher struct {
	log *golog.Logger
	w   *fsnotify.Watcher
	nf  Notifier
	// enqueue hops the notification onto the event-loop goroutine, matching
	// the reaper's pattern: fsnotify delivers on its own goroutine and must
	// never call into GSM/PSM state directly.
	enqueue func(func())
}

// New creates a Watcher. enqueue should be *eventloop.Loop.Enqueue.
func New(nf Notifier, enqueue func(func()), log *golog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{log: log, w: fw, nf: nf, enqueue: enqueue}, nil
}

// Add starts watching dir (and silently ignores a missing directory --
// drop-in directories are optional).
func (w *Watcher) Add(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return w.w.Add(dir)
}

// Run pumps fsnotify events until Close is called. Intended for its own
// goroutine.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Log(syslog.LOG_WARNING, "configwatch: error", "err", err.Error())
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Ext(ev.Name) != "" && filepath.Ext(ev.Name) != ".conf" {
		return
	}
	if w.log != nil {
		w.log.Log(syslog.LOG_INFO, "configwatch: change detected", "path", ev.Name)
	}
	w.enqueue(w.nf.NotifyConfigChanged)
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.w.Close()
}
