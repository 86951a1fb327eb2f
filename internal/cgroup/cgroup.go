// Package cgroup is the accounting module the core delegates to rather
// than managing cgroup creation policy itself. It creates a per-service
// cgroup v2 leaf on start and removes it during the GSM's RUNLEVEL_CLEAN /
// RELOAD_CLEAN prune.
//
// Same cgroup v2 delegation-discovery logic a minimal supervisor needs
// (find the writable base under /sys/fs/cgroup by reading
// /proc/self/cgroup), generalized from one global base used ad hoc per
// process to a Manager that tracks one cgroup per record.Key and exposes
// Attach/Release for the GSM's clean phase.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"

	"github.com/go-initd/initd/internal/record"
)

// DefaultFSRoot is the cgroup v2 mountpoint used when the caller doesn't
// override it (e.g. via --cgroup-root).
const DefaultFSRoot = "/sys/fs/cgroup"

// Manager owns the base cgroup path under which per-service leaves are
// created, and tracks which keys currently have one.
type Manager struct {
	log    *golog.Logger
	mu     sync.Mutex
	fsRoot string
	base   string
	live   map[record.Key]string // key -> cgroup path
}

// New returns a Manager that has not yet resolved a writable base path.
// Call EnsureControllers before the first Attach. fsRoot is the cgroup v2
// mountpoint to operate under; an empty string falls back to DefaultFSRoot.
func New(log *golog.Logger, fsRoot string) *Manager {
	if fsRoot == "" {
		fsRoot = DefaultFSRoot
	}
	return &Manager{log: log, fsRoot: fsRoot, live: make(map[record.Key]string)}
}

// getSelfCgroup reads /proc/self/cgroup and returns this process's cgroup
// v2 path (format "0::/path").
func getSelfCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	parts := strings.SplitN(line, "::", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("cgroup: unexpected /proc/self/cgroup format: %s", line)
	}
	return parts[1], nil
}

// findWritableBase prefers our own delegated cgroup (systemd --user
// scopes), falling back to creating directly under the cgroupfs root
// (root / non-systemd systems). The
// "no internal processes" rule (a cgroup can't host both tasks and
// controller-enabled children) means we first relocate ourselves into a
// "supervisor" leaf before enabling controllers on the parent.
func findWritableBase(fsRoot string) (string, error) {
	if self, err := getSelfCgroup(); err == nil && self != "" {
		parent := filepath.Join(fsRoot, self)
		supervisorLeaf := filepath.Join(parent, "supervisor")
		if err := os.MkdirAll(supervisorLeaf, 0o755); err == nil {
			procsPath := filepath.Join(supervisorLeaf, "cgroup.procs")
			if err := os.WriteFile(procsPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err == nil {
				control := filepath.Join(parent, "cgroup.subtree_control")
				if err := os.WriteFile(control, []byte("+cpu +memory +pids"), 0o644); err == nil {
					return parent, nil
				}
			}
		}
		fallback := filepath.Join(parent, "initd")
		if err := os.MkdirAll(fallback, 0o755); err == nil {
			return fallback, nil
		}
	}

	root := filepath.Join(fsRoot, "initd")
	if err := os.MkdirAll(root, 0o755); err == nil {
		return root, nil
	}
	return "", fmt.Errorf("cgroup: no writable cgroup location found under %s", fsRoot)
}

// EnsureControllers resolves and records the base path for per-service
// leaves. Failure is non-fatal to the caller (accounting is a delegate, not
// a hard dependency of the supervision core); the caller decides whether to
// continue without resource limits.
func (m *Manager) EnsureControllers() error {
	base, err := findWritableBase(m.fsRoot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.base = base
	m.mu.Unlock()
	if m.log != nil {
		m.log.Log(syslog.LOG_NOTICE, "cgroup base resolved", "path", base)
	}
	return nil
}

// Attach creates (if needed) rec's leaf cgroup and moves pid into it.
// A no-op, successfully, if EnsureControllers was never called or failed --
// services simply run unaccounted rather than failing to start over a
// missing accounting delegate.
func (m *Manager) Attach(rec *record.Record, pid int) error {
	m.mu.Lock()
	base := m.base
	m.mu.Unlock()
	if base == "" {
		return nil
	}

	name := leafName(rec.Key)
	path := filepath.Join(base, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}

	m.mu.Lock()
	m.live[rec.Key] = path
	m.mu.Unlock()
	rec.CgroupPath = path
	return nil
}

// Release removes rec's cgroup leaf. Called from the GSM's clean phase
// once the service's pid has exited (cgroup v2 leaves must be empty to be
// removable).
func (m *Manager) Release(key record.Key) error {
	m.mu.Lock()
	path, ok := m.live[key]
	if ok {
		delete(m.live, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return os.Remove(path)
}

func leafName(key record.Key) string {
	base := filepath.Base(key.Command)
	if key.ID > 1 {
		return fmt.Sprintf("%s-%d", base, key.ID)
	}
	return base
}
