// Package registry implements the service registry: the
// authoritative map of (command-path, instance-id) to *record.Record, with
// reverse lookup by pid and enumeration filtered by kind/runlevel mask.
//
// The registry is pure state: it never forks, signals or arms timers. It is
// read and mutated by the GSM and PSM, which is what produces the side
// effects.
package registry

import (
	"sort"
	"sync"

	"github.com/go-initd/initd/internal/record"
)

// Registry owns every record.Record in the system.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[record.Key]*record.Record
	nextIDs map[string]int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byKey:   make(map[record.Key]*record.Record),
		nextIDs: make(map[string]int),
	}
}

// Insert adds a new record, or returns an error if its key is already taken.
// Use Reconcile to handle re-parse of an existing key.
func (r *Registry) Insert(rec *record.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[rec.Key]; exists {
		return errKeyExists{rec.Key}
	}
	r.byKey[rec.Key] = rec
	if rec.Key.ID >= r.nextIDs[rec.Key.Command] {
		r.nextIDs[rec.Key.Command] = rec.Key.ID + 1
	}
	return nil
}

type errKeyExists struct{ key record.Key }

func (e errKeyExists) Error() string {
	return "registry: key already exists: " + e.key.Command
}

// NextUnusedID returns one more than the highest instance id ever inserted
// for command (1 if none). Ids freed by Remove or PruneRemoved are not
// reused.
func (r *Registry) NextUnusedID(command string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextIDs[command]
	if id < 1 {
		id = 1
	}
	return id
}

// Lookup finds a record by its (command, id) key.
func (r *Registry) Lookup(key record.Key) (*record.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byKey[key]
	return rec, ok
}

// LookupPID returns the at-most-one record whose pid matches. pid == 0 never matches (records with pid 0 are not running).
func (r *Registry) LookupPID(pid int) (*record.Record, bool) {
	if pid == 0 {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byKey {
		if rec.PID == pid {
			return rec, true
		}
	}
	return nil, false
}

// KindMask is a bitmask of record.Kind values used to filter enumeration.
type KindMask uint32

// Bit returns the mask bit for a single kind.
func Bit(k record.Kind) KindMask {
	return 1 << uint(k)
}

// AllKinds matches every kind.
const AllKinds KindMask = ^KindMask(0)

// EnumerateFunc is called for each matching record in a deterministic
// (key-sorted) order, so tests and the "step all" driver see stable
// iteration regardless of map ordering.
type EnumerateFunc func(*record.Record)

// Enumerate walks records matching kindMask, and, if runlevel >= 0, also
// restricted to that runlevel's set membership.
func (r *Registry) Enumerate(kindMask KindMask, runlevel int, fn EnumerateFunc) {
	r.mu.RLock()
	keys := make([]record.Key, 0, len(r.byKey))
	for k, rec := range r.byKey {
		if kindMask&Bit(rec.Kind) == 0 {
			continue
		}
		if runlevel >= 0 && !rec.Runlevels.Has(runlevel) {
			continue
		}
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Command != keys[j].Command {
			return keys[i].Command < keys[j].Command
		}
		return keys[i].ID < keys[j].ID
	})

	for _, k := range keys {
		r.mu.RLock()
		rec := r.byKey[k]
		r.mu.RUnlock()
		if rec != nil {
			fn(rec)
		}
	}
}

// Remove deletes key unconditionally. Unlike PruneRemoved, which only
// deletes records the reconciler has marked REMOVED, Remove is for ephemeral
// records the GSM creates and destroys outside the config lifecycle
// entirely (INETD_CONN connection children, once DONE).
func (r *Registry) Remove(key record.Key) {
	r.mu.Lock()
	delete(r.byKey, key)
	r.mu.Unlock()
}

// MarkDirty sets the dirty state of an existing record by key.
func (r *Registry) MarkDirty(key record.Key, d record.DirtyState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byKey[key]; ok {
		rec.Dirty = d
	}
}

// PruneRemoved physically deletes every record marked REMOVED, but only
// those with pid == 0 and no armed timer. It returns the keys actually
// removed; any REMOVED record that is still busy is left for the next
// clean phase.
func (r *Registry) PruneRemoved() []record.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned []record.Key
	for k, rec := range r.byKey {
		if rec.Dirty != record.REMOVED {
			continue
		}
		if rec.PID != 0 || rec.TimerSet {
			continue
		}
		delete(r.byKey, k)
		pruned = append(pruned, k)
	}
	return pruned
}

// Reconcile compares a freshly parsed record against the registry by key:
// unseen keys are added and marked NEW, seen keys whose content differs from
// what is running are CHANGED, and identical content is left CLEAN --
// Reconcile is idempotent on unchanged input. Keys present
// before this call but absent from `fresh` are marked REMOVED.
func (r *Registry) Reconcile(fresh []*record.Record) {
	r.mu.Lock()
	seen := make(map[record.Key]bool, len(fresh))
	for _, in := range fresh {
		seen[in.Key] = true
		existing, ok := r.byKey[in.Key]
		if !ok {
			in.Dirty = record.NEW
			r.byKey[in.Key] = in
			if in.Key.ID >= r.nextIDs[in.Key.Command] {
				r.nextIDs[in.Key.Command] = in.Key.ID + 1
			}
			continue
		}
		if recordsDiffer(existing, in) {
			existing.Argv = in.Argv
			existing.Description = in.Description
			existing.User = in.User
			existing.Group = in.Group
			existing.Runlevels = in.Runlevels
			existing.Conditions = in.Conditions
			existing.SighupReloadable = in.SighupReloadable
			existing.LogToSyslog = in.LogToSyslog
			existing.ConfigModTime = in.ConfigModTime
			existing.Dirty = record.CHANGED
		} else {
			existing.Dirty = record.CLEAN
		}
	}
	for k, rec := range r.byKey {
		if !seen[k] {
			rec.Dirty = record.REMOVED
		}
	}
	r.mu.Unlock()
}

// recordsDiffer reports whether the parser-controlled fields of two
// records with the same key differ (argv/user/conditions/etc). Runtime-only
// fields (pid, state, counters) are deliberately excluded.
func recordsDiffer(a, b *record.Record) bool {
	if a.Description != b.Description || a.User != b.User || a.Group != b.Group {
		return true
	}
	if a.Runlevels != b.Runlevels || a.SighupReloadable != b.SighupReloadable || a.LogToSyslog != b.LogToSyslog {
		return true
	}
	if len(a.Argv) != len(b.Argv) {
		return true
	}
	for i := range a.Argv {
		if a.Argv[i] != b.Argv[i] {
			return true
		}
	}
	if len(a.Conditions) != len(b.Conditions) {
		return true
	}
	for i := range a.Conditions {
		if a.Conditions[i] != b.Conditions[i] {
			return true
		}
	}
	return false
}

// Len returns the number of records currently held (for introspection/tests).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
