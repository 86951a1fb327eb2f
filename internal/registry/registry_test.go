package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-initd/initd/internal/record"
	"github.com/go-initd/initd/internal/registry"
)

func TestInsertAndLookup(t *testing.T) {
	r := registry.New()
	rec := &record.Record{Key: record.Key{Command: "/etc/initd/sshd", ID: 1}, Kind: record.SERVICE}
	require.NoError(t, r.Insert(rec))

	got, ok := r.Lookup(rec.Key)
	assert.True(t, ok)
	assert.Same(t, rec, got)

	assert.Error(t, r.Insert(rec), "inserting a duplicate key must fail")
}

func TestNextUnusedID(t *testing.T) {
	r := registry.New()
	assert.Equal(t, 1, r.NextUnusedID("/etc/initd/getty"))

	require.NoError(t, r.Insert(&record.Record{Key: record.Key{Command: "/etc/initd/getty", ID: 1}}))
	require.NoError(t, r.Insert(&record.Record{Key: record.Key{Command: "/etc/initd/getty", ID: 2}}))
	assert.Equal(t, 3, r.NextUnusedID("/etc/initd/getty"))
}

func TestLookupPID(t *testing.T) {
	r := registry.New()
	rec := &record.Record{Key: record.Key{Command: "/usr/sbin/crond", ID: 1}, PID: 4242}
	require.NoError(t, r.Insert(rec))

	got, ok := r.LookupPID(4242)
	assert.True(t, ok)
	assert.Same(t, rec, got)

	_, ok = r.LookupPID(0)
	assert.False(t, ok, "pid 0 must never match")

	_, ok = r.LookupPID(1)
	assert.False(t, ok)
}

func TestEnumerateFiltersAndOrders(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Insert(&record.Record{Key: record.Key{Command: "/b/svc", ID: 1}, Kind: record.SERVICE, Runlevels: record.NewRunlevelSet(2)}))
	require.NoError(t, r.Insert(&record.Record{Key: record.Key{Command: "/a/svc", ID: 1}, Kind: record.SERVICE, Runlevels: record.NewRunlevelSet(2)}))
	require.NoError(t, r.Insert(&record.Record{Key: record.Key{Command: "/c/task", ID: 1}, Kind: record.TASK, Runlevels: record.NewRunlevelSet(3)}))

	var seen []string
	r.Enumerate(registry.Bit(record.SERVICE), 2, func(rec *record.Record) {
		seen = append(seen, rec.Key.Command)
	})
	assert.Equal(t, []string{"/a/svc", "/b/svc"}, seen, "enumeration is sorted and kind/runlevel filtered")
}

func TestPruneRemovedRespectsBusyRecords(t *testing.T) {
	r := registry.New()
	busy := &record.Record{Key: record.Key{Command: "/x", ID: 1}, Dirty: record.REMOVED, PID: 99}
	idle := &record.Record{Key: record.Key{Command: "/y", ID: 1}, Dirty: record.REMOVED}
	require.NoError(t, r.Insert(busy))
	require.NoError(t, r.Insert(idle))

	pruned := r.PruneRemoved()
	assert.Equal(t, []record.Key{idle.Key}, pruned)
	assert.Equal(t, 1, r.Len())
}

func TestReconcileNewChangedRemoved(t *testing.T) {
	r := registry.New()
	existing := &record.Record{Key: record.Key{Command: "/svc/a", ID: 1}, Argv: []string{"/svc/a"}}
	require.NoError(t, r.Insert(existing))

	fresh := []*record.Record{
		{Key: record.Key{Command: "/svc/a", ID: 1}, Argv: []string{"/svc/a", "--flag"}},
		{Key: record.Key{Command: "/svc/b", ID: 1}, Argv: []string{"/svc/b"}},
	}
	r.Reconcile(fresh)

	a, _ := r.Lookup(record.Key{Command: "/svc/a", ID: 1})
	assert.Equal(t, record.CHANGED, a.Dirty)
	assert.Equal(t, []string{"/svc/a", "--flag"}, a.Argv)

	b, ok := r.Lookup(record.Key{Command: "/svc/b", ID: 1})
	require.True(t, ok)
	assert.Equal(t, record.NEW, b.Dirty)

	r.Reconcile(fresh)
	a, _ = r.Lookup(record.Key{Command: "/svc/a", ID: 1})
	assert.Equal(t, record.CLEAN, a.Dirty, "reconcile is idempotent once content matches")

	r.Reconcile(nil)
	a, _ = r.Lookup(record.Key{Command: "/svc/a", ID: 1})
	assert.Equal(t, record.REMOVED, a.Dirty)
}
