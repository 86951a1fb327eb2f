package record_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-initd/initd/internal/record"
)

func TestRunlevelSet(t *testing.T) {
	s := record.NewRunlevelSet(2, 3, record.Bootstrap)
	assert.True(t, s.Has(2))
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(record.Bootstrap))
	assert.False(t, s.Has(4))
}

func TestEnabled(t *testing.T) {
	rec := &record.Record{Runlevels: record.NewRunlevelSet(2, 3)}

	assert.True(t, rec.Enabled(2))
	assert.False(t, rec.Enabled(4))

	rec.Blocked = record.MANUAL
	assert.False(t, rec.Enabled(2))

	rec.Blocked = record.NONE
	rec.Dirty = record.REMOVED
	assert.False(t, rec.Enabled(2))
}

func TestKindOneShot(t *testing.T) {
	assert.True(t, record.TASK.OneShot())
	assert.True(t, record.RUN.OneShot())
	assert.False(t, record.SERVICE.OneShot())
	assert.False(t, record.INETD.OneShot())
}
