package condition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-initd/initd/internal/condition"
	"github.com/go-initd/initd/internal/record"
)

func TestAssertDeassertFlux(t *testing.T) {
	s := condition.New()
	assert.Equal(t, condition.OFF, s.Get("net/eth0/up"))

	s.Assert("net/eth0/up")
	assert.Equal(t, condition.ON, s.Get("net/eth0/up"))

	s.SetFlux("net/eth0/up")
	assert.Equal(t, condition.FLUX, s.Get("net/eth0/up"))

	s.Deassert("net/eth0/up")
	assert.Equal(t, condition.OFF, s.Get("net/eth0/up"))
}

func TestOnChangeFiresOnlyOnRealChange(t *testing.T) {
	s := condition.New()
	calls := 0
	s.OnChange = func() { calls++ }

	s.Assert("a")
	assert.Equal(t, 1, calls)
	s.Assert("a")
	assert.Equal(t, 1, calls, "asserting an already-ON gate must not re-fire OnChange")
}

func TestPinnedNeverChangesAfterAssert(t *testing.T) {
	s := condition.New()
	s.Assert("int/bootstrap")
	s.Deassert("int/bootstrap")
	assert.Equal(t, condition.ON, s.Get("int/bootstrap"))

	s.Reload()
	assert.Equal(t, condition.ON, s.Get("int/bootstrap"))
}

func TestReloadFluxesNonPinned(t *testing.T) {
	s := condition.New()
	s.Assert("a")
	s.Assert("int/bootstrap")
	s.Reload()
	assert.Equal(t, condition.FLUX, s.Get("a"))
	assert.Equal(t, condition.ON, s.Get("int/bootstrap"))
}

func TestAggregateEmptyIsOn(t *testing.T) {
	s := condition.New()
	assert.Equal(t, condition.ON, s.Aggregate(nil))
}

func TestAggregateMinimumWithNegation(t *testing.T) {
	s := condition.New()
	s.Assert("a")
	s.SetFlux("b")

	got := s.Aggregate([]record.CondRef{{Name: "a"}, {Name: "b"}})
	assert.Equal(t, condition.FLUX, got, "min(ON, FLUX) == FLUX")

	got = s.Aggregate([]record.CondRef{{Name: "a", Negate: true}})
	assert.Equal(t, condition.OFF, got, "negated ON == OFF")

	got = s.Aggregate([]record.CondRef{{Name: "missing"}})
	assert.Equal(t, condition.OFF, got, "unasserted gate defaults OFF")
}
