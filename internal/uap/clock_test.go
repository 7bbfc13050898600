package uap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogicalClockTick(t *testing.T) {
	var c LogicalClock
	assert.Equal(t, uint64(1), c.Tick())
	assert.Equal(t, uint64(2), c.Tick())
}

func TestLogicalClockObserveAdvancesPastRemote(t *testing.T) {
	var c LogicalClock
	c.Tick() // local = 1
	got := c.Observe(5)
	assert.Equal(t, uint64(6), got)
}

// TestLogicalClockObserveNeverMovesBackward documents the resolution of
// spec.md §9's open question: the source's client used `local = remote +
// 1` unconditionally, which can move the clock backwards. This
// implementation adopts the standard Lamport max+1 rule instead, so a
// remote clock smaller than local never decreases the local value.
func TestLogicalClockObserveNeverMovesBackward(t *testing.T) {
	var c LogicalClock
	for i := 0; i < 10; i++ {
		c.Tick()
	}
	before := c.Value()
	got := c.Observe(1) // remote is far behind local
	assert.GreaterOrEqual(t, got, before)
	assert.Equal(t, before+1, got)
}
