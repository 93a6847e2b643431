package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatermarkFollowsOldestInFlight(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, GlobalTransactionID(1), tr.LowGlobalTransactionIDWatermark())

	t1 := tr.Begin()
	t2 := tr.Begin()
	t3 := tr.Begin()
	assert.Equal(t, t1, tr.LowGlobalTransactionIDWatermark())

	tr.Complete(t2)
	assert.Equal(t, t1, tr.LowGlobalTransactionIDWatermark(), "completing a younger txn does not move the mark")

	tr.Complete(t1)
	assert.Equal(t, t3, tr.LowGlobalTransactionIDWatermark())

	tr.Complete(t3)
	assert.Equal(t, GlobalTransactionID(4), tr.LowGlobalTransactionIDWatermark())
	assert.Equal(t, 0, tr.InFlight())
}

func TestStable(t *testing.T) {
	tr := NewTracker()
	t1 := tr.Begin()
	assert.False(t, Stable(tr, t1))
	assert.True(t, Stable(tr, NullID))

	tr.Complete(t1)
	assert.True(t, Stable(tr, t1))

	t2 := tr.Begin()
	assert.False(t, Stable(tr, t2), "ids at the mark are not stable")
}

func TestCompleteIsIdempotent(t *testing.T) {
	tr := NewTracker()
	id := tr.Begin()
	tr.Complete(id)
	tr.Complete(id)
	tr.Complete(99)
	assert.Equal(t, 0, tr.InFlight())
}
