package authgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyCapRejectsBeyondLimit(t *testing.T) {
	c := NewConcurrencyCap(2)

	release1, ok := c.acquire("t1:ask")
	require.True(t, ok)
	release2, ok := c.acquire("t1:ask")
	require.True(t, ok)

	_, ok = c.acquire("t1:ask")
	assert.False(t, ok, "third concurrent acquisition should be rejected")

	release1()
	_, ok = c.acquire("t1:ask")
	assert.True(t, ok, "releasing one slot frees capacity")
	release2()
}

func TestConcurrencyCapTracksKeysIndependently(t *testing.T) {
	c := NewConcurrencyCap(1)
	_, ok := c.acquire("t1:ask")
	require.True(t, ok)

	_, ok = c.acquire("t2:ask")
	assert.True(t, ok, "a different tenant must have its own slot pool")
}

func TestConcurrencyCapReaperForceReleasesLeakedSlot(t *testing.T) {
	c := NewConcurrencyCap(1)
	c.reapIdleAfter = 0
	c.reapInterval = 0

	_, ok := c.acquire("t1:ask") // leaked: release never called
	require.True(t, ok)

	time.Sleep(time.Millisecond)
	_, ok = c.acquire("t1:ask")
	assert.True(t, ok, "reaper should have force-released the leaked slot")
}

func TestConcurrencyCapReleaseIsIdempotent(t *testing.T) {
	c := NewConcurrencyCap(1)
	release, ok := c.acquire("t1:ask")
	require.True(t, ok)

	assert.NotPanics(t, func() {
		release()
		release()
	})

	_, ok = c.acquire("t1:ask")
	assert.True(t, ok)
}
