package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obstack/obsync/oid"
)

func TestGuardAcquireRelease(t *testing.T) {
	g := newGuard(time.Minute)
	defer g.stop()

	id := oid.Random()
	require.True(t, g.tryAcquire(id))
	assert.True(t, g.held(id))

	// a held id cannot be claimed twice
	assert.False(t, g.tryAcquire(id))

	g.release(id)
	assert.False(t, g.held(id))
	assert.True(t, g.tryAcquire(id))
}

func TestGuardExpiry(t *testing.T) {
	g := newGuard(100 * time.Millisecond)
	defer g.stop()

	id := oid.Random()
	require.True(t, g.tryAcquire(id))

	// a claim abandoned without release expires on its own
	assert.Eventually(t, func() bool {
		return !g.held(id)
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, g.tryAcquire(id))
}
