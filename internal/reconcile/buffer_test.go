package reconcile

// ============================================================================
// Event Buffer Test File
// Purpose: Verify rolling eviction, timestamp pruning, and replay order
// ============================================================================

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umuve/livesync/pkg/types"
)

func locAt(id string, recvAt int64) types.LocationUpdate {
	return types.LocationUpdate{EntityID: id, RecvAt: recvAt}
}

func TestBufferEvictsOldest(t *testing.T) {
	b := newEventBuffer(3)
	for i := int64(1); i <= 5; i++ {
		b.add(locAt("d", i))
	}
	require.Equal(t, 3, b.len())

	replay := b.replayAfter(0)
	require.Len(t, replay, 3)
	assert.Equal(t, int64(3), replay[0].ReceivedAt())
	assert.Equal(t, int64(5), replay[2].ReceivedAt())
}

func TestBufferPrune(t *testing.T) {
	b := newEventBuffer(10)
	for i := int64(1); i <= 6; i++ {
		b.add(locAt("d", i))
	}
	b.pruneBefore(4)
	assert.Equal(t, 3, b.len())

	replay := b.replayAfter(0)
	assert.Equal(t, int64(4), replay[0].ReceivedAt())
}

// Replay preserves arrival order, not timestamp order: ordering beyond
// single-channel FIFO is the reconciler's concern.
func TestBufferReplayArrivalOrder(t *testing.T) {
	b := newEventBuffer(10)
	b.add(locAt("a", 5))
	b.add(locAt("b", 3))
	b.add(locAt("c", 7))

	replay := b.replayAfter(3)
	require.Len(t, replay, 3)
	assert.Equal(t, "a", replay[0].(types.LocationUpdate).EntityID)
	assert.Equal(t, "b", replay[1].(types.LocationUpdate).EntityID)
	assert.Equal(t, "c", replay[2].(types.LocationUpdate).EntityID)
}

func TestBufferReplayThreshold(t *testing.T) {
	b := newEventBuffer(10)
	b.add(locAt("old", 1))
	b.add(locAt("edge", 2))
	b.add(locAt("new", 3))

	// recvAt >= ts is inclusive.
	replay := b.replayAfter(2)
	require.Len(t, replay, 2)
	assert.Equal(t, "edge", replay[0].(types.LocationUpdate).EntityID)
}

func TestBufferDefaultCapacity(t *testing.T) {
	b := newEventBuffer(0)
	for i := int64(0); i < 150; i++ {
		b.add(locAt("d", i))
	}
	assert.Equal(t, defaultBufferSize, b.len())
}
