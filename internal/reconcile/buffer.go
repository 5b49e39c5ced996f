package reconcile

// ============================================================================
// Rolling Event Buffer
// Responsibility: keep the last N live events with their receive
// timestamps so a snapshot arriving late can have newer events replayed on
// top of it. This is what makes the merge transport-agnostic: the poll
// path and the push path resolve their races through timestamps, not
// locks.
// ============================================================================

import (
	"github.com/umuve/livesync/pkg/types"
)

// defaultBufferSize is the replay window. ~100 events covers several
// polling intervals of GPS traffic on a busy job.
const defaultBufferSize = 100

// eventBuffer is a fixed-capacity FIFO of applied events. Not safe for
// concurrent use; it is owned by the reconciler's apply loop.
type eventBuffer struct {
	events []types.LiveEvent
	cap    int
}

func newEventBuffer(capacity int) *eventBuffer {
	if capacity <= 0 {
		capacity = defaultBufferSize
	}
	return &eventBuffer{cap: capacity}
}

// add appends an event, evicting the oldest when full.
func (b *eventBuffer) add(ev types.LiveEvent) {
	if len(b.events) == b.cap {
		copy(b.events, b.events[1:])
		b.events = b.events[:b.cap-1]
	}
	b.events = append(b.events, ev)
}

// pruneBefore drops events received before ts. Called when a snapshot is
// applied: everything older than the fetch start is covered by the
// snapshot itself.
func (b *eventBuffer) pruneBefore(ts int64) {
	keep := b.events[:0]
	for _, ev := range b.events {
		if ev.ReceivedAt() >= ts {
			keep = append(keep, ev)
		}
	}
	b.events = keep
}

// replayAfter returns, in arrival order, the buffered events received at
// or after ts.
func (b *eventBuffer) replayAfter(ts int64) []types.LiveEvent {
	var out []types.LiveEvent
	for _, ev := range b.events {
		if ev.ReceivedAt() >= ts {
			out = append(out, ev)
		}
	}
	return out
}

func (b *eventBuffer) len() int { return len(b.events) }
