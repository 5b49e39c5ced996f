package channel

// ============================================================================
// Typed Subscriptions
// Responsibility: per-screen event delivery with an explicit handle whose
// Cancel affects only itself. This replaces the broadcast notification
// fan-out of the source apps: subscription lifetime is tied to the handle,
// so screen unmount cannot leak listeners on the shared connection.
// ============================================================================

import (
	"github.com/umuve/livesync/pkg/types"
)

// subscriptionBuffer is the per-subscription channel depth. A subscriber
// that falls this far behind loses events; the poller's snapshot path
// restores consistency, so dropping beats stalling the read loop.
const subscriptionBuffer = 64

// Subscription is a cancelable handle delivering decoded events for a set
// of event kinds, in arrival order.
type Subscription struct {
	id     int
	kinds  map[types.EventKind]struct{} // empty = all kinds
	events chan types.LiveEvent
	client *Client
}

// Events returns the delivery channel. It is closed by Cancel; the client
// never closes it on disconnect, so a reader survives reconnects.
func (s *Subscription) Events() <-chan types.LiveEvent { return s.events }

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once; other subscriptions on the same client are unaffected.
func (s *Subscription) Cancel() {
	s.client.unsubscribe(s.id)
}

// wants reports whether the subscription should receive an event.
func (s *Subscription) wants(kind types.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}
