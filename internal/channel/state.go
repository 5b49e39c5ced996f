package channel

// ============================================================================
// Connection State
// Responsibility: the client-observable transport status. Room membership
// lives next to it because the invariant ties them together: a room id is in
// joinedRooms only while the transport is Connected.
// ============================================================================

// Status is the transport status of a logical channel connection.
type Status int

const (
	// StatusDisconnected means no connection and no retry in progress
	// (initial state, explicit Disconnect, or permanent auth failure).
	StatusDisconnected Status = iota

	// StatusConnecting means the first dial of an explicit Connect call is
	// in progress.
	StatusConnecting

	// StatusConnected means the socket is up and frames flow.
	StatusConnected

	// StatusReconnecting means the connection dropped and the backoff loop
	// is retrying. Retries are unbounded.
	StatusReconnecting
)

// String returns the status name used in logs and the UI indicator.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
