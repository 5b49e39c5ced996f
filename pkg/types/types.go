// Package types 定義了 livesync 系統中使用的核心領域模型
// (core domain model shared by the channel client, reconciler and hub).
package types

// ============================================================================
// Livesync Domain Model
// ============================================================================
//
// Package: pkg/types
// File: types.go
// Purpose: Rooms, job statuses, the LiveEvent tagged union, ViewModel shapes
//          and optimistic mutations. All timestamps are Unix milliseconds.
//
// Design notes:
//   - LiveEvent is a closed, typed event set: raw socket frames are decoded
//     exactly once at the transport boundary (see decode.go) and the rest of
//     the system never touches a dynamic payload map.
//   - ViewModel values are derived and never mutated in place; the
//     reconciler builds a fresh one on every apply.
//
// ============================================================================

// ============================================================================
// Rooms
// ============================================================================

// Room identifies a logical fanout scope on the hub.
type Room string

// AdminRoom receives a mirrored copy of all location and status traffic
// for the live operations map.
const AdminRoom Room = "admin"

// JobRoom is the per-job room shared by the customer, the assigned driver
// and any admin watching the job detail screen.
func JobRoom(jobID string) Room { return Room("job:" + jobID) }

// DriverRoom is the per-driver room used for targeted job:new alerts.
func DriverRoom(driverID string) Room { return Room("driver:" + driverID) }

// ============================================================================
// Job lifecycle
// ============================================================================

// JobStatus 任務狀態
type JobStatus string

const (
	StatusPending    JobStatus = "pending"     // booked, no driver yet
	StatusAssigned   JobStatus = "assigned"    // offered to a driver
	StatusAccepted   JobStatus = "accepted"    // driver committed
	StatusEnRoute    JobStatus = "en_route"    // driver heading to pickup
	StatusArrived    JobStatus = "arrived"     // driver on site
	StatusInProgress JobStatus = "in_progress" // loading
	StatusCompleted  JobStatus = "completed"
	StatusCancelled  JobStatus = "cancelled"
)

// SenderRole identifies which side of the marketplace produced a chat
// message or read receipt.
type SenderRole string

const (
	RoleCustomer SenderRole = "customer"
	RoleDriver   SenderRole = "driver"
	RoleAdmin    SenderRole = "admin"
)

// Point is a GPS coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ChatMessage is one message in a job's chat thread.
//
// ID is the server-assigned identifier and is the dedup key; LocalID is the
// client-generated correlation id echoed back by the hub so an optimistic
// entry can be matched to its confirmation even before ID is known.
type ChatMessage struct {
	ID         string     `json:"id"`
	LocalID    string     `json:"local_id,omitempty"`
	JobID      string     `json:"job_id"`
	SenderRole SenderRole `json:"sender_role"`
	Body       string     `json:"body"`
	CreatedAt  int64      `json:"created_at"`
	ReadAt     *int64     `json:"read_at,omitempty"`

	// Pending marks an optimistic entry that has not been confirmed by the
	// server yet. Never set on wire messages.
	Pending bool `json:"-"`
}

// ContractorRecord is the canonical normalized form of a contractor row
// from any of the server's historical map-data shapes.
type ContractorRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Position Point  `json:"position"`
	Online   bool   `json:"online"`
}

// JobRecord is the canonical normalized form of a job row.
type JobRecord struct {
	ID       string    `json:"id"`
	Status   JobStatus `json:"status"`
	Position Point     `json:"position"`
	Address  string    `json:"address,omitempty"`
	Price    float64   `json:"price,omitempty"`
	// CreatedAt is Unix ms; zero when the backend shape omitted it.
	CreatedAt int64 `json:"created_at,omitempty"`
}

// ============================================================================
// LiveEvent tagged union
// ============================================================================

// EventKind names a LiveEvent variant. The values are the wire event names.
type EventKind string

const (
	KindLocationUpdate EventKind = "driver:location"
	KindStatusChanged  EventKind = "job:status"
	KindChatMessage    EventKind = "chat:message"
	KindChatTyping     EventKind = "chat:typing"
	KindChatRead       EventKind = "chat:read"
	KindRoomJoined     EventKind = "joined"
	KindJobNew         EventKind = "job:new"
	KindJobAssigned    EventKind = "job:assigned"
	KindJobAccepted    EventKind = "job:accepted"
	KindVolumeApproved EventKind = "volume:approved"
	KindVolumeDeclined EventKind = "volume:declined"
)

// LiveEvent is one decoded server event. The set of implementations is
// closed; the reconciler switches over the concrete types.
type LiveEvent interface {
	Kind() EventKind
	// ReceivedAt is the client receive timestamp (Unix ms) used to gate
	// replay against snapshot fetch times. It is assigned at decode time,
	// not by the server.
	ReceivedAt() int64
}

// LocationUpdate carries a driver GPS position. Location events have no
// stable id; they are applied last-write-wins per entity.
type LocationUpdate struct {
	EntityID string  `json:"contractor_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	JobID    string  `json:"job_id,omitempty"`
	RecvAt   int64   `json:"-"`
}

// StatusChanged reports a job status transition.
type StatusChanged struct {
	JobID     string    `json:"job_id"`
	NewStatus JobStatus `json:"status"`
	RecvAt    int64     `json:"-"`
}

// ChatMessageEvent wraps a chat message arriving on the push channel.
type ChatMessageEvent struct {
	Message ChatMessage
	RecvAt  int64
}

// ChatTypingEvent is a transient typing indicator; it never enters the
// replay buffer.
type ChatTypingEvent struct {
	JobID  string     `json:"job_id"`
	Role   SenderRole `json:"role"`
	Typing bool       `json:"typing"`
	RecvAt int64      `json:"-"`
}

// ChatReadEvent marks the sender's unread messages as read up to ReadAt.
type ChatReadEvent struct {
	JobID      string     `json:"job_id"`
	ReaderRole SenderRole `json:"reader_role"`
	ReadAt     int64      `json:"read_at"`
	RecvAt     int64      `json:"-"`
}

// RoomJoinedEvent acknowledges a join request.
type RoomJoinedEvent struct {
	Room   Room  `json:"-"`
	RecvAt int64 `json:"-"`
}

// JobNewEvent announces a freshly booked job to nearby online drivers.
type JobNewEvent struct {
	Job    JobRecord
	RecvAt int64
}

// JobAssignedEvent tells a driver a job was assigned to them.
type JobAssignedEvent struct {
	JobID  string `json:"job_id"`
	RecvAt int64  `json:"-"`
}

// JobAcceptedEvent tells the customer a driver committed to the job.
type JobAcceptedEvent struct {
	JobID        string `json:"job_id"`
	ContractorID string `json:"contractor_id"`
	RecvAt       int64  `json:"-"`
}

// VolumeApprovedEvent: the customer approved the driver's on-site volume
// adjustment; AdjustedPrice is the new total.
type VolumeApprovedEvent struct {
	JobID         string  `json:"job_id"`
	AdjustedPrice float64 `json:"adjusted_price"`
	RecvAt        int64   `json:"-"`
}

// VolumeDeclinedEvent: the customer declined the volume adjustment.
type VolumeDeclinedEvent struct {
	JobID  string `json:"job_id"`
	RecvAt int64  `json:"-"`
}

func (e LocationUpdate) Kind() EventKind      { return KindLocationUpdate }
func (e StatusChanged) Kind() EventKind       { return KindStatusChanged }
func (e ChatMessageEvent) Kind() EventKind    { return KindChatMessage }
func (e ChatTypingEvent) Kind() EventKind     { return KindChatTyping }
func (e ChatReadEvent) Kind() EventKind       { return KindChatRead }
func (e RoomJoinedEvent) Kind() EventKind     { return KindRoomJoined }
func (e JobNewEvent) Kind() EventKind         { return KindJobNew }
func (e JobAssignedEvent) Kind() EventKind    { return KindJobAssigned }
func (e JobAcceptedEvent) Kind() EventKind    { return KindJobAccepted }
func (e VolumeApprovedEvent) Kind() EventKind { return KindVolumeApproved }
func (e VolumeDeclinedEvent) Kind() EventKind { return KindVolumeDeclined }

func (e LocationUpdate) ReceivedAt() int64      { return e.RecvAt }
func (e StatusChanged) ReceivedAt() int64       { return e.RecvAt }
func (e ChatMessageEvent) ReceivedAt() int64    { return e.RecvAt }
func (e ChatTypingEvent) ReceivedAt() int64     { return e.RecvAt }
func (e ChatReadEvent) ReceivedAt() int64       { return e.RecvAt }
func (e RoomJoinedEvent) ReceivedAt() int64     { return e.RecvAt }
func (e JobNewEvent) ReceivedAt() int64         { return e.RecvAt }
func (e JobAssignedEvent) ReceivedAt() int64    { return e.RecvAt }
func (e JobAcceptedEvent) ReceivedAt() int64    { return e.RecvAt }
func (e VolumeApprovedEvent) ReceivedAt() int64 { return e.RecvAt }
func (e VolumeDeclinedEvent) ReceivedAt() int64 { return e.RecvAt }

// ============================================================================
// REST snapshots
// ============================================================================

// MapData is a normalized REST snapshot of the live map (admin dashboard
// or customer tracking view).
type MapData struct {
	Contractors []ContractorRecord `json:"contractors"`
	Jobs        []JobRecord        `json:"jobs"`

	// FetchStart is the client clock (Unix ms) when the request was
	// issued. Buffered events with RecvAt >= FetchStart are replayed on
	// top of the snapshot so a slow fetch never regresses state.
	FetchStart int64 `json:"-"`
}

// ChatHistory is a normalized REST snapshot of a job's chat thread.
type ChatHistory struct {
	JobID      string        `json:"job_id"`
	Messages   []ChatMessage `json:"messages"`
	FetchStart int64         `json:"-"`
}

// ============================================================================
// ViewModel (derived, immutable)
// ============================================================================

// MapSnapshot is the marker feed for the map surface.
type MapSnapshot struct {
	Contractors map[string]Point
	Jobs        map[string]Point
}

// JobStatusView backs the job status banner.
type JobStatusView struct {
	Status        JobStatus
	UpdatedAt     int64
	AdjustedPrice float64 // non-zero once a volume adjustment was approved
}

// ChatThread is the ordered message list plus the unread counter.
// Messages are sorted by CreatedAt; optimistic entries carry Pending=true.
type ChatThread struct {
	Messages    []ChatMessage
	UnreadCount int
	PeerTyping  bool
}

// ViewModel is the per-screen render input. It is a pure function of
// (last REST snapshot, applied events, pending optimistic mutations) and
// holds no transport state beyond the user-facing indicator fields.
type ViewModel struct {
	Map  MapSnapshot
	Job  JobStatusView
	Chat ChatThread

	// Live is true while the push channel is connected; Stale is true
	// after repeated snapshot fetch failures. Both drive indicators only.
	Live  bool
	Stale bool

	// Version increments on every rebuild, for cheap change detection.
	Version uint64
}

// ============================================================================
// Optimistic mutations
// ============================================================================

// MutationKind 變更種類
type MutationKind string

const (
	MutationChatSend           MutationKind = "chat:send"
	MutationAcceptJob          MutationKind = "job:accept"
	MutationToggleAvailability MutationKind = "driver:availability"
)

// MutationStatus is the optimistic entry lifecycle.
type MutationStatus string

const (
	MutationPending   MutationStatus = "pending"
	MutationConfirmed MutationStatus = "confirmed"
	MutationFailed    MutationStatus = "failed"
)

// Mutation is one user-initiated action applied to the view before the
// server confirms it. LocalID is client-generated and distinct from any
// server id.
type Mutation struct {
	LocalID     string         `json:"local_id"`
	Kind        MutationKind   `json:"kind"`
	JobID       string         `json:"job_id,omitempty"`
	Body        string         `json:"body,omitempty"`   // chat:send
	Role        SenderRole     `json:"role,omitempty"`   // chat:send
	Online      bool           `json:"online,omitempty"` // driver:availability
	SubmittedAt int64          `json:"submitted_at"`
	Status      MutationStatus `json:"status"`
}
