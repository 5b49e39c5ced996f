package types

// ============================================================================
// Wire Decode Boundary
// Responsibility: turn raw socket frames into the closed LiveEvent set.
// A frame that fails to decode yields a *DecodeError; callers drop and count
// it, the stream continues.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent marks frames whose event name is not part of the
// server→client contract. They are skipped like malformed payloads.
var ErrUnknownEvent = errors.New("unknown event name")

// Envelope is the wire framing: {"event": "<name>", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeError wraps any failure while decoding one frame. It is the only
// error type DecodeFrame returns, so transport code can count and drop
// without inspecting causes.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeFrame decodes a single raw frame into a LiveEvent, stamping recvAt
// as the event's receive timestamp.
func DecodeFrame(raw []byte, recvAt int64) (LiveEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Event: "", Err: err}
	}
	return DecodeEvent(env.Event, env.Data, recvAt)
}

// DecodeEvent decodes the data payload of a named event.
func DecodeEvent(event string, data []byte, recvAt int64) (LiveEvent, error) {
	fail := func(err error) (LiveEvent, error) {
		return nil, &DecodeError{Event: event, Err: err}
	}

	switch EventKind(event) {
	case KindLocationUpdate:
		var e LocationUpdate
		if err := json.Unmarshal(data, &e); err != nil {
			return fail(err)
		}
		if e.EntityID == "" {
			return fail(errors.New("missing contractor_id"))
		}
		e.RecvAt = recvAt
		return e, nil

	case KindStatusChanged:
		var e StatusChanged
		if err := json.Unmarshal(data, &e); err != nil {
			return fail(err)
		}
		if e.JobID == "" || e.NewStatus == "" {
			return fail(errors.New("missing job_id or status"))
		}
		e.RecvAt = recvAt
		return e, nil

	case KindChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fail(err)
		}
		if msg.ID == "" && msg.LocalID == "" {
			return fail(errors.New("chat message without id"))
		}
		return ChatMessageEvent{Message: msg, RecvAt: recvAt}, nil

	case KindChatTyping:
		var e ChatTypingEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fail(err)
		}
		e.RecvAt = recvAt
		return e, nil

	case KindChatRead:
		var e ChatReadEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fail(err)
		}
		e.RecvAt = recvAt
		return e, nil

	case KindRoomJoined:
		var payload struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return fail(err)
		}
		if payload.Room == "" {
			return fail(errors.New("missing room"))
		}
		return RoomJoinedEvent{Room: Room(payload.Room), RecvAt: recvAt}, nil

	case KindJobNew:
		var job JobRecord
		if err := json.Unmarshal(data, &job); err != nil {
			return fail(err)
		}
		if job.ID == "" {
			return fail(errors.New("missing job id"))
		}
		return JobNewEvent{Job: job, RecvAt: recvAt}, nil

	case KindJobAssigned:
		var e JobAssignedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fail(err)
		}
		e.RecvAt = recvAt
		return e, nil

	case KindJobAccepted:
		var e JobAcceptedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fail(err)
		}
		e.RecvAt = recvAt
		return e, nil

	case KindVolumeApproved:
		var e VolumeApprovedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fail(err)
		}
		e.RecvAt = recvAt
		return e, nil

	case KindVolumeDeclined:
		var e VolumeDeclinedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fail(err)
		}
		e.RecvAt = recvAt
		return e, nil
	}

	// Mirrored admin copies share payload shapes with the primary events.
	switch event {
	case "admin:contractor-location":
		return DecodeEvent(string(KindLocationUpdate), data, recvAt)
	case "admin:job-status":
		return DecodeEvent(string(KindStatusChanged), data, recvAt)
	}

	return fail(ErrUnknownEvent)
}

// EncodeFrame builds the wire framing for one event. Used by the hub for
// fanout and by the channel client for client→server emits.
func EncodeFrame(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %q payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}
