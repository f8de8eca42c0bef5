// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/hearth-foundation/hearth/lib/ref"
)

// Event is the immutable envelope for every Matrix event the sync
// core handles: state, timeline, ephemeral, and presence. Two events
// are the same logical event iff their IDs match. Created once during
// response decoding and shared read-only thereafter.
//
// Content is kept as raw JSON: event content is schemaless, and the
// reconciliation code extracts only the fields it recognizes.
//
// Identifier fields decode tolerantly. Ephemeral and presence events
// legitimately have no event ID (and ephemeral events no sender), and
// a structurally invalid identifier leaves the field zero-valued
// rather than failing the surrounding response — the engine validates
// per section and skips what it cannot trust.
type Event struct {
	ID             ref.EventID
	Type           ref.EventType
	Sender         ref.UserID
	RoomID         ref.RoomID
	StateKey       *string
	Content        json.RawMessage
	OriginServerTS int64
}

// IsState reports whether the event carries a state key and therefore
// folds into the room's current-state table.
func (e Event) IsState() bool { return e.StateKey != nil }

// wireEvent is the JSON shape of an event as sent by the homeserver.
type wireEvent struct {
	EventID        string          `json:"event_id,omitempty"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
}

// UnmarshalJSON decodes a wire event, leaving identifier fields
// zero-valued when they are absent or structurally invalid.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Event{
		Type:           ref.EventType(wire.Type),
		StateKey:       wire.StateKey,
		Content:        wire.Content,
		OriginServerTS: wire.OriginServerTS,
	}
	e.ID, _ = ref.ParseEventID(wire.EventID)
	e.Sender, _ = ref.ParseUserID(wire.Sender)
	e.RoomID, _ = ref.ParseRoomID(wire.RoomID)
	return nil
}

// MarshalJSON encodes the event back into its wire shape. Used by
// snapshots and tests.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		EventID:        e.ID.String(),
		Type:           e.Type.String(),
		Sender:         e.Sender.String(),
		RoomID:         e.RoomID.String(),
		StateKey:       e.StateKey,
		Content:        e.Content,
		OriginServerTS: e.OriginServerTS,
	})
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (distinguishes "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync. Optional sections
// absent from the wire decode to empty values, never errors. A section
// (or a single element within one) that is present but not of the
// expected shape is skipped and recorded in Problems; the rest of the
// response still decodes, so one malformed section can never cost the
// valid rooms delivered alongside it.
type SyncResponse struct {
	NextBatch string          `json:"next_batch"`
	Presence  PresenceSection `json:"presence,omitempty"`
	Rooms     RoomsSection    `json:"rooms,omitempty"`

	// Problems lists the parts the decoder skipped because their
	// shape was wrong. Populated during decode, never sent on the
	// wire.
	Problems []DecodeProblem `json:"-"`
}

// DecodeProblem records one skipped part of a sync response.
type DecodeProblem struct {
	RoomID  ref.RoomID // zero for top-level sections
	Section string     // "presence", "rooms", "join", "invite", "leave", "state", "timeline", "ephemeral", "invite_state"
	Err     error
}

// UnmarshalJSON decodes a sync response section by section. The
// next_batch token and the overall object shape must be valid — a
// response without a usable cursor cannot be applied at all — but
// every section below that decodes independently, downgrading shape
// errors to Problems entries.
func (r *SyncResponse) UnmarshalJSON(data []byte) error {
	var wire struct {
		NextBatch string          `json:"next_batch"`
		Presence  json.RawMessage `json:"presence"`
		Rooms     json.RawMessage `json:"rooms"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	decoded := SyncResponse{NextBatch: wire.NextBatch}
	decoded.Presence.Events = decodeEventList(wire.Presence, ref.RoomID{}, "presence", &decoded.Problems)
	decoded.Rooms = decodeRoomsSection(wire.Rooms, &decoded.Problems)
	*r = decoded
	return nil
}

func decodeRoomsSection(raw json.RawMessage, problems *[]DecodeProblem) RoomsSection {
	var section RoomsSection
	if len(raw) == 0 {
		return section
	}
	var wire struct {
		Join   map[string]json.RawMessage `json:"join"`
		Invite map[string]json.RawMessage `json:"invite"`
		Leave  map[string]json.RawMessage `json:"leave"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		*problems = append(*problems, DecodeProblem{Section: "rooms", Err: err})
		return section
	}

	for key, rawRoom := range wire.Join {
		roomID, err := ref.ParseRoomID(key)
		if err != nil {
			*problems = append(*problems, DecodeProblem{Section: "join", Err: err})
			continue
		}
		joined, ok := decodeJoinedRoom(rawRoom, roomID, problems)
		if !ok {
			continue
		}
		if section.Join == nil {
			section.Join = make(map[ref.RoomID]JoinedRoom)
		}
		section.Join[roomID] = joined
	}
	for key, rawRoom := range wire.Invite {
		roomID, err := ref.ParseRoomID(key)
		if err != nil {
			*problems = append(*problems, DecodeProblem{Section: "invite", Err: err})
			continue
		}
		var roomWire struct {
			InviteState json.RawMessage `json:"invite_state"`
		}
		if err := json.Unmarshal(rawRoom, &roomWire); err != nil {
			*problems = append(*problems, DecodeProblem{RoomID: roomID, Section: "invite", Err: err})
			continue
		}
		if section.Invite == nil {
			section.Invite = make(map[ref.RoomID]InvitedRoom)
		}
		section.Invite[roomID] = InvitedRoom{InviteState: StateSection{
			Events: decodeEventList(roomWire.InviteState, roomID, "invite_state", problems),
		}}
	}
	for key, rawRoom := range wire.Leave {
		roomID, err := ref.ParseRoomID(key)
		if err != nil {
			*problems = append(*problems, DecodeProblem{Section: "leave", Err: err})
			continue
		}
		var roomWire struct {
			State    json.RawMessage `json:"state"`
			Timeline json.RawMessage `json:"timeline"`
		}
		if err := json.Unmarshal(rawRoom, &roomWire); err != nil {
			*problems = append(*problems, DecodeProblem{RoomID: roomID, Section: "leave", Err: err})
			continue
		}
		if section.Leave == nil {
			section.Leave = make(map[ref.RoomID]LeftRoom)
		}
		section.Leave[roomID] = LeftRoom{
			State:    StateSection{Events: decodeEventList(roomWire.State, roomID, "state", problems)},
			Timeline: decodeTimeline(roomWire.Timeline, roomID, problems),
		}
	}
	return section
}

func decodeJoinedRoom(raw json.RawMessage, roomID ref.RoomID, problems *[]DecodeProblem) (JoinedRoom, bool) {
	var wire struct {
		State     json.RawMessage `json:"state"`
		Timeline  json.RawMessage `json:"timeline"`
		Ephemeral json.RawMessage `json:"ephemeral"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		*problems = append(*problems, DecodeProblem{RoomID: roomID, Section: "join", Err: err})
		return JoinedRoom{}, false
	}
	return JoinedRoom{
		State:     StateSection{Events: decodeEventList(wire.State, roomID, "state", problems)},
		Timeline:  decodeTimeline(wire.Timeline, roomID, problems),
		Ephemeral: EphemeralSection{Events: decodeEventList(wire.Ephemeral, roomID, "ephemeral", problems)},
	}, true
}

func decodeTimeline(raw json.RawMessage, roomID ref.RoomID, problems *[]DecodeProblem) TimelineSection {
	var timeline TimelineSection
	if len(raw) == 0 {
		return timeline
	}
	var wire struct {
		Events    []json.RawMessage `json:"events"`
		PrevBatch string            `json:"prev_batch"`
		Limited   bool              `json:"limited"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		*problems = append(*problems, DecodeProblem{RoomID: roomID, Section: "timeline", Err: err})
		return timeline
	}
	timeline.PrevBatch = wire.PrevBatch
	timeline.Limited = wire.Limited
	timeline.Events = decodeEvents(wire.Events, roomID, "timeline", problems)
	return timeline
}

// decodeEventList decodes a section shaped {"events": [...]},
// skipping malformed elements individually.
func decodeEventList(raw json.RawMessage, roomID ref.RoomID, section string, problems *[]DecodeProblem) []Event {
	if len(raw) == 0 {
		return nil
	}
	var wire struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		*problems = append(*problems, DecodeProblem{RoomID: roomID, Section: section, Err: err})
		return nil
	}
	return decodeEvents(wire.Events, roomID, section, problems)
}

func decodeEvents(raw []json.RawMessage, roomID ref.RoomID, section string, problems *[]DecodeProblem) []Event {
	var events []Event
	for _, rawEvent := range raw {
		var event Event
		if err := json.Unmarshal(rawEvent, &event); err != nil {
			*problems = append(*problems, DecodeProblem{RoomID: roomID, Section: section, Err: err})
			continue
		}
		events = append(events, event)
	}
	return events
}

// PresenceSection carries global m.presence events, one per user whose
// presence changed.
type PresenceSection struct {
	Events []Event `json:"events"`
}

// RoomsSection groups per-room sync data by the syncing user's
// membership. Map keys are room IDs; a key that does not parse as a
// room ID is skipped during decode, not fatal.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	State     StateSection     `json:"state"`
	Timeline  TimelineSection  `json:"timeline"`
	Ephemeral EphemeralSection `json:"ephemeral"`
}

// InvitedRoom contains sync data for a room the user was invited to.
// InviteState carries the stripped state events the server considers
// enough to render the invite.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	State    StateSection    `json:"state"`
	Timeline TimelineSection `json:"timeline"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// EphemeralSection contains transient per-sync events (m.typing,
// m.receipt) that never become durable room state.
type EphemeralSection struct {
	Events []Event `json:"events"`
}

// ProfileResponse is returned by the /profile/{userId} endpoint.
type ProfileResponse struct {
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}
