// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// EventID is a validated Matrix event ID (e.g., "$abc123xyz").
//
// Event IDs are server-assigned. In room version 4+ they are
// "$base64hash" with no ":server" suffix; older room versions use
// "$something:server". The ID is treated as opaque — the only
// validation is the '$' sigil and at least one following character.
//
// EventID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type EventID struct {
	id string
}

// ParseEventID validates and wraps a raw Matrix event ID string.
// Returns an error if the string is empty, doesn't start with '$',
// or has nothing after the '$' prefix.
func ParseEventID(raw string) (EventID, error) {
	if raw == "" {
		return EventID{}, fmt.Errorf("empty event ID")
	}
	if raw[0] != '$' {
		return EventID{}, fmt.Errorf("event ID must start with '$': %q", raw)
	}
	if len(raw) < 2 {
		return EventID{}, fmt.Errorf("event ID has no content after '$': %q", raw)
	}
	return EventID{id: raw}, nil
}

// MustParseEventID is like ParseEventID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseEventID(raw string) EventID {
	e, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventID(%q): %v", raw, err))
	}
	return e
}

// String returns the full event ID string (e.g., "$abc123xyz").
func (e EventID) String() string { return e.id }

// IsZero reports whether the EventID is the zero value (uninitialized).
func (e EventID) IsZero() bool { return e.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (e EventID) MarshalText() ([]byte, error) {
	if e.id == "" {
		return nil, nil
	}
	return []byte(e.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// event ID format. An empty input produces the zero value.
func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// EventType identifies a Matrix state, timeline, or ephemeral event
// type (e.g., "m.room.member", "m.typing"). Event types are opaque
// identifiers needing no validation; the named type exists purely for
// compile-time safety so an event type is never confused with a state
// key at a call site.
type EventType string

// Event types the sync core recognizes. Unrecognized types fold
// through the default no-op branch of each dispatch.
const (
	TypeRoomName        EventType = "m.room.name"
	TypeRoomMember      EventType = "m.room.member"
	TypeRoomCreate      EventType = "m.room.create"
	TypeRoomMessage     EventType = "m.room.message"
	TypeRoomPowerLevels EventType = "m.room.power_levels"
	TypePresence        EventType = "m.presence"
	TypeTyping          EventType = "m.typing"
	TypeReceipt         EventType = "m.receipt"
)

// String returns the event type string (e.g., "m.room.member").
func (t EventType) String() string { return string(t) }
