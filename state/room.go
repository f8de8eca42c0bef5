// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hearth-foundation/hearth/lib/ref"
	"github.com/hearth-foundation/hearth/messaging"
)

// EmptyRoomName is the derived name for a room with no m.room.name
// state and no other joined or invited members.
const EmptyRoomName = "Empty room"

// StateKey identifies one entry in a room's current-state table.
type StateKey struct {
	Type ref.EventType
	Key  string
}

// Room is the per-conversation state a sync stream folds into: the
// current-state table keyed by (event type, state key), the derived
// member table, the deduplicated timeline, the receipt store, and the
// typing snapshot.
//
// Rooms are created on first reference and never destroyed for the
// lifetime of the engine — a leave changes membership, it does not
// delete the room.
type Room struct {
	// ID is the server-assigned room identifier.
	ID ref.RoomID

	current  map[StateKey]messaging.Event
	members  map[ref.UserID]*Member
	timeline []messaging.Event
	seen     map[ref.EventID]struct{}
	receipts *ReceiptStore
	typing   map[ref.UserID]struct{}

	powerUsers   map[ref.UserID]int64
	powerDefault int64
}

// NewRoom creates an empty room.
func NewRoom(id ref.RoomID) *Room {
	return &Room{
		ID:         id,
		current:    make(map[StateKey]messaging.Event),
		members:    make(map[ref.UserID]*Member),
		seen:       make(map[ref.EventID]struct{}),
		receipts:   NewReceiptStore(),
		typing:     make(map[ref.UserID]struct{}),
		powerUsers: make(map[ref.UserID]int64),
	}
}

// ApplyState folds a state event into the current-state table by
// key-overwrite: a later event for the same (type, state key) replaces
// the earlier one regardless of timestamps — apply order is
// authoritative, the engine controls it. Recognized types additionally
// update derived state (member table, power levels); unrecognized
// types are stored and otherwise ignored.
func (r *Room) ApplyState(event messaging.Event, directory *UserDirectory) error {
	if event.StateKey == nil {
		return fmt.Errorf("state: event %s has no state key", event.ID)
	}
	r.current[StateKey{Type: event.Type, Key: *event.StateKey}] = event

	switch event.Type {
	case ref.TypeRoomMember:
		return r.applyMemberEvent(event, directory)
	case ref.TypeRoomPowerLevels:
		return r.applyPowerLevels(event)
	default:
		// Stored as current state, no derived updates.
		return nil
	}
}

// AppendTimeline appends a timeline event if its ID has not been seen
// before (idempotent re-delivery protection). A timeline event that
// carries a state key also folds into the current-state table with the
// same overwrite rule as ApplyState — timeline-carried state is always
// newer than the state block of the same response.
func (r *Room) AppendTimeline(event messaging.Event, directory *UserDirectory) (appended bool, err error) {
	if event.ID.IsZero() {
		return false, fmt.Errorf("state: timeline event in %s has no event ID", r.ID)
	}
	if _, duplicate := r.seen[event.ID]; duplicate {
		return false, nil
	}
	r.seen[event.ID] = struct{}{}
	r.timeline = append(r.timeline, event)

	if event.IsState() {
		if err := r.ApplyState(event, directory); err != nil {
			return true, err
		}
	}
	return true, nil
}

// SetTyping replaces the room's typing snapshot with the given user
// list and mirrors the flag onto the member table. Typing is a
// full-replacement snapshot: members absent from the list stop typing.
func (r *Room) SetTyping(userIDs []ref.UserID) {
	r.typing = make(map[ref.UserID]struct{}, len(userIDs))
	for _, id := range userIDs {
		r.typing[id] = struct{}{}
	}
	for id, member := range r.members {
		_, typing := r.typing[id]
		member.Typing = typing
	}
}

// TypingUsers returns the current typing snapshot, sorted.
func (r *Room) TypingUsers() []ref.UserID {
	users := make([]ref.UserID, 0, len(r.typing))
	for id := range r.typing {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].String() < users[j].String() })
	return users
}

// ApplyReceiptEvent merges an m.receipt ephemeral event into the
// receipt store. The content shape is
//
//	{ "$event_id": { "m.read": { "@user:server": { "ts": 123 } } } }
//
// with dynamic keys at every level, so fields are walked with gjson.
// Entries with unparseable identifiers are skipped; a content body
// that is not an object at all is an error (malformed section).
func (r *Room) ApplyReceiptEvent(event messaging.Event) ([]ReceiptUpdate, error) {
	content := gjson.ParseBytes(event.Content)
	if !content.IsObject() {
		return nil, fmt.Errorf("state: receipt content in %s is not an object", r.ID)
	}

	var updates []ReceiptUpdate
	content.ForEach(func(eventKey, perType gjson.Result) bool {
		eventID, err := ref.ParseEventID(eventKey.String())
		if err != nil || !perType.IsObject() {
			return true
		}
		perType.ForEach(func(typeKey, perUser gjson.Result) bool {
			if !perUser.IsObject() {
				return true
			}
			receiptType := typeKey.String()
			perUser.ForEach(func(userKey, data gjson.Result) bool {
				userID, err := ref.ParseUserID(userKey.String())
				if err != nil {
					return true
				}
				ts := data.Get("ts").Int()
				if r.receipts.Apply(eventID, receiptType, userID, ts) {
					updates = append(updates, ReceiptUpdate{
						EventID: eventID,
						Type:    receiptType,
						UserID:  userID,
						TS:      ts,
					})
				}
				return true
			})
			return true
		})
		return true
	})
	return updates, nil
}

// Name derives the room's display name for the given syncing user:
// the m.room.name state entry when it carries a non-empty name,
// otherwise a summary of the other joined/invited members — none:
// the empty-room placeholder; one: that member's display name; two:
// both names; more: two names and a count of the rest. Derivation is
// recomputed after every pass that touches the room, never cached
// across passes.
func (r *Room) Name(self ref.UserID) string {
	if nameEvent, ok := r.current[StateKey{Type: ref.TypeRoomName, Key: ""}]; ok {
		if name := gjson.GetBytes(nameEvent.Content, "name").String(); name != "" {
			return name
		}
	}

	var others []*Member
	for id, member := range r.members {
		if id == self {
			continue
		}
		if member.Membership == MembershipJoin || member.Membership == MembershipInvite {
			others = append(others, member)
		}
	}
	sort.Slice(others, func(i, j int) bool {
		return others[i].UserID.String() < others[j].UserID.String()
	})

	switch len(others) {
	case 0:
		return EmptyRoomName
	case 1:
		return others[0].DisplayName
	case 2:
		return others[0].DisplayName + " and " + others[1].DisplayName
	default:
		return fmt.Sprintf("%s and %s and %d others",
			others[0].DisplayName, others[1].DisplayName, len(others)-2)
	}
}

// Member returns a copy of the member record for the given user.
func (r *Room) Member(id ref.UserID) (Member, bool) {
	member, ok := r.members[id]
	if !ok {
		return Member{}, false
	}
	return *member, true
}

// Members returns copies of every member record, sorted by user ID.
func (r *Room) Members() []Member {
	all := make([]Member, 0, len(r.members))
	for _, member := range r.members {
		all = append(all, *member)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UserID.String() < all[j].UserID.String()
	})
	return all
}

// StateEvent returns the current state entry for (eventType, stateKey).
func (r *Room) StateEvent(eventType ref.EventType, stateKey string) (messaging.Event, bool) {
	event, ok := r.current[StateKey{Type: eventType, Key: stateKey}]
	return event, ok
}

// StateEvents returns the current-state table's entries in a
// deterministic order, for snapshots.
func (r *Room) StateEvents() []messaging.Event {
	keys := make([]StateKey, 0, len(r.current))
	for key := range r.current {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Key < keys[j].Key
	})
	events := make([]messaging.Event, len(keys))
	for i, key := range keys {
		events[i] = r.current[key]
	}
	return events
}

// Timeline returns a copy of the ordered timeline.
func (r *Room) Timeline() []messaging.Event {
	timeline := make([]messaging.Event, len(r.timeline))
	copy(timeline, r.timeline)
	return timeline
}

// ReceiptsForEvent returns the receipts currently held by an event.
func (r *Room) ReceiptsForEvent(eventID ref.EventID) []Receipt {
	return r.receipts.ForEvent(eventID)
}

// Receipts exposes the room's receipt store for snapshots.
func (r *Room) Receipts() *ReceiptStore {
	return r.receipts
}

// applyMemberEvent updates the member table from an m.room.member
// state entry. The state key is the member's user ID; display name
// and avatar resolve from the event's own content first, then from
// the directory's cached profile for invites, and otherwise stay at
// the unresolved default (raw user ID, no avatar).
func (r *Room) applyMemberEvent(event messaging.Event, directory *UserDirectory) error {
	userID, err := ref.ParseUserID(*event.StateKey)
	if err != nil {
		return fmt.Errorf("state: member event %s in %s: %w", event.ID, r.ID, err)
	}

	content := gjson.ParseBytes(event.Content)
	if !content.IsObject() {
		return fmt.Errorf("state: member content for %s in %s is not an object", userID, r.ID)
	}
	membership := Membership(content.Get("membership").String())
	if membership == "" {
		return fmt.Errorf("state: member event for %s in %s has no membership", userID, r.ID)
	}

	member, ok := r.members[userID]
	if !ok {
		member = &Member{
			UserID:     userID,
			RoomID:     r.ID,
			PowerLevel: r.powerLevelFor(userID),
		}
		if _, typing := r.typing[userID]; typing {
			member.Typing = true
		}
		r.members[userID] = member
	}
	member.Membership = membership

	switch {
	case content.Get("displayname").String() != "":
		member.DisplayName = content.Get("displayname").String()
		member.AvatarURL = content.Get("avatar_url").String()
	case membership == MembershipInvite:
		if cached, ok := directory.Get(userID); ok && cached.HasProfile() {
			member.DisplayName = cached.DisplayName
			member.AvatarURL = cached.AvatarURL
		} else {
			member.DisplayName = userID.String()
			member.AvatarURL = ""
		}
	default:
		member.DisplayName = userID.String()
		if avatar := content.Get("avatar_url").String(); avatar != "" {
			member.AvatarURL = avatar
		} else {
			member.AvatarURL = ""
		}
	}
	return nil
}

// ResolveMember applies a completed profile lookup (already written to
// the directory) to a still-unresolved member. Returns the member
// after the call and whether anything changed.
func (r *Room) ResolveMember(userID ref.UserID, user User) (Member, bool) {
	member, ok := r.members[userID]
	if !ok || !member.Unresolved() || !user.HasProfile() {
		if member != nil {
			return *member, false
		}
		return Member{}, false
	}
	member.DisplayName = user.DisplayName
	member.AvatarURL = user.AvatarURL
	return *member, true
}

// applyPowerLevels reads the users map and default level from an
// m.room.power_levels event and recomputes every member's level.
func (r *Room) applyPowerLevels(event messaging.Event) error {
	content := gjson.ParseBytes(event.Content)
	if !content.IsObject() {
		return fmt.Errorf("state: power_levels content in %s is not an object", r.ID)
	}

	r.powerDefault = content.Get("users_default").Int()
	r.powerUsers = make(map[ref.UserID]int64)
	content.Get("users").ForEach(func(userKey, level gjson.Result) bool {
		userID, err := ref.ParseUserID(userKey.String())
		if err != nil {
			return true
		}
		r.powerUsers[userID] = level.Int()
		return true
	})

	for id, member := range r.members {
		member.PowerLevel = r.powerLevelFor(id)
	}
	return nil
}

func (r *Room) powerLevelFor(id ref.UserID) int64 {
	if level, ok := r.powerUsers[id]; ok {
		return level
	}
	return r.powerDefault
}

// ParseTypingEvent extracts the user list from an m.typing ephemeral
// event. The content must be an object with a user_ids array;
// unparseable entries are skipped.
func ParseTypingEvent(event messaging.Event) ([]ref.UserID, error) {
	content := gjson.ParseBytes(event.Content)
	if !content.IsObject() {
		return nil, fmt.Errorf("state: typing content is not an object")
	}
	list := content.Get("user_ids")
	if !list.IsArray() {
		return nil, fmt.Errorf("state: typing content has no user_ids array")
	}
	var users []ref.UserID
	for _, entry := range list.Array() {
		userID, err := ref.ParseUserID(entry.String())
		if err != nil {
			continue
		}
		users = append(users, userID)
	}
	return users, nil
}

// MemberFieldDiff lists the human-readable field names that differ
// between two snapshots of the same member, in a fixed order.
func MemberFieldDiff(before, after Member) []string {
	var fields []string
	if before.Membership != after.Membership {
		fields = append(fields, "membership")
	}
	if before.DisplayName != after.DisplayName {
		fields = append(fields, "displayname")
	}
	if before.AvatarURL != after.AvatarURL {
		fields = append(fields, "avatar_url")
	}
	if before.Typing != after.Typing {
		fields = append(fields, "typing")
	}
	if before.PowerLevel != after.PowerLevel {
		fields = append(fields, "power_level")
	}
	return fields
}

// FieldValue renders the named field of a member as a string for
// change notifications.
func FieldValue(member Member, field string) string {
	switch field {
	case "membership":
		return string(member.Membership)
	case "displayname":
		return member.DisplayName
	case "avatar_url":
		return member.AvatarURL
	case "typing":
		if member.Typing {
			return "true"
		}
		return "false"
	case "power_level":
		return fmt.Sprintf("%d", member.PowerLevel)
	default:
		return ""
	}
}

// Restore loads snapshotted room parts verbatim; only snapshot
// recovery uses these.

// RestoreState reloads a current-state entry without derived-side
// effects beyond the member and power-level tables (which are rebuilt
// the same way as during a live apply).
func (r *Room) RestoreState(event messaging.Event, directory *UserDirectory) error {
	return r.ApplyState(event, directory)
}

// RestoreTimeline reloads a timeline event without re-folding state.
func (r *Room) RestoreTimeline(event messaging.Event) {
	if event.ID.IsZero() {
		return
	}
	if _, duplicate := r.seen[event.ID]; duplicate {
		return
	}
	r.seen[event.ID] = struct{}{}
	r.timeline = append(r.timeline, event)
}

// RestoreReceipt reloads one receipt marker.
func (r *Room) RestoreReceipt(update ReceiptUpdate) {
	r.receipts.Apply(update.EventID, update.Type, update.UserID, update.TS)
}

// String implements fmt.Stringer for logging.
func (r *Room) String() string {
	var b strings.Builder
	b.WriteString(r.ID.String())
	fmt.Fprintf(&b, " (%d members, %d timeline events)", len(r.members), len(r.timeline))
	return b.String()
}
