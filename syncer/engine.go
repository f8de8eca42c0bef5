// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hearth-foundation/hearth/lib/clock"
	"github.com/hearth-foundation/hearth/lib/ref"
	"github.com/hearth-foundation/hearth/messaging"
	"github.com/hearth-foundation/hearth/state"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Self is the syncing user. Room name derivation excludes it from
	// the member summary.
	Self ref.UserID

	// Clock supplies timestamps for directory writes and staleness
	// checks. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives per-pass diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// ResolveInvites enables asynchronous profile lookups for invited
	// members whose display name is not yet known.
	ResolveInvites bool
}

// Engine folds sync responses into the state model. All mutation goes
// through Apply and CompleteLookup under one mutex: the engine is the
// single writer, queries return copies.
type Engine struct {
	self           ref.UserID
	clock          clock.Clock
	logger         *slog.Logger
	resolveInvites bool

	mu        sync.Mutex
	directory *state.UserDirectory
	rooms     map[ref.RoomID]*state.Room
	roomNames map[ref.RoomID]string

	// requestLookup is set by the Resolver; nil means lookups are off.
	requestLookup func(ref.UserID)

	queue *notificationQueue
}

// NewEngine creates an engine with empty state.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Self.IsZero() {
		return nil, fmt.Errorf("syncer: engine requires a non-zero self user ID")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		self:           cfg.Self,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		resolveInvites: cfg.ResolveInvites,
		directory:      state.NewUserDirectory(),
		rooms:          make(map[ref.RoomID]*state.Room),
		roomNames:      make(map[ref.RoomID]string),
		queue:          newNotificationQueue(),
	}, nil
}

// Notifications is the ordered stream of changes the engine produces.
// The channel closes after Close.
func (e *Engine) Notifications() <-chan Notification {
	return e.queue.out
}

// Close stops the notification stream. Pending notifications are still
// delivered before the channel closes.
func (e *Engine) Close() {
	e.queue.Close()
}

// Apply folds one complete sync response into the state model:
// presence first, then each room's state block, timeline, and
// ephemeral events, then derived-state recomputation (room names,
// lookup triggers). A malformed section is skipped with a
// SectionProblem notification; the rest of the response still applies.
func (e *Engine) Apply(response *messaging.SyncResponse) error {
	if response == nil {
		return fmt.Errorf("syncer: nil sync response")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var notifications []Notification
	touched := make(map[ref.RoomID]struct{})

	// Sections the wire decoder had to skip are reported first, so a
	// listener sees the gap before the surviving data.
	for _, problem := range response.Problems {
		notifications = append(notifications, SectionProblem{RoomID: problem.RoomID, Section: problem.Section, Err: problem.Err})
	}

	// Presence is global and room state may consult the directory
	// (invited-member resolution), so it applies before any room.
	for _, event := range response.Presence.Events {
		before, after, err := e.directory.ApplyPresence(event, e.clock.Now())
		if err != nil {
			notifications = append(notifications, SectionProblem{Section: "presence", Err: err})
			continue
		}
		if !before.EqualVisible(after) {
			notifications = append(notifications, PresenceChange{Before: before, After: after})
		}
	}

	for _, roomID := range sortedRoomIDs(response.Rooms.Join) {
		joined := response.Rooms.Join[roomID]
		room := e.ensureRoom(roomID)
		touched[roomID] = struct{}{}
		before := memberSnapshot(room)

		for _, event := range joined.State.Events {
			if err := room.ApplyState(event, e.directory); err != nil {
				notifications = append(notifications, SectionProblem{RoomID: roomID, Section: "state", Err: err})
			}
		}
		for _, event := range joined.Timeline.Events {
			appended, err := room.AppendTimeline(event, e.directory)
			if err != nil {
				notifications = append(notifications, SectionProblem{RoomID: roomID, Section: "timeline", Err: err})
			}
			if appended {
				notifications = append(notifications, TimelineAppend{RoomID: roomID, Event: event})
			}
		}
		notifications = e.applyEphemeral(room, joined.Ephemeral.Events, notifications)
		notifications = append(notifications, memberDiff(before, room)...)
	}

	for _, roomID := range sortedRoomIDs(response.Rooms.Invite) {
		invited := response.Rooms.Invite[roomID]
		room := e.ensureRoom(roomID)
		touched[roomID] = struct{}{}
		before := memberSnapshot(room)

		for _, event := range invited.InviteState.Events {
			if err := room.ApplyState(event, e.directory); err != nil {
				notifications = append(notifications, SectionProblem{RoomID: roomID, Section: "invite_state", Err: err})
			}
		}
		notifications = append(notifications, memberDiff(before, room)...)
	}

	for _, roomID := range sortedRoomIDs(response.Rooms.Leave) {
		left := response.Rooms.Leave[roomID]
		room := e.ensureRoom(roomID)
		touched[roomID] = struct{}{}
		before := memberSnapshot(room)

		for _, event := range left.State.Events {
			if err := room.ApplyState(event, e.directory); err != nil {
				notifications = append(notifications, SectionProblem{RoomID: roomID, Section: "state", Err: err})
			}
		}
		for _, event := range left.Timeline.Events {
			appended, err := room.AppendTimeline(event, e.directory)
			if err != nil {
				notifications = append(notifications, SectionProblem{RoomID: roomID, Section: "timeline", Err: err})
			}
			if appended {
				notifications = append(notifications, TimelineAppend{RoomID: roomID, Event: event})
			}
		}
		notifications = append(notifications, memberDiff(before, room)...)
	}

	notifications = append(notifications, e.recomputeNames(touched)...)
	e.triggerLookups(touched)

	e.queue.Push(notifications...)
	e.logger.Debug("sync response applied",
		"rooms_touched", len(touched),
		"presence_events", len(response.Presence.Events),
		"notifications", len(notifications),
	)
	return nil
}

// applyEphemeral processes a room's ephemeral events: typing snapshots
// and receipt markers. Anything else is ignored.
func (e *Engine) applyEphemeral(room *state.Room, events []messaging.Event, notifications []Notification) []Notification {
	for _, event := range events {
		switch event.Type {
		case ref.TypeTyping:
			users, err := state.ParseTypingEvent(event)
			if err != nil {
				notifications = append(notifications, SectionProblem{RoomID: room.ID, Section: "ephemeral", Err: err})
				continue
			}
			room.SetTyping(users)
		case ref.TypeReceipt:
			updates, err := room.ApplyReceiptEvent(event)
			if err != nil {
				notifications = append(notifications, SectionProblem{RoomID: room.ID, Section: "ephemeral", Err: err})
				continue
			}
			for _, update := range updates {
				notifications = append(notifications, ReceiptChange{RoomID: room.ID, Update: update})
			}
		}
	}
	return notifications
}

// CompleteLookup feeds a finished profile lookup back into the state
// model. The lookup is discarded when the directory entry was updated
// after issuedAt (a presence event raced the lookup and won), but the
// fresher directory entry still overlays onto any member records that
// were waiting on this lookup.
func (e *Engine) CompleteLookup(userID ref.UserID, profile messaging.ProfileResponse, issuedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before, _ := e.directory.Get(userID)
	after, applied := e.directory.ApplyProfile(userID, profile, issuedAt, e.clock.Now())

	var notifications []Notification
	if !applied {
		e.logger.Debug("profile lookup result discarded as stale", "user_id", userID)
	} else if !before.EqualVisible(after) {
		notifications = append(notifications, PresenceChange{Before: before, After: after})
	}

	touched := make(map[ref.RoomID]struct{})
	for roomID, room := range e.rooms {
		memberBefore, ok := room.Member(userID)
		if !ok {
			continue
		}
		member, changed := room.ResolveMember(userID, after)
		if !changed {
			continue
		}
		touched[roomID] = struct{}{}
		notifications = append(notifications, MemberChange{
			Member:   member,
			Previous: memberBefore,
			Fields:   state.MemberFieldDiff(memberBefore, member),
		})
	}
	notifications = append(notifications, e.recomputeNames(touched)...)
	e.queue.Push(notifications...)
}

// recomputeNames derives the display name of every touched room and
// emits a change notification where it differs from the cached value.
func (e *Engine) recomputeNames(touched map[ref.RoomID]struct{}) []Notification {
	var notifications []Notification
	for _, roomID := range sortedIDSet(touched) {
		name := e.rooms[roomID].Name(e.self)
		previous := e.roomNames[roomID]
		if previous == name {
			continue
		}
		e.roomNames[roomID] = name
		notifications = append(notifications, RoomNameChange{RoomID: roomID, Previous: previous, Name: name})
	}
	return notifications
}

// triggerLookups requests a profile lookup for every invited member in
// a touched room whose display name is still the raw user ID. The
// resolver coalesces duplicates.
func (e *Engine) triggerLookups(touched map[ref.RoomID]struct{}) {
	if !e.resolveInvites || e.requestLookup == nil {
		return
	}
	for roomID := range touched {
		for _, member := range e.rooms[roomID].Members() {
			if member.Membership == state.MembershipInvite && member.Unresolved() {
				e.requestLookup(member.UserID)
			}
		}
	}
}

// setLookupFunc wires the resolver's request entry point. Called once
// during resolver construction.
func (e *Engine) setLookupFunc(request func(ref.UserID)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestLookup = request
}

func (e *Engine) ensureRoom(id ref.RoomID) *state.Room {
	room, ok := e.rooms[id]
	if !ok {
		room = state.NewRoom(id)
		e.rooms[id] = room
	}
	return room
}

// RoomIDs returns every known room ID, sorted.
func (e *Engine) RoomIDs() []ref.RoomID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]ref.RoomID, 0, len(e.rooms))
	for id := range e.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// RoomName returns the current derived name of a room.
func (e *Engine) RoomName(id ref.RoomID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name, ok := e.roomNames[id]
	return name, ok
}

// Member returns a copy of one member record in a room.
func (e *Engine) Member(roomID ref.RoomID, userID ref.UserID) (state.Member, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.rooms[roomID]
	if !ok {
		return state.Member{}, false
	}
	return room.Member(userID)
}

// Members returns copies of a room's member records.
func (e *Engine) Members(id ref.RoomID) []state.Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.rooms[id]
	if !ok {
		return nil
	}
	return room.Members()
}

// Timeline returns a copy of a room's ordered timeline.
func (e *Engine) Timeline(id ref.RoomID) []messaging.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.rooms[id]
	if !ok {
		return nil
	}
	return room.Timeline()
}

// TypingUsers returns a room's current typing snapshot.
func (e *Engine) TypingUsers(id ref.RoomID) []ref.UserID {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.rooms[id]
	if !ok {
		return nil
	}
	return room.TypingUsers()
}

// ReceiptsForEvent returns the receipts currently held by an event.
func (e *Engine) ReceiptsForEvent(roomID ref.RoomID, eventID ref.EventID) []state.Receipt {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	return room.ReceiptsForEvent(eventID)
}

// User returns a copy of a directory entry.
func (e *Engine) User(id ref.UserID) (state.User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.directory.Get(id)
}

// Users returns copies of every directory entry.
func (e *Engine) Users() []state.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.directory.Users()
}

// memberSnapshot captures a room's member records keyed by user ID,
// for diffing after a pass.
func memberSnapshot(room *state.Room) map[ref.UserID]state.Member {
	snapshot := make(map[ref.UserID]state.Member)
	for _, member := range room.Members() {
		snapshot[member.UserID] = member
	}
	return snapshot
}

// memberDiff compares the current member table against a snapshot and
// produces a MemberChange per member that differs. New members diff
// against a zero record, so the notification lists every populated
// field.
func memberDiff(before map[ref.UserID]state.Member, room *state.Room) []Notification {
	var notifications []Notification
	for _, member := range room.Members() {
		previous := before[member.UserID]
		fields := state.MemberFieldDiff(previous, member)
		if len(fields) == 0 {
			continue
		}
		notifications = append(notifications, MemberChange{Member: member, Previous: previous, Fields: fields})
	}
	return notifications
}

func sortedRoomIDs[V any](rooms map[ref.RoomID]V) []ref.RoomID {
	ids := make([]ref.RoomID, 0, len(rooms))
	for id := range rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func sortedIDSet(set map[ref.RoomID]struct{}) []ref.RoomID {
	ids := make([]ref.RoomID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
