// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/hearth-foundation/hearth/lib/clock"
	"github.com/hearth-foundation/hearth/lib/ref"
	"github.com/hearth-foundation/hearth/lib/testutil"
	"github.com/hearth-foundation/hearth/messaging"
	"github.com/hearth-foundation/hearth/state"
)

var (
	testSelf  = ref.MustParseUserID("@alice:localhost")
	testBoss  = ref.MustParseUserID("@boss:localhost")
	testGhost = ref.MustParseUserID("@ghost:localhost")
	testRoom  = ref.MustParseRoomID("!war:localhost")
)

const notificationTimeout = 5 * time.Second

func newTestEngine(t *testing.T, resolveInvites bool) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Self:           testSelf,
		Clock:          clock.Real(),
		ResolveInvites: resolveInvites,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func memberStateEvent(id string, user ref.UserID, content string) messaging.Event {
	stateKey := user.String()
	return messaging.Event{
		ID:       ref.MustParseEventID(id),
		Type:     ref.TypeRoomMember,
		Sender:   user,
		StateKey: &stateKey,
		Content:  json.RawMessage(content),
	}
}

func messageEvent(id string, sender ref.UserID, body string) messaging.Event {
	return messaging.Event{
		ID:      ref.MustParseEventID(id),
		Type:    ref.TypeRoomMessage,
		Sender:  sender,
		Content: json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
	}
}

func joinResponse(roomID ref.RoomID, joined messaging.JoinedRoom) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: "s1",
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{roomID: joined},
		},
	}
}

// drainUntil reads notifications until the predicate matches one,
// returning everything read including the match.
func drainUntil(t *testing.T, engine *Engine, predicate func(Notification) bool) []Notification {
	t.Helper()
	var all []Notification
	for {
		notification := testutil.RequireReceive(t, engine.Notifications(), notificationTimeout,
			"waiting for notification (got %d so far)", len(all))
		all = append(all, notification)
		if predicate(notification) {
			return all
		}
	}
}

func TestApplyEmitsTimelineAndNameChange(t *testing.T) {
	engine := newTestEngine(t, false)

	response := joinResponse(testRoom, messaging.JoinedRoom{
		State: messaging.StateSection{Events: []messaging.Event{
			memberStateEvent("$self:hs", testSelf, `{"membership":"join","displayname":"Alice"}`),
			memberStateEvent("$boss:hs", testBoss, `{"membership":"join","displayname":"The Boss"}`),
		}},
		Timeline: messaging.TimelineSection{Events: []messaging.Event{
			messageEvent("$msg1:hs", testBoss, "hello"),
		}},
	})
	if err := engine.Apply(response); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	all := drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})

	var sawTimeline bool
	var sawBossJoin bool
	for _, notification := range all {
		switch n := notification.(type) {
		case TimelineAppend:
			if n.Event.ID == ref.MustParseEventID("$msg1:hs") {
				sawTimeline = true
			}
		case MemberChange:
			if n.Member.UserID == testBoss && n.Member.Membership == state.MembershipJoin {
				sawBossJoin = true
			}
		case RoomNameChange:
			if n.Name != "The Boss" {
				t.Fatalf("room name = %q, want %q", n.Name, "The Boss")
			}
		}
	}
	if !sawTimeline {
		t.Fatal("no TimelineAppend for the message")
	}
	if !sawBossJoin {
		t.Fatal("no MemberChange for the boss joining")
	}

	if name, ok := engine.RoomName(testRoom); !ok || name != "The Boss" {
		t.Fatalf("RoomName = %q, %v", name, ok)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	engine := newTestEngine(t, false)

	response := joinResponse(testRoom, messaging.JoinedRoom{
		State: messaging.StateSection{Events: []messaging.Event{
			memberStateEvent("$boss:hs", testBoss, `{"membership":"join","displayname":"The Boss"}`),
		}},
		Timeline: messaging.TimelineSection{Events: []messaging.Event{
			messageEvent("$msg1:hs", testBoss, "hello"),
		}},
	})
	response.Presence = messaging.PresenceSection{Events: []messaging.Event{
		{
			Type:    ref.TypePresence,
			Sender:  testBoss,
			Content: json.RawMessage(`{"presence":"online","displayname":"The Boss"}`),
		},
	}}
	if err := engine.Apply(response); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})

	// Redelivering the identical response changes nothing and emits
	// nothing.
	if err := engine.Apply(response); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	testutil.RequireNoReceive(t, engine.Notifications(), 100*time.Millisecond,
		"redelivered response produced notifications")
	if got := len(engine.Timeline(testRoom)); got != 1 {
		t.Fatalf("timeline length = %d, want 1", got)
	}
}

func TestTimelineStateBeatsStateBlock(t *testing.T) {
	engine := newTestEngine(t, false)

	nameKey := ""
	response := joinResponse(testRoom, messaging.JoinedRoom{
		State: messaging.StateSection{Events: []messaging.Event{
			{
				ID:       ref.MustParseEventID("$n1:hs"),
				Type:     ref.TypeRoomName,
				Sender:   testSelf,
				StateKey: &nameKey,
				Content:  json.RawMessage(`{"name":"Old Name"}`),
			},
		}},
		Timeline: messaging.TimelineSection{Events: []messaging.Event{
			{
				ID:       ref.MustParseEventID("$n2:hs"),
				Type:     ref.TypeRoomName,
				Sender:   testSelf,
				StateKey: &nameKey,
				Content:  json.RawMessage(`{"name":"New Name"}`),
			},
		}},
	})
	if err := engine.Apply(response); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	all := drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})
	name := all[len(all)-1].(RoomNameChange)
	if name.Name != "New Name" {
		t.Fatalf("room name = %q, want %q", name.Name, "New Name")
	}
}

func TestPresenceAppliedBeforeRooms(t *testing.T) {
	engine := newTestEngine(t, false)

	// The same response carries both the boss's presence (with display
	// name) and an invite for the boss: the invited member must resolve
	// from the directory entry the presence event just wrote.
	response := &messaging.SyncResponse{
		NextBatch: "s1",
		Presence: messaging.PresenceSection{Events: []messaging.Event{
			{
				Type:    ref.TypePresence,
				Sender:  testBoss,
				Content: json.RawMessage(`{"presence":"online","displayname":"The Boss"}`),
			},
		}},
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{testRoom: {
				State: messaging.StateSection{Events: []messaging.Event{
					memberStateEvent("$inv:hs", testBoss, `{"membership":"invite"}`),
				}},
			}},
		},
	}
	if err := engine.Apply(response); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})

	members := engine.Members(testRoom)
	if len(members) != 1 || members[0].DisplayName != "The Boss" {
		t.Fatalf("members = %+v, want boss resolved from presence", members)
	}
}

func TestMalformedSectionSkipped(t *testing.T) {
	engine := newTestEngine(t, false)

	// The typing event is malformed; the receipt in the same ephemeral
	// block and the timeline message must still apply.
	response := joinResponse(testRoom, messaging.JoinedRoom{
		Timeline: messaging.TimelineSection{Events: []messaging.Event{
			messageEvent("$msg1:hs", testBoss, "hello"),
		}},
		Ephemeral: messaging.EphemeralSection{Events: []messaging.Event{
			{Type: ref.TypeTyping, Content: json.RawMessage(`{"no_user_ids":true}`)},
			{Type: ref.TypeReceipt, Content: json.RawMessage(
				fmt.Sprintf(`{"$msg1:hs":{"m.read":{%q:{"ts":100}}}}`, testBoss))},
		}},
	})
	if err := engine.Apply(response); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	all := drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})
	var sawProblem, sawReceipt bool
	for _, notification := range all {
		switch n := notification.(type) {
		case SectionProblem:
			if n.Section == "ephemeral" {
				sawProblem = true
			}
		case ReceiptChange:
			if n.Update.UserID == testBoss {
				sawReceipt = true
			}
		}
	}
	if !sawProblem {
		t.Fatal("no SectionProblem for the malformed typing event")
	}
	if !sawReceipt {
		t.Fatal("receipt in the same block was not applied")
	}
}

func TestWireShapeProblemsSurfaced(t *testing.T) {
	engine := newTestEngine(t, false)

	// The presence section has the wrong shape at the wire level; the
	// decoder downgrades it to a problem and the join room still decodes
	// and applies.
	body := fmt.Sprintf(`{
		"next_batch": "s1",
		"presence": {"events": [42]},
		"rooms": {"join": {%q: {"timeline": {"events": [
			{"event_id": "$msg1:hs", "type": "m.room.message", "sender": %q,
			 "content": {"msgtype": "m.text", "body": "hello"}}
		]}}}}
	}`, testRoom, testBoss)
	var response messaging.SyncResponse
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := engine.Apply(&response); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	all := drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})
	var sawProblem bool
	for _, notification := range all {
		if problem, ok := notification.(SectionProblem); ok && problem.Section == "presence" {
			sawProblem = true
		}
	}
	if !sawProblem {
		t.Fatal("no SectionProblem for the malformed presence section")
	}
	if got := len(engine.Timeline(testRoom)); got != 1 {
		t.Fatalf("timeline length = %d, want 1", got)
	}
}

func TestTypingChangeNotifiesMembers(t *testing.T) {
	engine := newTestEngine(t, false)

	setup := joinResponse(testRoom, messaging.JoinedRoom{
		State: messaging.StateSection{Events: []messaging.Event{
			memberStateEvent("$boss:hs", testBoss, `{"membership":"join","displayname":"The Boss"}`),
		}},
	})
	if err := engine.Apply(setup); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})

	typing := joinResponse(testRoom, messaging.JoinedRoom{
		Ephemeral: messaging.EphemeralSection{Events: []messaging.Event{
			{Type: ref.TypeTyping, Content: json.RawMessage(
				fmt.Sprintf(`{"user_ids":[%q]}`, testBoss))},
		}},
	})
	if err := engine.Apply(typing); err != nil {
		t.Fatalf("Apply typing: %v", err)
	}

	notification := testutil.RequireReceive(t, engine.Notifications(), notificationTimeout, "typing member change")
	change, ok := notification.(MemberChange)
	if !ok {
		t.Fatalf("notification = %T, want MemberChange", notification)
	}
	if !change.Member.Typing {
		t.Fatal("member not marked typing")
	}
	if len(change.Fields) != 1 || change.Fields[0] != "typing" {
		t.Fatalf("fields = %v, want [typing]", change.Fields)
	}
}

// fakeProfileClient resolves profiles from a fixed map; absent users
// get a Matrix 404.
type fakeProfileClient struct {
	profiles map[ref.UserID]messaging.ProfileResponse
	requests chan ref.UserID
	block    chan struct{} // when non-nil, lookups block until closed
}

func (c *fakeProfileClient) Profile(ctx context.Context, userID ref.UserID) (messaging.ProfileResponse, error) {
	if c.requests != nil {
		c.requests <- userID
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return messaging.ProfileResponse{}, ctx.Err()
		}
	}
	profile, ok := c.profiles[userID]
	if !ok {
		return messaging.ProfileResponse{}, &messaging.MatrixError{
			Code: messaging.ErrCodeNotFound, Message: "no profile", StatusCode: 404,
		}
	}
	return profile, nil
}

func TestInviteProfileResolution(t *testing.T) {
	engine := newTestEngine(t, true)
	client := &fakeProfileClient{
		profiles: map[ref.UserID]messaging.ProfileResponse{
			testBoss: {DisplayName: "The Boss", AvatarURL: "mxc://boss"},
		},
	}
	resolver := NewResolver(client, engine)
	defer resolver.Stop()

	response := joinResponse(testRoom, messaging.JoinedRoom{
		State: messaging.StateSection{Events: []messaging.Event{
			memberStateEvent("$inv:hs", testBoss, `{"membership":"invite"}`),
		}},
	})
	if err := engine.Apply(response); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// The room name is first derived from the raw user ID, then again
	// once the lookup completes.
	all := drainUntil(t, engine, func(n Notification) bool {
		name, ok := n.(RoomNameChange)
		return ok && name.Name == "The Boss"
	})
	first := all[0]
	if _, ok := first.(MemberChange); !ok {
		t.Fatalf("first notification = %T, want MemberChange", first)
	}

	members := engine.Members(testRoom)
	if len(members) != 1 || members[0].DisplayName != "The Boss" || members[0].AvatarURL != "mxc://boss" {
		t.Fatalf("members = %+v, want resolved boss", members)
	}
	user, ok := engine.User(testBoss)
	if !ok || user.DisplayName != "The Boss" {
		t.Fatalf("directory entry = %+v, want cached profile", user)
	}
}

func TestMissingProfileLeavesMemberUnresolved(t *testing.T) {
	engine := newTestEngine(t, true)
	client := &fakeProfileClient{requests: make(chan ref.UserID, 1)}
	resolver := NewResolver(client, engine)
	defer resolver.Stop()

	response := joinResponse(testRoom, messaging.JoinedRoom{
		State: messaging.StateSection{Events: []messaging.Event{
			memberStateEvent("$inv:hs", testGhost, `{"membership":"invite"}`),
		}},
	})
	if err := engine.Apply(response); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	testutil.RequireReceive(t, client.requests, notificationTimeout, "profile lookup issued")
	drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})

	// The lookup 404s; the member keeps the raw user ID as its name and
	// no further notifications arrive.
	testutil.RequireNoReceive(t, engine.Notifications(), 100*time.Millisecond,
		"failed lookup produced notifications")
	members := engine.Members(testRoom)
	if len(members) != 1 || !members[0].Unresolved() {
		t.Fatalf("members = %+v, want unresolved ghost", members)
	}
}

func TestResolutionDisabledByConfig(t *testing.T) {
	engine := newTestEngine(t, false)
	client := &fakeProfileClient{requests: make(chan ref.UserID, 1)}
	resolver := NewResolver(client, engine)
	defer resolver.Stop()

	response := joinResponse(testRoom, messaging.JoinedRoom{
		State: messaging.StateSection{Events: []messaging.Event{
			memberStateEvent("$inv:hs", testBoss, `{"membership":"invite"}`),
		}},
	})
	if err := engine.Apply(response); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	testutil.RequireNoReceive(t, client.requests, 100*time.Millisecond,
		"lookup issued despite resolution being disabled")
}

func TestStaleLookupDiscarded(t *testing.T) {
	fakeClock := clock.Fake(time.UnixMilli(1_000_000))
	engine, err := NewEngine(EngineConfig{Self: testSelf, Clock: fakeClock, ResolveInvites: true})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Close)

	issuedAt := fakeClock.Now()
	fakeClock.Advance(time.Second)

	// A presence event lands after the lookup was issued.
	presence := &messaging.SyncResponse{
		NextBatch: "s1",
		Presence: messaging.PresenceSection{Events: []messaging.Event{
			{
				Type:    ref.TypePresence,
				Sender:  testBoss,
				Content: json.RawMessage(`{"presence":"online","displayname":"Fresh Name"}`),
			},
		}},
	}
	if err := engine.Apply(presence); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	testutil.RequireReceive(t, engine.Notifications(), notificationTimeout, "presence change")

	// The lookup that was issued before the presence event completes
	// now: its result is stale and must be discarded.
	fakeClock.Advance(time.Second)
	engine.CompleteLookup(testBoss, messaging.ProfileResponse{DisplayName: "Stale Name"}, issuedAt)

	testutil.RequireNoReceive(t, engine.Notifications(), 100*time.Millisecond,
		"stale lookup produced notifications")
	user, _ := engine.User(testBoss)
	if user.DisplayName != "Fresh Name" {
		t.Fatalf("DisplayName = %q, want %q", user.DisplayName, "Fresh Name")
	}
}

func TestStaleLookupStillResolvesMember(t *testing.T) {
	fakeClock := clock.Fake(time.UnixMilli(1_000_000))
	engine, err := NewEngine(EngineConfig{Self: testSelf, Clock: fakeClock, ResolveInvites: true})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Close)

	invite := joinResponse(testRoom, messaging.JoinedRoom{
		State: messaging.StateSection{Events: []messaging.Event{
			memberStateEvent("$inv:hs", testBoss, `{"membership":"invite"}`),
		}},
	})
	if err := engine.Apply(invite); err != nil {
		t.Fatalf("Apply invite: %v", err)
	}
	drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})

	issuedAt := fakeClock.Now()
	fakeClock.Advance(time.Second)

	// A presence event updates the directory while the lookup is in
	// flight; it doesn't touch the member record.
	presence := &messaging.SyncResponse{
		NextBatch: "s2",
		Presence: messaging.PresenceSection{Events: []messaging.Event{
			{
				Type:    ref.TypePresence,
				Sender:  testBoss,
				Content: json.RawMessage(`{"presence":"online","displayname":"Fresh Name"}`),
			},
		}},
	}
	if err := engine.Apply(presence); err != nil {
		t.Fatalf("Apply presence: %v", err)
	}
	testutil.RequireReceive(t, engine.Notifications(), notificationTimeout, "presence change")
	if member, _ := engine.Member(testRoom, testBoss); !member.Unresolved() {
		t.Fatalf("member = %+v, want still unresolved before lookup completes", member)
	}

	// The stale lookup result is discarded, but the fresher directory
	// entry it lost to still resolves the waiting member.
	fakeClock.Advance(time.Second)
	engine.CompleteLookup(testBoss, messaging.ProfileResponse{DisplayName: "Stale Name"}, issuedAt)

	drainUntil(t, engine, func(n Notification) bool {
		name, ok := n.(RoomNameChange)
		return ok && name.Name == "Fresh Name"
	})
	member, ok := engine.Member(testRoom, testBoss)
	if !ok || member.DisplayName != "Fresh Name" {
		t.Fatalf("member = %+v, want resolved from directory", member)
	}
	if user, _ := engine.User(testBoss); user.DisplayName != "Fresh Name" {
		t.Fatalf("directory entry = %+v, want untouched by stale lookup", user)
	}
}

func TestLeaveSectionUpdatesMembership(t *testing.T) {
	engine := newTestEngine(t, false)

	join := joinResponse(testRoom, messaging.JoinedRoom{
		State: messaging.StateSection{Events: []messaging.Event{
			memberStateEvent("$self:hs", testSelf, `{"membership":"join","displayname":"Alice"}`),
			memberStateEvent("$boss:hs", testBoss, `{"membership":"join","displayname":"The Boss"}`),
		}},
	})
	if err := engine.Apply(join); err != nil {
		t.Fatalf("Apply join: %v", err)
	}
	drainUntil(t, engine, func(n Notification) bool {
		_, ok := n.(RoomNameChange)
		return ok
	})

	leave := &messaging.SyncResponse{
		NextBatch: "s2",
		Rooms: messaging.RoomsSection{
			Leave: map[ref.RoomID]messaging.LeftRoom{testRoom: {
				Timeline: messaging.TimelineSection{Events: []messaging.Event{
					memberStateEvent("$bye:hs", testBoss, `{"membership":"leave"}`),
				}},
			}},
		},
	}
	if err := engine.Apply(leave); err != nil {
		t.Fatalf("Apply leave: %v", err)
	}
	all := drainUntil(t, engine, func(n Notification) bool {
		name, ok := n.(RoomNameChange)
		return ok && name.Name == state.EmptyRoomName
	})
	var sawLeave bool
	for _, notification := range all {
		if change, ok := notification.(MemberChange); ok {
			if change.Member.UserID == testBoss && change.Member.Membership == state.MembershipLeave {
				sawLeave = true
			}
		}
	}
	if !sawLeave {
		t.Fatal("no MemberChange for the boss leaving")
	}
}
