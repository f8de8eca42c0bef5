// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package state

import "github.com/hearth-foundation/hearth/lib/ref"

// Membership is a user's relationship to a room.
type Membership string

// Membership values defined by the protocol. An unrecognized value on
// the wire is carried through verbatim — membership strings are the
// protocol's to extend.
const (
	MembershipInvite Membership = "invite"
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// Member is the derived per-room membership record. It is always
// derivable from the room's (m.room.member, user_id) state entry plus
// the user directory overlay and the typing snapshot; exactly one
// Member exists per user ID ever seen in the room.
type Member struct {
	UserID     ref.UserID
	RoomID     ref.RoomID
	Membership Membership

	// DisplayName is the resolved display name. Equal to the raw
	// user ID while the member is unresolved.
	DisplayName string

	// AvatarURL is the resolved avatar, empty while unresolved.
	AvatarURL string

	// Typing mirrors the room's latest typing snapshot.
	Typing bool

	// PowerLevel comes from the room's m.room.power_levels state.
	PowerLevel int64
}

// Unresolved reports whether the member still shows the raw user ID
// instead of a resolved display name.
func (m Member) Unresolved() bool {
	return m.DisplayName == m.UserID.String()
}
