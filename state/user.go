// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hearth-foundation/hearth/lib/ref"
	"github.com/hearth-foundation/hearth/messaging"
)

// Presence is a user's global presence status.
type Presence string

// Presence values carried by m.presence events. Anything else on the
// wire maps to PresenceUnknown.
const (
	PresenceOnline      Presence = "online"
	PresenceOffline     Presence = "offline"
	PresenceUnavailable Presence = "unavailable"
	PresenceUnknown     Presence = "unknown"
)

func parsePresence(raw string) Presence {
	switch Presence(raw) {
	case PresenceOnline, PresenceOffline, PresenceUnavailable:
		return Presence(raw)
	default:
		return PresenceUnknown
	}
}

// User is one entry in the global user directory.
type User struct {
	ID           ref.UserID
	Presence     Presence
	DisplayName  string
	AvatarURL    string
	LastActiveTS int64

	// UpdatedAt is when the directory last wrote this entry. Profile
	// lookup results are discarded when the directory was updated
	// after the lookup was issued — a presence event that raced the
	// lookup is fresher than the lookup's answer.
	UpdatedAt time.Time
}

// HasProfile reports whether the directory has cached profile data
// for this user (a display name from presence or a completed lookup).
func (u User) HasProfile() bool { return u.DisplayName != "" }

// EqualVisible reports whether two entries agree on every observable
// field. UpdatedAt is bookkeeping for the staleness rule, not an
// observable change: a redelivered presence event bumps it without
// changing anything a listener can see.
func (u User) EqualVisible(o User) bool {
	return u.ID == o.ID &&
		u.Presence == o.Presence &&
		u.DisplayName == o.DisplayName &&
		u.AvatarURL == o.AvatarURL &&
		u.LastActiveTS == o.LastActiveTS
}

// UserDirectory is the global presence/profile cache, keyed by user
// ID. It is the single source of truth consulted when resolving
// invited members.
type UserDirectory struct {
	users map[ref.UserID]*User
}

// NewUserDirectory creates an empty directory.
func NewUserDirectory() *UserDirectory {
	return &UserDirectory{users: make(map[ref.UserID]*User)}
}

// Get returns a copy of the user's directory entry.
func (d *UserDirectory) Get(id ref.UserID) (User, bool) {
	user, ok := d.users[id]
	if !ok {
		return User{}, false
	}
	return *user, true
}

// Users returns copies of every directory entry.
func (d *UserDirectory) Users() []User {
	all := make([]User, 0, len(d.users))
	for _, user := range d.users {
		all = append(all, *user)
	}
	return all
}

// ApplyPresence upserts the directory entry for the event's sender:
// presence status always, display name and avatar when the content
// carries them. Returns the entry before and after the write.
func (d *UserDirectory) ApplyPresence(event messaging.Event, now time.Time) (before, after User, err error) {
	if event.Sender.IsZero() {
		return User{}, User{}, fmt.Errorf("state: presence event has no sender")
	}
	content := gjson.ParseBytes(event.Content)
	if !content.IsObject() {
		return User{}, User{}, fmt.Errorf("state: presence content for %s is not an object", event.Sender)
	}

	user := d.upsert(event.Sender)
	before = *user

	user.Presence = parsePresence(content.Get("presence").String())
	if name := content.Get("displayname"); name.Exists() {
		user.DisplayName = name.String()
	}
	if avatar := content.Get("avatar_url"); avatar.Exists() {
		user.AvatarURL = avatar.String()
	}
	if ago := content.Get("last_active_ago"); ago.Exists() {
		user.LastActiveTS = now.UnixMilli() - ago.Int()
	}
	user.UpdatedAt = now

	return before, *user, nil
}

// ApplyProfile writes a completed profile lookup into the directory,
// unless the entry was updated after the lookup was issued (in which
// case the stale result is discarded). Returns the entry after the
// call and whether the write happened.
func (d *UserDirectory) ApplyProfile(id ref.UserID, profile messaging.ProfileResponse, issuedAt, now time.Time) (User, bool) {
	user := d.upsert(id)
	if user.UpdatedAt.After(issuedAt) {
		return *user, false
	}
	if profile.DisplayName != "" {
		user.DisplayName = profile.DisplayName
	}
	if profile.AvatarURL != "" {
		user.AvatarURL = profile.AvatarURL
	}
	user.UpdatedAt = now
	return *user, true
}

// Restore loads a snapshotted entry verbatim. Only snapshot recovery
// uses this.
func (d *UserDirectory) Restore(user User) {
	stored := user
	d.users[user.ID] = &stored
}

func (d *UserDirectory) upsert(id ref.UserID) *User {
	if user, ok := d.users[id]; ok {
		return user
	}
	user := &User{ID: id, Presence: PresenceUnknown}
	d.users[id] = user
	return user
}
