// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"sort"

	"github.com/hearth-foundation/hearth/lib/ref"
)

// Receipt is one read marker on an event.
type Receipt struct {
	Type   string
	UserID ref.UserID
	TS     int64
}

// ReceiptUpdate records one applied receipt movement, for change
// notification and snapshots.
type ReceiptUpdate struct {
	EventID ref.EventID
	Type    string
	UserID  ref.UserID
	TS      int64
}

// receiptSlot identifies the one live marker a user holds per receipt
// type across the whole room.
type receiptSlot struct {
	user        ref.UserID
	receiptType string
}

// ReceiptStore tracks read receipts for one room. The invariant is
// room-wide, not per-event: a user holds at most one live marker per
// receipt type, so applying a new receipt removes the user's previous
// marker from whichever event held it.
type ReceiptStore struct {
	byEvent map[ref.EventID]map[string]map[ref.UserID]int64
	latest  map[receiptSlot]ref.EventID
}

// NewReceiptStore creates an empty store.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{
		byEvent: make(map[ref.EventID]map[string]map[ref.UserID]int64),
		latest:  make(map[receiptSlot]ref.EventID),
	}
}

// Apply moves the (user, type) marker to eventID. Returns false when
// the marker was already on that event with the same timestamp.
func (s *ReceiptStore) Apply(eventID ref.EventID, receiptType string, user ref.UserID, ts int64) bool {
	slot := receiptSlot{user: user, receiptType: receiptType}

	if previous, ok := s.latest[slot]; ok {
		if previous == eventID && s.byEvent[previous][receiptType][user] == ts {
			return false
		}
		s.remove(previous, receiptType, user)
	}

	perType, ok := s.byEvent[eventID]
	if !ok {
		perType = make(map[string]map[ref.UserID]int64)
		s.byEvent[eventID] = perType
	}
	perUser, ok := perType[receiptType]
	if !ok {
		perUser = make(map[ref.UserID]int64)
		perType[receiptType] = perUser
	}
	perUser[user] = ts
	s.latest[slot] = eventID
	return true
}

// ForEvent returns every receipt currently held by the given event,
// sorted by type then user ID for deterministic output.
func (s *ReceiptStore) ForEvent(eventID ref.EventID) []Receipt {
	perType, ok := s.byEvent[eventID]
	if !ok {
		return nil
	}
	var receipts []Receipt
	for receiptType, perUser := range perType {
		for user, ts := range perUser {
			receipts = append(receipts, Receipt{Type: receiptType, UserID: user, TS: ts})
		}
	}
	sort.Slice(receipts, func(i, j int) bool {
		if receipts[i].Type != receipts[j].Type {
			return receipts[i].Type < receipts[j].Type
		}
		return receipts[i].UserID.String() < receipts[j].UserID.String()
	})
	return receipts
}

// EventFor returns the event currently holding the (user, type)
// marker.
func (s *ReceiptStore) EventFor(user ref.UserID, receiptType string) (ref.EventID, bool) {
	eventID, ok := s.latest[receiptSlot{user: user, receiptType: receiptType}]
	return eventID, ok
}

// Updates flattens the store into a deterministic list of its live
// markers, for snapshots.
func (s *ReceiptStore) Updates() []ReceiptUpdate {
	var updates []ReceiptUpdate
	for slot, eventID := range s.latest {
		updates = append(updates, ReceiptUpdate{
			EventID: eventID,
			Type:    slot.receiptType,
			UserID:  slot.user,
			TS:      s.byEvent[eventID][slot.receiptType][slot.user],
		})
	}
	sort.Slice(updates, func(i, j int) bool {
		if updates[i].UserID.String() != updates[j].UserID.String() {
			return updates[i].UserID.String() < updates[j].UserID.String()
		}
		return updates[i].Type < updates[j].Type
	})
	return updates
}

func (s *ReceiptStore) remove(eventID ref.EventID, receiptType string, user ref.UserID) {
	perType, ok := s.byEvent[eventID]
	if !ok {
		return
	}
	perUser, ok := perType[receiptType]
	if !ok {
		return
	}
	delete(perUser, user)
	if len(perUser) == 0 {
		delete(perType, receiptType)
	}
	if len(perType) == 0 {
		delete(s.byEvent, eventID)
	}
}
