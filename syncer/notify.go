// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"sync"

	"github.com/hearth-foundation/hearth/lib/ref"
	"github.com/hearth-foundation/hearth/messaging"
	"github.com/hearth-foundation/hearth/state"
)

// Notification is a change produced by one engine pass. Consumers
// receive them in the order the engine produced them via
// [Engine.Notifications] and switch on the concrete type.
type Notification interface {
	notification()
}

// RoomNameChange reports that a room's derived display name changed.
// Previous is empty for a room seen for the first time.
type RoomNameChange struct {
	RoomID   ref.RoomID
	Previous string
	Name     string
}

// MemberChange reports that fields of one room member changed. Fields
// lists the changed field names in a fixed order (membership,
// displayname, avatar_url, typing, power_level); Previous is the
// record before the pass, zero for a member seen for the first time.
type MemberChange struct {
	Member   state.Member
	Previous state.Member
	Fields   []string
}

// TimelineAppend reports a new timeline event in a room. Duplicate
// deliveries of an already-seen event do not produce one.
type TimelineAppend struct {
	RoomID ref.RoomID
	Event  messaging.Event
}

// ReceiptChange reports a read marker moving to a new event.
type ReceiptChange struct {
	RoomID ref.RoomID
	Update state.ReceiptUpdate
}

// PresenceChange reports a directory entry changing from a presence
// event or a completed profile lookup.
type PresenceChange struct {
	Before state.User
	After  state.User
}

// LifecycleChange reports the sync loop moving between states. Err is
// set when the transition was caused by a failure (entering
// StateReconnecting or StateError).
type LifecycleChange struct {
	From LifecycleState
	To   LifecycleState
	Err  error
}

// SectionProblem reports a malformed part of a sync response that was
// skipped, whether the wire decoder dropped it for its shape or the
// engine rejected its content. The rest of the response was still
// applied; Section names the part that was not ("presence", "join",
// "invite", "leave", "state", "timeline", "ephemeral",
// "invite_state"). RoomID is zero for top-level sections.
type SectionProblem struct {
	RoomID  ref.RoomID
	Section string
	Err     error
}

func (RoomNameChange) notification()  {}
func (MemberChange) notification()    {}
func (TimelineAppend) notification()  {}
func (ReceiptChange) notification()   {}
func (PresenceChange) notification()  {}
func (LifecycleChange) notification() {}
func (SectionProblem) notification()  {}

// notificationQueue is an unbounded FIFO between the engine (producer,
// holding the engine lock) and the consumer channel. Unbounded so a
// slow consumer can never stall an Apply pass mid-response.
type notificationQueue struct {
	mu      sync.Mutex
	pending []Notification
	signal  chan struct{}
	closed  bool
	out     chan Notification
}

func newNotificationQueue() *notificationQueue {
	q := &notificationQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Notification),
	}
	go q.pump()
	return q
}

// Push appends notifications to the queue. Never blocks.
func (q *notificationQueue) Push(notifications ...Notification) {
	if len(notifications) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, notifications...)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Close drains nothing further: pending notifications already queued
// are still delivered, then the output channel closes.
func (q *notificationQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *notificationQueue) pump() {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, notification := range batch {
			q.out <- notification
		}
		if closed {
			// One final drain in case Push raced the closed check.
			q.mu.Lock()
			batch = q.pending
			q.pending = nil
			q.mu.Unlock()
			for _, notification := range batch {
				q.out <- notification
			}
			close(q.out)
			return
		}
		<-q.signal
	}
}
