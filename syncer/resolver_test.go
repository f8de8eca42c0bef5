// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"testing"
	"time"

	"github.com/hearth-foundation/hearth/lib/ref"
	"github.com/hearth-foundation/hearth/lib/testutil"
	"github.com/hearth-foundation/hearth/messaging"
)

func TestResolverCoalescesDuplicateRequests(t *testing.T) {
	engine := newTestEngine(t, true)
	client := &fakeProfileClient{
		profiles: map[ref.UserID]messaging.ProfileResponse{
			testBoss: {DisplayName: "The Boss"},
		},
		requests: make(chan ref.UserID, 8),
		block:    make(chan struct{}),
	}
	resolver := NewResolver(client, engine)
	defer resolver.Stop()

	resolver.Request(testBoss)
	testutil.RequireReceive(t, client.requests, notificationTimeout, "first lookup issued")

	// Further requests while the lookup is in flight coalesce into it.
	resolver.Request(testBoss)
	resolver.Request(testBoss)
	testutil.RequireNoReceive(t, client.requests, 100*time.Millisecond,
		"duplicate lookup issued while one was in flight")
	if got := resolver.Pending(); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}

	close(client.block)
	drainUntil(t, engine, func(n Notification) bool {
		change, ok := n.(PresenceChange)
		return ok && change.After.DisplayName == "The Boss"
	})

	// After completion a new request issues a fresh lookup.
	waitForPending(t, resolver, 0)
	resolver.Request(testBoss)
	testutil.RequireReceive(t, client.requests, notificationTimeout, "post-completion lookup issued")
}

func TestResolverStopCancelsInflightLookups(t *testing.T) {
	engine := newTestEngine(t, true)
	client := &fakeProfileClient{
		requests: make(chan ref.UserID, 1),
		block:    make(chan struct{}),
	}
	resolver := NewResolver(client, engine)

	resolver.Request(testGhost)
	testutil.RequireReceive(t, client.requests, notificationTimeout, "lookup issued")

	// Stop returns only after the blocked lookup's goroutine observes
	// cancellation and exits.
	done := make(chan struct{})
	go func() {
		resolver.Stop()
		close(done)
	}()
	testutil.RequireClosed(t, done, notificationTimeout, "Stop did not return")
	if got := resolver.Pending(); got != 0 {
		t.Fatalf("Pending = %d after Stop, want 0", got)
	}

	// Requests after Stop are no-ops.
	resolver.Request(testBoss)
	testutil.RequireNoReceive(t, client.requests, 100*time.Millisecond, "lookup issued after Stop")
}

func TestResolverIgnoresZeroUser(t *testing.T) {
	engine := newTestEngine(t, true)
	client := &fakeProfileClient{requests: make(chan ref.UserID, 1)}
	resolver := NewResolver(client, engine)
	defer resolver.Stop()

	resolver.Request(ref.UserID{})
	testutil.RequireNoReceive(t, client.requests, 100*time.Millisecond, "lookup issued for zero user")
}

// waitForPending polls until the resolver's in-flight count reaches
// want. The completion goroutine clears the pending entry after
// calling back into the engine, so a brief poll is required.
func waitForPending(t *testing.T, resolver *Resolver, want int) {
	t.Helper()
	deadline := time.Now().Add(notificationTimeout)
	for time.Now().Before(deadline) {
		if resolver.Pending() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Pending never reached %d (now %d)", want, resolver.Pending())
}
