// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hearth-foundation/hearth/lib/clock"
	"github.com/hearth-foundation/hearth/lib/testutil"
	"github.com/hearth-foundation/hearth/messaging"
)

type syncResult struct {
	response *messaging.SyncResponse
	err      error
}

// fakeSyncSession scripts /sync exchanges: each call reports its
// options on calls and blocks until the test queues a result.
type fakeSyncSession struct {
	calls   chan messaging.SyncOptions
	results chan syncResult
}

func newFakeSyncSession() *fakeSyncSession {
	return &fakeSyncSession{
		calls:   make(chan messaging.SyncOptions, 16),
		results: make(chan syncResult, 16),
	}
}

func (s *fakeSyncSession) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	s.calls <- options
	select {
	case result := <-s.results:
		return result.response, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSyncSession) CloseIdleConnections() {}

func newTestLoop(t *testing.T, session *fakeSyncSession, fakeClock clock.Clock) (*Loop, *Engine) {
	t.Helper()
	engine := newTestEngine(t, false)
	loop, err := NewLoop(LoopConfig{
		Session:        session,
		Engine:         engine,
		TimeoutMS:      30000,
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
		Clock:          fakeClock,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return loop, engine
}

func requireLifecycle(t *testing.T, engine *Engine, to LifecycleState) LifecycleChange {
	t.Helper()
	for {
		notification := testutil.RequireReceive(t, engine.Notifications(), notificationTimeout,
			"waiting for lifecycle transition to %s", to)
		change, ok := notification.(LifecycleChange)
		if !ok {
			continue
		}
		if change.To != to {
			t.Fatalf("lifecycle transition to %s, want %s (from %s)", change.To, to, change.From)
		}
		return change
	}
}

func TestLoopInitialSyncEstablishesCursor(t *testing.T) {
	session := newFakeSyncSession()
	loop, engine := newTestLoop(t, session, clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Initial sync: no since token, zero server-side hold.
	first := testutil.RequireReceive(t, session.calls, notificationTimeout, "initial sync call")
	if first.Since != "" {
		t.Fatalf("initial Since = %q, want empty", first.Since)
	}
	if !first.SetTimeout || first.Timeout != 0 {
		t.Fatalf("initial timeout = (%v, %d), want explicit 0", first.SetTimeout, first.Timeout)
	}
	session.results <- syncResult{response: &messaging.SyncResponse{NextBatch: "s1"}}

	requireLifecycle(t, engine, StatePrepared)
	requireLifecycle(t, engine, StateSyncing)

	// Long poll resumes from the cursor with the configured hold.
	second := testutil.RequireReceive(t, session.calls, notificationTimeout, "long poll call")
	if second.Since != "s1" {
		t.Fatalf("Since = %q, want s1", second.Since)
	}
	if second.Timeout != 30000 {
		t.Fatalf("Timeout = %d, want 30000", second.Timeout)
	}
	session.results <- syncResult{response: &messaging.SyncResponse{NextBatch: "s2"}}

	third := testutil.RequireReceive(t, session.calls, notificationTimeout, "second long poll call")
	if third.Since != "s2" {
		t.Fatalf("Since = %q, want s2", third.Since)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, notificationTimeout, "Run return"); err != nil {
		t.Fatalf("Run = %v, want nil on cancellation", err)
	}
	if got := loop.State(); got != StateStopped {
		t.Fatalf("State = %s, want stopped", got)
	}
	if got := loop.Cursor(); got != "s2" {
		t.Fatalf("Cursor = %q, want s2 preserved across stop", got)
	}
}

func TestLoopBackoffPreservesCursor(t *testing.T) {
	session := newFakeSyncSession()
	fakeClock := clock.Fake(time.UnixMilli(0))
	loop, engine := newTestLoop(t, session, fakeClock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	testutil.RequireReceive(t, session.calls, notificationTimeout, "initial sync call")
	session.results <- syncResult{response: &messaging.SyncResponse{NextBatch: "s1"}}
	requireLifecycle(t, engine, StatePrepared)
	requireLifecycle(t, engine, StateSyncing)
	testutil.RequireReceive(t, session.calls, notificationTimeout, "first long poll")

	// Two consecutive transport failures: backoff doubles, and the
	// retries keep the same since token.
	session.results <- syncResult{err: fmt.Errorf("connection reset")}
	requireLifecycle(t, engine, StateReconnecting)
	fakeClock.WaitForWaiters(1)
	fakeClock.Advance(time.Second)
	retry := testutil.RequireReceive(t, session.calls, notificationTimeout, "first retry")
	if retry.Since != "s1" {
		t.Fatalf("retry Since = %q, want s1", retry.Since)
	}

	session.results <- syncResult{err: fmt.Errorf("connection reset")}
	fakeClock.WaitForWaiters(1)
	fakeClock.Advance(2 * time.Second)
	retry = testutil.RequireReceive(t, session.calls, notificationTimeout, "second retry")
	if retry.Since != "s1" {
		t.Fatalf("retry Since = %q, want s1", retry.Since)
	}

	// Recovery: the response advances the cursor and the loop returns
	// to syncing.
	session.results <- syncResult{response: &messaging.SyncResponse{NextBatch: "s2"}}
	requireLifecycle(t, engine, StateSyncing)
	next := testutil.RequireReceive(t, session.calls, notificationTimeout, "post-recovery poll")
	if next.Since != "s2" {
		t.Fatalf("Since = %q, want s2", next.Since)
	}
	cancel()
	testutil.RequireReceive(t, done, notificationTimeout, "Run return")
}

func TestLoopFatalOnUnknownToken(t *testing.T) {
	session := newFakeSyncSession()
	loop, engine := newTestLoop(t, session, clock.Real())

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	testutil.RequireReceive(t, session.calls, notificationTimeout, "initial sync call")
	session.results <- syncResult{err: &messaging.MatrixError{
		Code: messaging.ErrCodeUnknownToken, Message: "token expired", StatusCode: 401,
	}}

	err := testutil.RequireReceive(t, done, notificationTimeout, "Run return")
	if err == nil {
		t.Fatal("Run = nil, want fatal error")
	}
	if !messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
		t.Fatalf("Run error = %v, want M_UNKNOWN_TOKEN", err)
	}
	if got := loop.State(); got != StateError {
		t.Fatalf("State = %s, want error", got)
	}
	requireLifecycle(t, engine, StateError)
}

func TestLoopSeededCursorSkipsInitialBootstrap(t *testing.T) {
	session := newFakeSyncSession()
	loop, _ := newTestLoop(t, session, clock.Real())
	loop.SetCursor("snapshot-token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	first := testutil.RequireReceive(t, session.calls, notificationTimeout, "first sync call")
	if first.Since != "snapshot-token" {
		t.Fatalf("Since = %q, want seeded cursor", first.Since)
	}
	if first.Timeout != 30000 {
		t.Fatalf("Timeout = %d, want long-poll hold with seeded cursor", first.Timeout)
	}
	cancel()
	testutil.RequireReceive(t, done, notificationTimeout, "Run return")
}

func TestLoopRejectsDoubleRun(t *testing.T) {
	session := newFakeSyncSession()
	loop, _ := newTestLoop(t, session, clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	testutil.RequireReceive(t, session.calls, notificationTimeout, "initial sync call")
	session.results <- syncResult{response: &messaging.SyncResponse{NextBatch: "s1"}}

	waitForState(t, loop, StateSyncing)
	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("second Run succeeded while loop was active")
	}
	cancel()
	testutil.RequireReceive(t, done, notificationTimeout, "Run return")
}

func waitForState(t *testing.T, loop *Loop, want LifecycleState) {
	t.Helper()
	deadline := time.Now().Add(notificationTimeout)
	for time.Now().Before(deadline) {
		if loop.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s)", want, loop.State())
}
