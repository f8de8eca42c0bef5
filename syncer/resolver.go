// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hearth-foundation/hearth/lib/clock"
	"github.com/hearth-foundation/hearth/lib/ref"
	"github.com/hearth-foundation/hearth/messaging"
)

// ProfileClient is the slice of the session the resolver needs.
type ProfileClient interface {
	Profile(ctx context.Context, userID ref.UserID) (messaging.ProfileResponse, error)
}

// Resolver runs profile lookups for unresolved invited members off the
// sync path. Requests for a user already in flight coalesce into the
// existing lookup; completed lookups re-enter the engine, which
// discards them when a presence event raced the lookup and won.
type Resolver struct {
	client ProfileClient
	engine *Engine
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[ref.UserID]struct{}
}

// NewResolver creates a resolver and wires it into the engine's lookup
// trigger. Stop cancels all in-flight lookups.
func NewResolver(client ProfileClient, engine *Engine) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		client:  client,
		engine:  engine,
		clock:   engine.clock,
		logger:  engine.logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[ref.UserID]struct{}),
	}
	engine.setLookupFunc(r.Request)
	return r
}

// Request issues an asynchronous profile lookup for the given user. A
// request for a user with a lookup already in flight is a no-op.
func (r *Resolver) Request(userID ref.UserID) {
	if userID.IsZero() {
		return
	}
	r.mu.Lock()
	if _, inflight := r.pending[userID]; inflight {
		r.mu.Unlock()
		return
	}
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.pending[userID] = struct{}{}
	r.mu.Unlock()

	issuedAt := r.clock.Now()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pending, userID)
			r.mu.Unlock()
		}()

		profile, err := r.client.Profile(r.ctx, userID)
		if err != nil {
			// A missing profile or a cancelled lookup is not an
			// engine-level problem: the member simply stays
			// unresolved until the next trigger.
			r.logger.Debug("profile lookup failed", "user_id", userID, "error", err)
			return
		}
		r.engine.CompleteLookup(userID, profile, issuedAt)
	}()
}

// Pending reports how many lookups are currently in flight.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop cancels in-flight lookups and waits for their goroutines to
// finish. Further Request calls are no-ops.
func (r *Resolver) Stop() {
	r.cancel()
	r.wg.Wait()
}
