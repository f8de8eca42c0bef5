// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-foundation/hearth/lib/clock"
	"github.com/hearth-foundation/hearth/messaging"
)

// LifecycleState names a phase of the sync loop.
type LifecycleState string

const (
	// StateStopped: the loop is not running. Initial and final state.
	StateStopped LifecycleState = "stopped"

	// StatePrepared: the initial sync completed and was applied; the
	// cursor is established. Queries against the engine now reflect
	// the server's view.
	StatePrepared LifecycleState = "prepared"

	// StateSyncing: the long-poll loop is healthy.
	StateSyncing LifecycleState = "syncing"

	// StateReconnecting: a transport failure interrupted the stream;
	// the loop is backing off before retrying with the same cursor.
	StateReconnecting LifecycleState = "reconnecting"

	// StateError: a fatal failure (invalid token, unusable initial
	// sync) ended the loop.
	StateError LifecycleState = "error"
)

// SyncSession is the slice of the messaging session the loop needs.
type SyncSession interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
	CloseIdleConnections()
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	// Session performs the /sync calls.
	Session SyncSession

	// Engine receives every response.
	Engine *Engine

	// TimeoutMS is the server-side long-poll hold in milliseconds.
	TimeoutMS int

	// InitialBackoff is the first retry delay after a transport
	// failure. Defaults to one second.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential retry delay. Defaults to 30s.
	MaxBackoff time.Duration

	// Filter is the server-side filter, inline JSON or a filter ID.
	// Empty means no filter.
	Filter string

	// Clock drives the backoff timer. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives loop diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Loop owns the /sync lifecycle: one initial sync to establish the
// cursor, then long-polls until the context is cancelled. Transport
// failures back off exponentially and resume with the same cursor —
// the stream position is never lost to a failure.
type Loop struct {
	session SyncSession
	engine  *Engine
	clock   clock.Clock
	logger  *slog.Logger

	timeoutMS      int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	filter         string

	mu        sync.Mutex
	state     LifecycleState
	nextBatch string
}

// NewLoop creates a loop in the stopped state.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("syncer: loop requires a session")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("syncer: loop requires an engine")
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 30000
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		session:        cfg.Session,
		engine:         cfg.Engine,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		timeoutMS:      cfg.TimeoutMS,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		filter:         cfg.Filter,
		state:          StateStopped,
	}, nil
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Cursor returns the current sync stream position token. Empty before
// the initial sync completes. Survives Run returning, so a later Run
// (or a snapshot) resumes the stream rather than restarting it.
func (l *Loop) Cursor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextBatch
}

// SetCursor seeds the stream position, typically from a restored
// snapshot. Must be called before Run.
func (l *Loop) SetCursor(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextBatch = token
}

// Run drives the sync loop until ctx is cancelled. It returns nil on
// cancellation and an error on fatal failure (invalid token, initial
// sync that never succeeds). Transient transport failures are retried
// internally with exponential backoff.
func (l *Loop) Run(ctx context.Context) error {
	if state := l.State(); state != StateStopped && state != StateError {
		return fmt.Errorf("syncer: loop already running (state %s)", state)
	}

	// Initial sync: no server-side hold when starting fresh, so state
	// is available immediately. With a seeded cursor this is a normal
	// long-poll continuation.
	initialOptions := messaging.SyncOptions{
		Since:  l.Cursor(),
		Filter: l.filter,
	}
	if initialOptions.Since == "" {
		initialOptions.SetTimeout = true
		initialOptions.Timeout = 0
	} else {
		initialOptions.SetTimeout = true
		initialOptions.Timeout = l.timeoutMS
	}

	response, err := l.syncWithRetry(ctx, initialOptions)
	if err != nil {
		if ctx.Err() != nil {
			l.transition(StateStopped, nil)
			return nil
		}
		l.transition(StateError, err)
		return fmt.Errorf("syncer: initial sync: %w", err)
	}
	if err := l.engine.Apply(response); err != nil {
		l.transition(StateError, err)
		return fmt.Errorf("syncer: applying initial sync: %w", err)
	}
	l.setCursorLocked(response.NextBatch)
	l.transition(StatePrepared, nil)
	l.transition(StateSyncing, nil)

	for {
		response, err := l.syncWithRetry(ctx, messaging.SyncOptions{
			Since:      l.Cursor(),
			SetTimeout: true,
			Timeout:    l.timeoutMS,
			Filter:     l.filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				l.transition(StateStopped, nil)
				return nil
			}
			l.transition(StateError, err)
			return fmt.Errorf("syncer: sync: %w", err)
		}
		if err := l.engine.Apply(response); err != nil {
			l.logger.Warn("sync response could not be applied", "error", err)
			continue
		}
		l.setCursorLocked(response.NextBatch)
		if l.State() != StateSyncing {
			l.transition(StateSyncing, nil)
		}
	}
}

// syncWithRetry performs one logical sync, retrying transport failures
// with exponential backoff until ctx is cancelled. Authentication
// failures are fatal and returned immediately.
func (l *Loop) syncWithRetry(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	backoff := l.initialBackoff
	for {
		response, err := l.session.Sync(ctx, options)
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) ||
			messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
			return nil, err
		}

		l.transition(StateReconnecting, err)
		// A failed request often poisons the pooled connection; drop
		// idle connections so the retry opens a fresh socket.
		l.session.CloseIdleConnections()
		l.logger.Debug("sync failed, backing off",
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.clock.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Loop) setCursorLocked(token string) {
	l.mu.Lock()
	l.nextBatch = token
	l.mu.Unlock()
}

// transition moves to a new lifecycle state and emits a notification
// through the engine's stream. Re-entering the current state is a
// no-op.
func (l *Loop) transition(to LifecycleState, cause error) {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return
	}
	l.state = to
	l.mu.Unlock()

	l.engine.queue.Push(LifecycleChange{From: from, To: to, Err: cause})
	l.logger.Info("sync lifecycle transition", "from", from, "to", to, "error", cause)
}
