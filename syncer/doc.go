// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer drives the /sync long-poll loop and folds each
// response into the state model. The Engine is the single writer: one
// Apply call processes one complete sync response, in a fixed order
// (presence, then per-room state, timeline, ephemeral), and emits
// change notifications for everything the pass altered. Profile
// lookups for unresolved invited members run asynchronously through
// the Resolver and re-enter the engine when they complete.
//
// The Loop owns the lifecycle: an initial sync establishes the cursor,
// then long-polls repeat until the context is cancelled, with
// exponential backoff across transport failures. The cursor survives
// failures — reconnection resumes the stream, it never restarts it.
package syncer
