// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package state holds the client-side view of the federated messaging
// world that sync responses fold into: a global [UserDirectory] of
// presence and profile data, and one [Room] per conversation with its
// current-state table, member table, deduplicated timeline, receipt
// store, and typing set.
//
// Nothing in this package locks. Every mutation happens under the sync
// engine's single-writer discipline (see the syncer package); the
// query methods return copies so observers never alias engine-owned
// values.
//
// Event content is schemaless JSON. The recognized fields (membership,
// display names, room names, typing lists, receipt markers, power
// levels) are extracted with gjson so that one malformed content body
// degrades to a reported no-op instead of a failed decode of the
// whole response.
package state
