// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identifier values for
// the Matrix protocol entities the sync core works with: users, rooms,
// events, and event types.
//
// Identifiers are parsed and validated once at the wire boundary (JSON
// deserialization of a sync response) and passed around as opaque value
// types afterwards. Constructors return errors for structurally invalid
// input; the zero value of every type is invalid and detectable with
// IsZero.
//
// JSON marshaling uses the canonical Matrix string form via
// encoding.TextMarshaler:
//   - UserID:  @localpart:server
//   - RoomID:  !opaque:server
//   - EventID: $opaque (room v4+) or $opaque:server (older versions)
//
// EventType is a plain named string: event types are opaque protocol
// identifiers that need no structural validation, the type exists only
// to keep event types and state keys from being confused at call sites.
package ref
