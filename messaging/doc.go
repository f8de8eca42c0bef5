// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the Matrix client-server wire layer for the
// sync core. It decodes HTTP responses into typed values and nothing
// more — all reconciliation semantics live in the state and syncer
// packages.
//
// [Client] holds the homeserver URL and HTTP transport, shared across
// all Sessions derived from it. [Session] adds an access token for the
// three authenticated operations the core needs: incremental /sync
// long-polling, profile lookup by user ID, and WhoAmI for token
// validation at startup.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, ...) and HTTP status
// code; [IsMatrixError] tests for a specific code. Request URLs are
// built by string concatenation rather than url.URL to avoid
// double-encoding of path segments that already contain URL-encoded
// characters.
//
// Sync payload decoding is tolerant: an [Event] whose identifiers fail
// validation decodes to zero-valued fields instead of failing the
// whole response, so the reconciliation engine can skip one malformed
// section and still apply the rest of the poll.
package messaging
