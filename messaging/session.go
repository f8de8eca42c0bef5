// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hearth-foundation/hearth/lib/ref"
)

// Session is an authenticated connection to the homeserver. Sessions
// are lightweight (a pointer to the parent Client plus the access
// token) and safe for concurrent use: every method is a stateless
// HTTP call whose parameters travel in the request.
type Session struct {
	client      *Client
	userID      ref.UserID
	accessToken string
}

// UserID returns the fully-qualified user ID this session
// authenticates as.
func (s *Session) UserID() ref.UserID {
	return s.userID
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport. Call after a sync error so the next attempt opens a
// fresh socket.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// WhoAmI validates the access token and returns the user ID the
// server associates with it.
func (s *Session) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// Profile fetches a user's display name and avatar URL. A user with
// no profile data set yields an empty ProfileResponse, not an error;
// an unknown user yields a *MatrixError with code M_NOT_FOUND.
func (s *Session) Profile(ctx context.Context, userID ref.UserID) (ProfileResponse, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID.String())
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return ProfileResponse{}, fmt.Errorf("messaging: profile lookup for %q failed: %w", userID, err)
	}

	var response ProfileResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ProfileResponse{}, fmt.Errorf("messaging: failed to parse profile response: %w", err)
	}
	return response, nil
}

// Sync performs one /sync poll. For the initial sync, leave
// options.Since empty; for long-polling, set options.Timeout (and
// SetTimeout) to the desired hold in milliseconds. Sync errors only
// when the response as a whole is unusable; malformed sections within
// an otherwise valid response come back in SyncResponse.Problems.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}
