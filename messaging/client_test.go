// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hearth-foundation/hearth/lib/ref"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("NewClient with empty URL succeeded, want error")
	}
	if _, err := NewClient(ClientConfig{HomeserverURL: "https://matrix.example.org/"}); err != nil {
		t.Errorf("NewClient failed on valid URL: %v", err)
	}
}

func TestSessionFromTokenValidation(t *testing.T) {
	client, err := NewClient(ClientConfig{HomeserverURL: "https://hs"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.SessionFromToken(ref.UserID{}, "token"); err == nil {
		t.Error("zero user ID accepted")
	}
	if _, err := client.SessionFromToken(ref.MustParseUserID("@a:b"), ""); err == nil {
		t.Error("empty token accepted")
	}
}

func TestTrailingSlashStripped(t *testing.T) {
	var requestedPath string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestedPath = request.URL.Path
		writeJSON(writer, map[string]string{"user_id": "@a:b"})
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	session, err := client.SessionFromToken(ref.MustParseUserID("@a:b"), "tok")
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if _, err := session.WhoAmI(context.Background()); err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if requestedPath != "/_matrix/client/v3/account/whoami" {
		t.Errorf("path = %q, trailing slash not stripped", requestedPath)
	}
}

func TestNonJSONErrorFailsLoud(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		writer.Write([]byte("<html>upstream exploded</html>"))
	}))

	_, err := session.WhoAmI(context.Background())
	if err == nil {
		t.Fatal("WhoAmI succeeded against a broken server")
	}
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		t.Errorf("non-JSON error must not decode as MatrixError: %v", err)
	}
}
