// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/networking"
)

func TestWellKnownURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"https://idp.example/.well-known/openid-configuration",
		WellKnownURL("https://idp.example"))
	assert.Equal(t,
		"https://idp.example/.well-known/openid-configuration",
		WellKnownURL("https://idp.example/"))
}

// mockIssuer serves a discovery document whose issuer and endpoints point at
// the test server itself.
func mockIssuer(t *testing.T, mutate func(issuer string, doc *Document)) (string, *http.Client) {
	t.Helper()

	var issuer string
	mux := http.NewServeMux()
	mux.HandleFunc("/"+WellKnownPath, func(w http.ResponseWriter, _ *http.Request) {
		doc := Document{
			Issuer:                issuer,
			AuthorizationEndpoint: issuer + "/authorize",
			TokenEndpoint:         issuer + "/token",
			UserinfoEndpoint:      issuer + "/userinfo",
			JWKSURI:               issuer + "/keys",
			EndSessionEndpoint:    issuer + "/endsession",
			CheckSessionIFrame:    issuer + "/checksession",
			RevocationEndpoint:    issuer + "/revoke",
			GrantTypesSupported:   []string{"authorization_code", "refresh_token"},
		}
		if mutate != nil {
			mutate(issuer, &doc)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	issuer = server.URL
	return issuer, server.Client()
}

func TestLoadMergesEndpoints(t *testing.T) {
	t.Parallel()

	issuer, client := mockIssuer(t, nil)

	cfg, err := config.Resolve(config.Config{Issuer: issuer, ClientID: "abc"})
	require.NoError(t, err)

	bus := events.NewBus()
	sub := bus.Subscribe()
	t.Cleanup(sub.Cancel)

	loader := &Loader{Client: client, Bus: bus}
	doc, err := loader.Load(context.Background(), &cfg, "")
	require.NoError(t, err)

	assert.Equal(t, issuer, doc.Issuer)
	assert.Equal(t, issuer+"/authorize", cfg.LoginURL)
	assert.Equal(t, issuer+"/token", cfg.TokenEndpoint)
	assert.Equal(t, issuer+"/userinfo", cfg.UserinfoEndpoint)
	assert.Equal(t, issuer+"/keys", cfg.JWKSURI)
	assert.Equal(t, issuer+"/endsession", cfg.LogoutURL)
	assert.Equal(t, issuer+"/checksession", cfg.CheckSessionIFrame)
	assert.Equal(t, issuer+"/revoke", cfg.RevocationEndpoint)

	event := <-sub.C
	require.IsType(t, events.Info{}, event)
	assert.Equal(t, events.TypeDiscoveryDocumentLoaded, event.EventType())
	assert.Empty(t, sub.C, "exactly one event expected")
}

func TestLoadRejectsIssuerMismatch(t *testing.T) {
	t.Parallel()

	issuer, client := mockIssuer(t, func(_ string, doc *Document) {
		doc.Issuer = "https://evil.example"
	})

	cfg, err := config.Resolve(config.Config{Issuer: issuer, ClientID: "abc"})
	require.NoError(t, err)

	loader := &Loader{Client: client}
	_, err = loader.Load(context.Background(), &cfg, "")
	assert.ErrorIs(t, err, ErrIssuerMismatch)
	assert.Empty(t, cfg.TokenEndpoint, "rejected document must not be merged")
}

func TestLoadSkipIssuerCheck(t *testing.T) {
	t.Parallel()

	issuer, client := mockIssuer(t, func(_ string, doc *Document) {
		doc.Issuer = "https://alias.example"
	})

	cfg, err := config.Resolve(config.Config{
		Issuer:                            issuer,
		ClientID:                          "abc",
		SkipIssuerCheck:                   true,
		StrictDiscoveryDocumentValidation: config.Bool(false),
	})
	require.NoError(t, err)

	loader := &Loader{Client: client}
	_, err = loader.Load(context.Background(), &cfg, "")
	require.NoError(t, err)
	assert.Equal(t, issuer+"/token", cfg.TokenEndpoint)
}

func TestLoadStrictValidationRejectsForeignEndpoint(t *testing.T) {
	t.Parallel()

	issuer, client := mockIssuer(t, func(_ string, doc *Document) {
		doc.AuthorizationEndpoint = "https://elsewhere.example/authorize"
	})

	cfg, err := config.Resolve(config.Config{Issuer: issuer, ClientID: "abc"})
	require.NoError(t, err)

	loader := &Loader{Client: client}
	_, err = loader.Load(context.Background(), &cfg, "")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
	assert.Empty(t, cfg.LoginURL)
}

func TestLoadLenientEndpointsTolerated(t *testing.T) {
	t.Parallel()

	issuer, client := mockIssuer(t, func(_ string, doc *Document) {
		doc.TokenEndpoint = "https://elsewhere.example/token"
		doc.UserinfoEndpoint = "https://elsewhere.example/userinfo"
		doc.RevocationEndpoint = "https://elsewhere.example/revoke"
	})

	configuredToken := issuer + "/configured-token"
	cfg, err := config.Resolve(config.Config{
		Issuer:        issuer,
		ClientID:      "abc",
		TokenEndpoint: configuredToken,
	})
	require.NoError(t, err)

	loader := &Loader{Client: client}
	_, err = loader.Load(context.Background(), &cfg, "")
	require.NoError(t, err)

	// Failing lenient endpoints are dropped, configured values kept.
	assert.Equal(t, configuredToken, cfg.TokenEndpoint)
	assert.Empty(t, cfg.UserinfoEndpoint)
	assert.Empty(t, cfg.RevocationEndpoint)
	assert.Equal(t, issuer+"/authorize", cfg.LoginURL)
}

func TestLoadHTTPFailurePublishesEvent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	cfg, err := config.Resolve(config.Config{Issuer: server.URL, ClientID: "abc"})
	require.NoError(t, err)

	bus := events.NewBus()
	sub := bus.Subscribe()
	t.Cleanup(sub.Cancel)

	loader := &Loader{Client: server.Client(), Bus: bus}
	_, err = loader.Load(context.Background(), &cfg, "")
	require.Error(t, err)
	assert.True(t, networking.IsHTTPError(err, http.StatusInternalServerError))

	event := <-sub.C
	assert.Equal(t, events.TypeDiscoveryDocumentLoadError, event.EventType())
}

func TestLoadRefusesNonHTTPSDocumentURL(t *testing.T) {
	t.Parallel()

	cfg, err := config.Resolve(config.Config{Issuer: "http://idp.example", ClientID: "abc"})
	require.NoError(t, err)

	loader := &Loader{Client: http.DefaultClient}
	_, err = loader.Load(context.Background(), &cfg, "")
	assert.ErrorContains(t, err, "refusing to load discovery document")
}
