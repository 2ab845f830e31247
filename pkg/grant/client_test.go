// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcflow/oidcflow/pkg/config"
)

// mockTokenEndpoint records the form it receives and answers with a fixed
// token response.
type mockTokenEndpoint struct {
	server   *httptest.Server
	lastForm url.Values
	lastAuth string
	respond  func(w http.ResponseWriter, r *http.Request)
}

func newMockTokenEndpoint(t *testing.T) *mockTokenEndpoint {
	t.Helper()

	m := &mockTokenEndpoint{}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		m.lastForm = r.PostForm
		m.lastAuth = r.Header.Get("Authorization")

		if m.respond != nil {
			m.respond(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "AT",
			RefreshToken: "RT",
			TokenType:    "bearer",
			ExpiresIn:    3600,
			Scope:        "openid profile",
		})
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockTokenEndpoint) config(t *testing.T, partial config.Config) config.Config {
	partial.Issuer = m.server.URL
	partial.ClientID = "abc"
	partial.TokenEndpoint = m.server.URL + "/token"
	cfg, err := config.Resolve(partial)
	require.NoError(t, err)
	return cfg
}

func TestPasswordGrant(t *testing.T) {
	t.Parallel()

	mock := newMockTokenEndpoint(t)
	client := &Client{HTTP: mock.server.Client()}

	response, err := client.Password(context.Background(), mock.config(t, config.Config{}),
		"jane", "secret", nil)
	require.NoError(t, err)

	assert.Equal(t, "AT", response.AccessToken)
	assert.Equal(t, "RT", response.RefreshToken)
	assert.EqualValues(t, 3600, response.ExpiresIn)

	assert.Equal(t, "password", mock.lastForm.Get("grant_type"))
	assert.Equal(t, "jane", mock.lastForm.Get("username"))
	assert.Equal(t, "secret", mock.lastForm.Get("password"))
	assert.Equal(t, "openid profile email", mock.lastForm.Get("scope"))
	assert.Equal(t, "abc", mock.lastForm.Get("client_id"))
}

func TestAuthorizationCodeGrant(t *testing.T) {
	t.Parallel()

	mock := newMockTokenEndpoint(t)
	client := &Client{HTTP: mock.server.Client()}
	cfg := mock.config(t, config.Config{RedirectURI: "https://app.example/cb"})

	_, err := client.AuthorizationCode(context.Background(), cfg, "the-code", "the-verifier")
	require.NoError(t, err)

	assert.Equal(t, "authorization_code", mock.lastForm.Get("grant_type"))
	assert.Equal(t, "the-code", mock.lastForm.Get("code"))
	assert.Equal(t, "https://app.example/cb", mock.lastForm.Get("redirect_uri"))
	assert.Equal(t, "the-verifier", mock.lastForm.Get("code_verifier"))
}

func TestAuthorizationCodeGrantWithoutVerifier(t *testing.T) {
	t.Parallel()

	mock := newMockTokenEndpoint(t)
	client := &Client{HTTP: mock.server.Client()}
	cfg := mock.config(t, config.Config{RedirectURI: "https://app.example/cb"})

	_, err := client.AuthorizationCode(context.Background(), cfg, "the-code", "")
	require.NoError(t, err)
	assert.False(t, mock.lastForm.Has("code_verifier"))
}

func TestRefreshGrant(t *testing.T) {
	t.Parallel()

	mock := newMockTokenEndpoint(t)
	client := &Client{HTTP: mock.server.Client()}

	_, err := client.Refresh(context.Background(), mock.config(t, config.Config{}), "RT-old")
	require.NoError(t, err)

	assert.Equal(t, "refresh_token", mock.lastForm.Get("grant_type"))
	assert.Equal(t, "RT-old", mock.lastForm.Get("refresh_token"))
}

func TestClientAuthentication(t *testing.T) {
	t.Parallel()

	t.Run("basic auth header", func(t *testing.T) {
		t.Parallel()
		mock := newMockTokenEndpoint(t)
		client := &Client{HTTP: mock.server.Client()}
		cfg := mock.config(t, config.Config{ClientSecret: "s3cret", UseHTTPBasicAuth: true})

		_, err := client.Refresh(context.Background(), cfg, "RT")
		require.NoError(t, err)

		// base64("abc:s3cret")
		assert.Equal(t, "Basic YWJjOnMzY3JldA==", mock.lastAuth)
		assert.False(t, mock.lastForm.Has("client_id"))
		assert.False(t, mock.lastForm.Has("client_secret"))
	})

	t.Run("body credentials", func(t *testing.T) {
		t.Parallel()
		mock := newMockTokenEndpoint(t)
		client := &Client{HTTP: mock.server.Client()}
		cfg := mock.config(t, config.Config{ClientSecret: "s3cret"})

		_, err := client.Refresh(context.Background(), cfg, "RT")
		require.NoError(t, err)

		assert.Empty(t, mock.lastAuth)
		assert.Equal(t, "abc", mock.lastForm.Get("client_id"))
		assert.Equal(t, "s3cret", mock.lastForm.Get("client_secret"))
	})
}

func TestParameterPrecedence(t *testing.T) {
	t.Parallel()

	mock := newMockTokenEndpoint(t)
	client := &Client{HTTP: mock.server.Client()}
	cfg := mock.config(t, config.Config{
		CustomQueryParams: map[string]string{
			"audience":   "configured",
			"grant_type": "should-be-overridden",
		},
	})

	_, err := client.Exchange(context.Background(), cfg, TypePassword, map[string]string{
		"username": "jane",
		"password": "pw",
		"audience": "call-site",
	})
	require.NoError(t, err)

	assert.Equal(t, "call-site", mock.lastForm.Get("audience"), "call-site overrides configured")
	assert.Equal(t, "password", mock.lastForm.Get("grant_type"), "defaults override configured")
}

func TestServerErrorSurfaced(t *testing.T) {
	t.Parallel()

	mock := newMockTokenEndpoint(t)
	mock.respond = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
	}
	client := &Client{HTTP: mock.server.Client()}

	_, err := client.AuthorizationCode(context.Background(),
		mock.config(t, config.Config{RedirectURI: "https://app.example/cb"}), "stale", "")
	require.Error(t, err)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "invalid_grant", serverErr.Code)
	assert.Equal(t, "code expired", serverErr.Description)
	assert.Equal(t, http.StatusBadRequest, serverErr.StatusCode)
}

func TestExchangeConfigurationError(t *testing.T) {
	t.Parallel()

	client := &Client{HTTP: http.DefaultClient}
	cfg, err := config.Resolve(config.Config{ClientID: "abc"})
	require.NoError(t, err)

	_, err = client.Exchange(context.Background(), cfg, TypePassword, nil)
	assert.ErrorIs(t, err, config.ErrMissingTokenURL)
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	cfg, err := config.Resolve(config.Config{
		Issuer:             server.URL,
		ClientID:           "abc",
		RevocationEndpoint: server.URL + "/revoke",
	})
	require.NoError(t, err)

	client := &Client{HTTP: server.Client()}
	require.NoError(t, client.Revoke(context.Background(), cfg, "AT", "access_token"))

	assert.Equal(t, "AT", gotForm.Get("token"))
	assert.Equal(t, "access_token", gotForm.Get("token_type_hint"))
	assert.Equal(t, "abc", gotForm.Get("client_id"))
}
