// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/engine"
	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/flow"
	"github.com/oidcflow/oidcflow/pkg/host"
)

const testIssuer = "https://idp.example"

// tokenEndpoint is an httptest token endpoint whose response is set per
// test and which records the form fields of the last exchange.
type tokenEndpoint struct {
	server *httptest.Server

	mu       sync.Mutex
	response map[string]any
	lastForm url.Values
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{}
	te.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		te.mu.Lock()
		te.lastForm = r.PostForm
		response := te.response
		te.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(response))
	}))
	t.Cleanup(te.server.Close)
	return te
}

func (te *tokenEndpoint) respondWith(response map[string]any) {
	te.mu.Lock()
	te.response = response
	te.mu.Unlock()
}

func (te *tokenEndpoint) form() url.Values {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.lastForm
}

// unsignedToken builds a compact JWT the null validation handler accepts.
func unsignedToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	encode := func(v any) string {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	header := map[string]any{"alg": "RS256", "typ": "JWT"}
	return encode(header) + "." + encode(claims) + ".sig"
}

func baseClaims(nonce string) map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":   testIssuer,
		"aud":   "client-1",
		"sub":   "user-1",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"nonce": nonce,
	}
}

type testRig struct {
	engine *engine.Engine
	env    *host.FakeEnvironment
	sub    *events.Subscription
	token  *tokenEndpoint
}

func newTestRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()

	token := newTokenEndpoint(t)
	cfg := config.Config{
		Issuer:             testIssuer,
		ClientID:           "client-1",
		LoginURL:           testIssuer + "/authorize",
		RedirectURI:        "https://app.example/callback",
		TokenEndpoint:      token.server.URL,
		ResponseType:       "code",
		DisableAtHashCheck: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env := host.NewFakeEnvironment()
	e, err := engine.New(cfg, engine.WithEnvironment(env))
	require.NoError(t, err)

	sub := e.Events().Subscribe()
	t.Cleanup(sub.Cancel)

	return &testRig{engine: e, env: env, sub: sub, token: token}
}

// publishedTypes drains every event published so far.
func (r *testRig) publishedTypes() []events.Type {
	var types []events.Type
	for {
		select {
		case event := <-r.sub.C:
			types = append(types, event.EventType())
		default:
			return types
		}
	}
}

// beginLogin starts the redirect flow and returns the state parameter of
// the issued login URL.
func (r *testRig) beginLogin(t *testing.T) string {
	t.Helper()
	require.NoError(t, r.engine.InitLoginFlow(flow.LoginOptions{State: "app-state"}))
	require.Len(t, r.env.OpenedURIs, 1)

	loginURL, err := url.Parse(r.env.OpenedURIs[0])
	require.NoError(t, err)
	state := loginURL.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestTryLoginCodeFlow(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	state := rig.beginLogin(t)

	nonce, callerState := flow.SplitState(state, ";")
	assert.Equal(t, "app-state", callerState)
	assert.Equal(t, nonce, rig.engine.Store().Nonce())

	rig.token.respondWith(map[string]any{
		"access_token":  "AT-1",
		"token_type":    "Bearer",
		"refresh_token": "RT-1",
		"expires_in":    3600,
		"scope":         "openid profile",
		"id_token":      unsignedToken(t, baseClaims(nonce)),
	})

	raw := "https://app.example/callback?code=code-1&state=" + url.QueryEscape(state) +
		"&session_state=sess-1"
	require.NoError(t, rig.engine.TryLogin(context.Background(), raw))

	form := rig.token.form()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, "https://app.example/callback", form.Get("redirect_uri"))
	assert.NotEmpty(t, form.Get("code_verifier"), "the stored PKCE verifier must be presented")

	assert.True(t, rig.engine.HasValidAccessToken())
	assert.True(t, rig.engine.HasValidIDToken())
	assert.Equal(t, "AT-1", rig.engine.Store().AccessToken())
	assert.Equal(t, "RT-1", rig.engine.Store().RefreshToken())
	assert.Equal(t, "sess-1", rig.engine.Store().SessionState())
	assert.Contains(t, rig.publishedTypes(), events.TypeTokenReceived)

	// The verifier is spent; a replay of the code cannot present it again.
	verifier, err := rig.engine.Store().ConsumePKCEVerifier()
	require.NoError(t, err)
	assert.Empty(t, verifier)
}

func TestTryLoginRejectsWrongAudience(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	state := rig.beginLogin(t)
	nonce, _ := flow.SplitState(state, ";")

	claims := baseClaims(nonce)
	claims["aud"] = "somebody-else"
	rig.token.respondWith(map[string]any{
		"access_token": "AT-evil",
		"token_type":   "Bearer",
		"id_token":     unsignedToken(t, claims),
	})

	raw := "?code=code-1&state=" + url.QueryEscape(state)
	err := rig.engine.TryLogin(context.Background(), raw)
	require.Error(t, err)

	types := rig.publishedTypes()
	assert.Contains(t, types, events.TypeTokenError)
	assert.NotContains(t, types, events.TypeTokenReceived,
		"a rejected id_token must never surface as a received token")
	assert.Empty(t, rig.engine.Store().AccessToken(),
		"nothing may be stored when validation fails")
}

func TestTryLoginRejectsForeignState(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	rig.beginLogin(t)

	err := rig.engine.TryLogin(context.Background(), "?code=code-1&state=forged-nonce;x")
	require.ErrorIs(t, err, engine.ErrNonceLinkBroken)
	assert.Contains(t, rig.publishedTypes(), events.TypeInvalidNonceInState)
}

func TestTryLoginServerErrorParam(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)

	err := rig.engine.TryLogin(context.Background(),
		"?error=access_denied&error_description=user+said+no")
	require.ErrorIs(t, err, engine.ErrServerError)
	assert.Contains(t, rig.publishedTypes(), events.TypeCodeError)
}

func TestRefreshToken(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	require.NoError(t, rig.engine.Store().StoreAccessToken("AT-old", "RT-old", time.Hour, ""))

	claims := baseClaims("")
	delete(claims, "nonce")
	rig.token.respondWith(map[string]any{
		"access_token":  "AT-new",
		"token_type":    "Bearer",
		"refresh_token": "RT-new",
		"expires_in":    3600,
		"id_token":      unsignedToken(t, claims),
	})

	require.NoError(t, rig.engine.RefreshToken(context.Background()))

	assert.Equal(t, "refresh_token", rig.token.form().Get("grant_type"))
	assert.Equal(t, "RT-old", rig.token.form().Get("refresh_token"))
	assert.Equal(t, "AT-new", rig.engine.Store().AccessToken())
	assert.Equal(t, "RT-new", rig.engine.Store().RefreshToken())

	types := rig.publishedTypes()
	assert.Contains(t, types, events.TypeTokenReceived)
	assert.Contains(t, types, events.TypeTokenRefreshed)
}

func TestRefreshTokenWithoutStoredToken(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)

	err := rig.engine.RefreshToken(context.Background())
	require.ErrorIs(t, err, engine.ErrNoRefreshToken)
	assert.Contains(t, rig.publishedTypes(), events.TypeTokenRefreshError)
}

func TestPasswordFlow(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	rig.token.respondWith(map[string]any{
		"access_token": "AT-pw",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})

	require.NoError(t, rig.engine.FetchTokenUsingPasswordFlow(
		context.Background(), "alice", "s3cret", nil))

	form := rig.token.form()
	assert.Equal(t, "password", form.Get("grant_type"))
	assert.Equal(t, "alice", form.Get("username"))
	assert.Equal(t, "s3cret", form.Get("password"))
	assert.True(t, rig.engine.HasValidAccessToken())
}

func TestSilentRefreshTimeout(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.ResponseType = ""
		cfg.SilentRefreshRedirectURI = "https://app.example/silent"
		cfg.SilentRefreshTimeout = 50 * time.Millisecond
	})

	// The hidden context never answers.
	err := rig.engine.SilentRefresh(context.Background(), engine.SilentRefreshOptions{})
	require.ErrorIs(t, err, engine.ErrSilentRefreshTimeout)
	assert.Contains(t, rig.publishedTypes(), events.TypeSilentRefreshTimeout)

	aux := rig.env.LastContext()
	require.NotNil(t, aux)
	assert.Equal(t, host.Hidden, aux.Kind)
	assert.True(t, aux.Closed(), "the hidden context must be torn down after the timeout")
}

func TestSilentRefreshDeliversTokens(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.ResponseType = ""
		cfg.SilentRefreshRedirectURI = "https://app.example/silent"
		cfg.SilentRefreshTimeout = 5 * time.Second
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- rig.engine.SilentRefresh(context.Background(), engine.SilentRefreshOptions{})
	}()

	var aux *host.FakeContext
	require.Eventually(t, func() bool {
		aux = rig.env.LastContext()
		return aux != nil && len(aux.NavigatedTo()) == 1
	}, time.Second, 5*time.Millisecond)

	authorizeURL, err := url.Parse(aux.NavigatedTo()[0])
	require.NoError(t, err)
	query := authorizeURL.Query()
	assert.Equal(t, "none", query.Get("prompt"))
	assert.Equal(t, "https://app.example/silent", query.Get("redirect_uri"))

	nonce := query.Get("nonce")
	require.NotEmpty(t, nonce)
	fragment := url.Values{}
	fragment.Set("access_token", "AT-silent")
	fragment.Set("token_type", "Bearer")
	fragment.Set("id_token", unsignedToken(t, baseClaims(nonce)))
	fragment.Set("state", query.Get("state"))
	aux.Emit(host.Message{Origin: testIssuer, Data: "#" + fragment.Encode()})

	require.NoError(t, <-errCh)
	assert.Equal(t, "AT-silent", rig.engine.Store().AccessToken())

	types := rig.publishedTypes()
	assert.Contains(t, types, events.TypeTokenReceived)
	assert.Contains(t, types, events.TypeSilentlyRefreshed)
}

func TestPopupBlocked(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	rig.env.CreateErr = host.ErrUnsupportedContext

	err := rig.engine.InitLoginFlowInPopup(context.Background(), flow.LoginOptions{})
	require.ErrorIs(t, err, engine.ErrPopupBlocked)
	assert.Contains(t, rig.publishedTypes(), events.TypePopupBlocked)
}

func TestPopupClosedByUser(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.PopupPollInterval = 10 * time.Millisecond
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- rig.engine.InitLoginFlowInPopup(context.Background(), flow.LoginOptions{})
	}()

	var aux *host.FakeContext
	require.Eventually(t, func() bool {
		aux = rig.env.LastContext()
		return aux != nil && len(aux.NavigatedTo()) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, aux.Close())

	require.ErrorIs(t, <-errCh, engine.ErrPopupClosed)
	assert.Contains(t, rig.publishedTypes(), events.TypePopupClosed)
}

func TestPopupDeliversCallback(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- rig.engine.InitLoginFlowInPopup(context.Background(), flow.LoginOptions{})
	}()

	var aux *host.FakeContext
	require.Eventually(t, func() bool {
		aux = rig.env.LastContext()
		return aux != nil && len(aux.NavigatedTo()) == 1
	}, time.Second, 5*time.Millisecond)

	authorizeURL, err := url.Parse(aux.NavigatedTo()[0])
	require.NoError(t, err)
	state := authorizeURL.Query().Get("state")
	nonce, _ := flow.SplitState(state, ";")

	rig.token.respondWith(map[string]any{
		"access_token": "AT-popup",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     unsignedToken(t, baseClaims(nonce)),
	})
	aux.Emit(host.Message{Data: "?code=code-popup&state=" + url.QueryEscape(state)})

	require.NoError(t, <-errCh)
	assert.Equal(t, "AT-popup", rig.engine.Store().AccessToken())
	assert.True(t, aux.Closed())
}

func TestLoadUserProfile(t *testing.T) {
	t.Parallel()

	userinfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer AT-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"user-1","name":"Alice","email":"alice@example.com"}`))
	}))
	t.Cleanup(userinfo.Close)

	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.UserinfoEndpoint = userinfo.URL
	})
	require.NoError(t, rig.engine.Store().StoreAccessToken("AT-1", "", time.Hour, ""))
	require.NoError(t, rig.engine.Store().StoreIDToken("raw",
		`{"sub":"user-1","name":"A. Liddell"}`, time.Now().Add(time.Hour)))

	profile, err := rig.engine.LoadUserProfile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "user-1", profile["sub"])
	assert.Equal(t, "alice@example.com", profile["email"])
	assert.Equal(t, "A. Liddell", profile["name"],
		"id_token claims win over userinfo attributes")

	stored, err := rig.engine.Store().IdentityClaims()
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", stored["email"])
	assert.Contains(t, rig.publishedTypes(), events.TypeUserProfileLoaded)
}

func TestLoadUserProfileRejectsForeignSubject(t *testing.T) {
	t.Parallel()

	userinfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"somebody-else"}`))
	}))
	t.Cleanup(userinfo.Close)

	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.UserinfoEndpoint = userinfo.URL
	})
	require.NoError(t, rig.engine.Store().StoreAccessToken("AT-1", "", time.Hour, ""))
	require.NoError(t, rig.engine.Store().StoreIDToken("raw",
		`{"sub":"user-1"}`, time.Now().Add(time.Hour)))

	_, err := rig.engine.LoadUserProfile(context.Background())
	require.ErrorIs(t, err, engine.ErrUserinfoSubMixup)
	assert.Contains(t, rig.publishedTypes(), events.TypeUserProfileLoadError)
}

func TestRevokeTokenAndLogout(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var revoked []string
	revocation := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		revoked = append(revoked, r.PostForm.Get("token_type_hint")+"="+r.PostForm.Get("token"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(revocation.Close)

	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.RevocationEndpoint = revocation.URL
	})
	require.NoError(t, rig.engine.Store().StoreAccessToken("AT-1", "RT-1", time.Hour, ""))

	require.NoError(t, rig.engine.RevokeTokenAndLogout(context.Background(), true))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"access_token=AT-1", "refresh_token=RT-1"}, revoked)
	assert.Empty(t, rig.engine.Store().AccessToken())
	assert.Empty(t, rig.engine.Store().RefreshToken())
	assert.Contains(t, rig.publishedTypes(), events.TypeLogout)
}

func TestLogOutOpensEndSessionRedirect(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.LogoutURL = testIssuer + "/endsession"
	})
	require.NoError(t, rig.engine.Store().StoreIDToken("the-id-token",
		`{"sub":"user-1"}`, time.Now().Add(time.Hour)))

	require.NoError(t, rig.engine.LogOut(false, "after-logout"))

	require.Len(t, rig.env.OpenedURIs, 1)
	redirect, err := url.Parse(rig.env.OpenedURIs[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rig.env.OpenedURIs[0], testIssuer+"/endsession?"))
	assert.Equal(t, "the-id-token", redirect.Query().Get("id_token_hint"))
	assert.Equal(t, "after-logout", redirect.Query().Get("state"))
	assert.Empty(t, rig.engine.Store().IDToken())
}

func TestInitLoginFlowGuardsReentrancy(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	rig.beginLogin(t)

	err := rig.engine.InitLoginFlow(flow.LoginOptions{})
	require.ErrorIs(t, err, flow.ErrFlowInProgress)

	// Processing the callback, even unsuccessfully, releases the guard.
	_ = rig.engine.TryLogin(context.Background(), "?error=access_denied")
	require.NoError(t, rig.engine.InitLoginFlow(flow.LoginOptions{}))
}
