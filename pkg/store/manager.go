// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/logger"
)

// idTokenPlaceholder is the legacy end-session URL substitution marker.
const idTokenPlaceholder = "{{id_token}}"

// Manager owns all writes to the token store and the expiration timers
// derived from stored lifetimes. Readers of store state who act on a
// token_received event always observe fields written before the event was
// published.
type Manager struct {
	backend Backend
	bus     *events.Bus
	cfg     config.Config
	now     func() time.Time

	mu          sync.Mutex
	accessTimer *time.Timer
	idTimer     *time.Timer
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a token store manager over the given backend. cfg is a
// snapshot; only skew, timeout factor, fallback expiration, and the logout
// settings are read from it.
func NewManager(backend Backend, bus *events.Bus, cfg config.Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend: backend,
		bus:     bus,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) get(key string) string {
	value, err := m.backend.Get(key)
	if err != nil {
		logger.Warnf("failed to read %s from token store: %v", key, err)
		return ""
	}
	return value
}

// AccessToken returns the stored access token, or "".
func (m *Manager) AccessToken() string { return m.get(KeyAccessToken) }

// IDToken returns the stored raw id_token, or "".
func (m *Manager) IDToken() string { return m.get(KeyIDToken) }

// RefreshToken returns the stored refresh token, or "".
func (m *Manager) RefreshToken() string { return m.get(KeyRefreshToken) }

// SessionState returns the stored OIDC session_state, or "".
func (m *Manager) SessionState() string { return m.get(KeySessionState) }

// Nonce returns the nonce stored for the login attempt in flight, or "".
func (m *Manager) Nonce() string { return m.get(KeyNonce) }

// GrantedScopes returns the scopes granted with the current access token.
func (m *Manager) GrantedScopes() []string {
	raw := m.get(KeyGrantedScopes)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// IdentityClaims returns the decoded claims of the stored id_token.
func (m *Manager) IdentityClaims() (map[string]any, error) {
	raw := m.get(KeyIDTokenClaimsObj)
	if raw == "" {
		return nil, nil
	}
	var claims map[string]any
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return nil, fmt.Errorf("failed to parse stored identity claims: %w", err)
	}
	return claims, nil
}

// AccessTokenExpiration returns the stored access token expiry. ok is false
// when no expiry is stored, meaning the token never expires locally.
func (m *Manager) AccessTokenExpiration() (time.Time, bool) {
	return parseMillis(m.get(KeyExpiresAt))
}

// StoreIdentityClaims replaces the stored identity claims JSON, used after
// merging userinfo attributes into the id_token claims.
func (m *Manager) StoreIdentityClaims(claimsJSON string) error {
	return m.backend.Set(KeyIDTokenClaimsObj, claimsJSON)
}

// SetNonce persists the nonce for a new login attempt.
func (m *Manager) SetNonce(nonce string) error {
	return m.backend.Set(KeyNonce, nonce)
}

// SetPKCEVerifier persists the verifier matching a sent code challenge.
func (m *Manager) SetPKCEVerifier(verifier string) error {
	return m.backend.Set(KeyPKCEVerifier, verifier)
}

// ConsumePKCEVerifier returns the stored verifier and removes it, so a
// verifier is spent by exactly one code exchange.
func (m *Manager) ConsumePKCEVerifier() (string, error) {
	verifier, err := m.backend.Get(KeyPKCEVerifier)
	if err != nil {
		return "", err
	}
	if verifier == "" {
		return "", nil
	}
	if err := m.backend.Remove(KeyPKCEVerifier); err != nil {
		return "", err
	}
	return verifier, nil
}

// StoreSessionState persists the session_state from an authorization
// response.
func (m *Manager) StoreSessionState(sessionState string) error {
	return m.backend.Set(KeySessionState, sessionState)
}

// StoreAccessToken writes the access-token half of a token response. When
// the response carries no lifetime and no fallback is configured, no
// expires_at is stored and the token never expires locally.
func (m *Manager) StoreAccessToken(accessToken, refreshToken string, expiresIn time.Duration, grantedScopes string) error {
	now := m.now()
	if err := m.backend.Set(KeyAccessToken, accessToken); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if err := m.backend.Set(KeyAccessTokenStoredAt, formatMillis(now)); err != nil {
		return err
	}

	if expiresIn <= 0 {
		expiresIn = m.cfg.FallbackAccessTokenExpiration
	}
	if expiresIn > 0 {
		if err := m.backend.Set(KeyExpiresAt, formatMillis(now.Add(expiresIn))); err != nil {
			return err
		}
	} else {
		if err := m.backend.Remove(KeyExpiresAt); err != nil {
			return err
		}
	}

	if refreshToken != "" {
		if err := m.backend.Set(KeyRefreshToken, refreshToken); err != nil {
			return err
		}
	}
	if grantedScopes != "" {
		if err := m.backend.Set(KeyGrantedScopes, grantedScopes); err != nil {
			return err
		}
	}
	return nil
}

// StoreIDToken writes a validated id_token with its decoded claims and
// computed expiry.
func (m *Manager) StoreIDToken(rawToken, claimsJSON string, expiresAt time.Time) error {
	if err := m.backend.Set(KeyIDToken, rawToken); err != nil {
		return fmt.Errorf("failed to store id_token: %w", err)
	}
	if err := m.backend.Set(KeyIDTokenClaimsObj, claimsJSON); err != nil {
		return err
	}
	if err := m.backend.Set(KeyIDTokenExpiresAt, formatMillis(expiresAt)); err != nil {
		return err
	}
	return m.backend.Set(KeyIDTokenStoredAt, formatMillis(m.now()))
}

// HasValidAccessToken reports whether a stored access token is within its
// validity window. A token stored without expires_at is valid indefinitely.
// The window is inclusive: a token is still valid at the instant
// expires_at + skew, and expired any later.
func (m *Manager) HasValidAccessToken() bool {
	if m.get(KeyAccessToken) == "" {
		return false
	}
	return m.withinWindow(m.get(KeyExpiresAt))
}

// HasValidIDToken reports whether a stored id_token is within its validity
// window.
func (m *Manager) HasValidIDToken() bool {
	if m.get(KeyIDToken) == "" {
		return false
	}
	return m.withinWindow(m.get(KeyIDTokenExpiresAt))
}

func (m *Manager) withinWindow(expiresAtMillis string) bool {
	if expiresAtMillis == "" {
		return true
	}
	expiresAt, ok := parseMillis(expiresAtMillis)
	if !ok {
		return false
	}
	return !m.now().After(expiresAt.Add(m.cfg.ClockSkew))
}

// SetupExpirationTimers schedules the token_expires notification for each
// stored token kind at storedAt + lifetime * timeout factor. Any previously
// scheduled timer of the same kind is cancelled first.
func (m *Manager) SetupExpirationTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessTimer = m.reschedule(m.accessTimer, KeyAccessTokenStoredAt, KeyExpiresAt, "access_token")
	m.idTimer = m.reschedule(m.idTimer, KeyIDTokenStoredAt, KeyIDTokenExpiresAt, "id_token")
}

func (m *Manager) reschedule(previous *time.Timer, storedAtKey, expiresAtKey, kind string) *time.Timer {
	if previous != nil {
		previous.Stop()
	}

	expiresAt, ok := parseMillis(m.get(expiresAtKey))
	if !ok {
		return nil
	}
	storedAt, ok := parseMillis(m.get(storedAtKey))
	if !ok {
		storedAt = m.now()
	}

	factor := m.cfg.TimeoutFactor
	if factor <= 0 {
		factor = 0.75
	}
	delay := time.Duration(float64(expiresAt.Sub(storedAt)) * factor)
	fireAt := storedAt.Add(delay)
	wait := fireAt.Sub(m.now())
	if wait < 0 {
		wait = 0
	}

	return time.AfterFunc(wait, func() {
		if m.bus != nil {
			m.bus.PublishInfo(events.TypeTokenExpires, kind)
		}
	})
}

// CancelTimers stops any scheduled expiration notifications.
func (m *Manager) CancelTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessTimer != nil {
		m.accessTimer.Stop()
		m.accessTimer = nil
	}
	if m.idTimer != nil {
		m.idTimer.Stop()
		m.idTimer = nil
	}
}

// LogOut cancels timers, removes every persisted key, publishes a logout
// event, and returns the end-session redirect URL when one can be built
// and noRedirect is false. Calling LogOut on an already empty store is a
// no-op that still succeeds.
func (m *Manager) LogOut(noRedirect bool, state string) (string, error) {
	idToken := m.get(KeyIDToken)

	m.CancelTimers()

	for _, key := range AllKeys {
		if err := m.backend.Remove(key); err != nil {
			return "", fmt.Errorf("failed to clear %s on logout: %w", key, err)
		}
	}

	if m.bus != nil {
		m.bus.PublishInfo(events.TypeLogout, "")
	}

	if noRedirect || m.cfg.LogoutURL == "" {
		return "", nil
	}
	return m.endSessionURL(idToken, state), nil
}

// endSessionURL builds the logout redirect: the legacy placeholder form
// when the configured URL contains {{id_token}}, the id_token_hint query
// form otherwise. An empty result means there is no meaningful target.
func (m *Manager) endSessionURL(idToken, state string) string {
	logoutURL := m.cfg.LogoutURL

	if strings.Contains(logoutURL, idTokenPlaceholder) {
		if idToken == "" {
			return ""
		}
		return strings.ReplaceAll(logoutURL, idTokenPlaceholder, url.QueryEscape(idToken))
	}

	params := url.Values{}
	if idToken != "" {
		params.Set("id_token_hint", idToken)
	}
	if m.cfg.PostLogoutRedirectURI != "" {
		params.Set("post_logout_redirect_uri", m.cfg.PostLogoutRedirectURI)
	}
	if state != "" {
		params.Set("state", state)
	}
	if len(params) == 0 {
		return logoutURL
	}

	separator := "?"
	if strings.Contains(logoutURL, "?") {
		separator = "&"
	}
	return logoutURL + separator + params.Encode()
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}
