// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/logger"
	"github.com/oidcflow/oidcflow/pkg/store"
)

// ErrFlowInProgress is returned when a redirect-based flow is started while
// another one is still awaiting its callback.
var ErrFlowInProgress = errors.New("a redirect flow is already awaiting its callback")

// LoginState tracks whether a redirect-based flow is in flight.
type LoginState int

const (
	// StateIdle means no redirect flow is awaiting a callback.
	StateIdle LoginState = iota

	// StateAwaitingRedirect means a login URL was issued for a full
	// redirect and its callback has not been processed yet.
	StateAwaitingRedirect
)

// LoginOptions are the per-call inputs to CreateLoginURL.
type LoginOptions struct {
	// State is the caller's opaque state, round-tripped through the server.
	State string

	// LoginHint pre-fills the server's login form.
	LoginHint string

	// RedirectURIOverride replaces the configured redirect URI, used by
	// silent refresh to target its own callback.
	RedirectURIOverride string

	// NoPrompt adds prompt=none so the server never shows UI.
	NoPrompt bool

	// ExtraParams are appended verbatim. They override configured custom
	// query parameters of the same name.
	ExtraParams map[string]string
}

// URLBuilder composes authorization request URLs. It persists the nonce and
// PKCE verifier for the attempt and guards redirect-based flows against
// reentrancy. It performs no navigation itself.
type URLBuilder struct {
	// Store persists the nonce and PKCE verifier.
	Store *store.Manager

	// Generator produces nonces and verifiers.
	Generator *Generator

	// Hasher computes the PKCE challenge digest. When nil, PKCE is skipped
	// with a warning.
	Hasher Hasher

	mu    sync.Mutex
	state LoginState
}

// CreateLoginURL builds the authorization request URL per the effective
// configuration. The outgoing state parameter is the generated nonce joined
// with the encoded caller state by the configured separator.
func (b *URLBuilder) CreateLoginURL(cfg config.Config, opts LoginOptions) (string, error) {
	if err := cfg.ValidateForLogin(); err != nil {
		return "", err
	}

	responseType, err := cfg.DerivedResponseType()
	if err != nil {
		return "", err
	}

	nonce := b.Generator.CreateNonce()
	if err := b.Store.SetNonce(nonce); err != nil {
		return "", fmt.Errorf("failed to persist nonce: %w", err)
	}

	redirectURI := cfg.RedirectURI
	if opts.RedirectURIOverride != "" {
		redirectURI = opts.RedirectURIOverride
	}

	params := url.Values{}
	params.Set("response_type", responseType)
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", cfg.Scope)
	params.Set("state", ComposeState(nonce, opts.State, cfg.NonceStateSeparator))

	if cfg.UseOIDC() {
		params.Set("nonce", nonce)
	}

	if strings.Contains(responseType, "code") && !cfg.DisablePKCE {
		challenge, verifier, err := b.Generator.CreateChallengeVerifierPair(b.Hasher)
		if errors.Is(err, ErrNoHasher) {
			logger.Warnf("skipping PKCE: %v", err)
		} else if err != nil {
			return "", fmt.Errorf("failed to create PKCE pair: %w", err)
		} else {
			if err := b.Store.SetPKCEVerifier(verifier); err != nil {
				return "", fmt.Errorf("failed to persist PKCE verifier: %w", err)
			}
			params.Set("code_challenge", challenge)
			params.Set("code_challenge_method", "S256")
		}
	}

	if opts.NoPrompt {
		params.Set("prompt", "none")
	}
	if opts.LoginHint != "" {
		params.Set("login_hint", opts.LoginHint)
	}
	if cfg.Resource != "" {
		params.Set("resource", cfg.Resource)
	}
	for key, value := range cfg.CustomQueryParams {
		params.Set(key, value)
	}
	for key, value := range opts.ExtraParams {
		params.Set(key, value)
	}

	separator := "?"
	if strings.Contains(cfg.LoginURL, "?") {
		separator = "&"
	}
	return cfg.LoginURL + separator + params.Encode(), nil
}

// BeginRedirect transitions the builder into the awaiting-redirect state,
// preventing a second overlapping full-page redirect.
func (b *URLBuilder) BeginRedirect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateAwaitingRedirect {
		return ErrFlowInProgress
	}
	b.state = StateAwaitingRedirect
	return nil
}

// FinishRedirect returns the builder to idle once the callback has been
// processed or the attempt abandoned.
func (b *URLBuilder) FinishRedirect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateIdle
}

// State returns the current redirect-flow state.
func (b *URLBuilder) State() LoginState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
