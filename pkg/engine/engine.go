// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine composes the token lifecycle machine: discovery, login
// URL construction, callback processing, grant exchanges, id_token
// validation, the token store, and the session monitor, all reporting onto
// one event bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/discovery"
	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/flow"
	"github.com/oidcflow/oidcflow/pkg/grant"
	"github.com/oidcflow/oidcflow/pkg/host"
	"github.com/oidcflow/oidcflow/pkg/idtoken"
	"github.com/oidcflow/oidcflow/pkg/logger"
	"github.com/oidcflow/oidcflow/pkg/networking"
	"github.com/oidcflow/oidcflow/pkg/session"
	"github.com/oidcflow/oidcflow/pkg/store"
	"github.com/oidcflow/oidcflow/pkg/validation"
	"golang.org/x/sync/singleflight"
)

// Engine errors.
var (
	ErrNoRefreshToken  = errors.New("no refresh token stored")
	ErrNoRecoveryPath  = errors.New("no token recovery path configured")
	ErrServerError     = errors.New("authorization server returned an error")
	ErrNonceLinkBroken = errors.New("state parameter does not carry the stored nonce")
)

// Option configures an Engine.
type Option func(*Engine)

// WithBackend substitutes the token store backend. Default is in-memory.
func WithBackend(backend store.Backend) Option {
	return func(e *Engine) { e.backend = backend }
}

// WithEnvironment supplies the host environment. Default is the loopback
// host.
func WithEnvironment(env host.Environment) Option {
	return func(e *Engine) { e.env = env }
}

// WithValidationHandler supplies the crypto capability. Default is a JWKS
// handler once discovery reveals a jwks_uri, the null handler before that.
func WithValidationHandler(handler validation.Handler) Option {
	return func(e *Engine) { e.handler = handler }
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.http = client }
}

// Engine drives the OAuth2/OIDC token lifecycle for one client.
type Engine struct {
	mu  sync.Mutex
	cfg config.Config

	bus     *events.Bus
	backend store.Backend
	store   *store.Manager
	http    *http.Client
	env     host.Environment
	handler validation.Handler

	loader    *discovery.Loader
	grants    *grant.Client
	builder   *flow.URLBuilder
	validator *idtoken.Validator
	monitor   *session.Monitor

	refreshFlight singleflight.Group

	// refreshSubject is the id_token subject recorded before a silent
	// refresh, used to detect an account switch during the refresh.
	refreshSubject string
}

// New resolves partial over the documented defaults and builds an engine.
func New(partial config.Config, opts ...Option) (*Engine, error) {
	cfg, err := config.Resolve(partial)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg: cfg,
		bus: events.NewBus(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.backend == nil {
		e.backend = store.NewMemory()
	}
	if e.env == nil {
		e.env = &host.LoopbackEnvironment{}
	}
	if e.http == nil {
		e.http = networking.NewHttpClientBuilder().
			WithHTTPSPolicy(cfg.HTTPSPolicy).
			Build()
	}
	if e.handler == nil {
		e.handler = validation.NullHandler{}
	}

	e.store = store.NewManager(e.backend, e.bus, cfg)
	e.loader = &discovery.Loader{Client: e.http, Bus: e.bus}
	e.grants = &grant.Client{HTTP: e.http}
	e.builder = &flow.URLBuilder{
		Store:     e.store,
		Generator: &flow.Generator{Bus: e.bus},
		Hasher:    e.handler,
	}
	e.validator = &idtoken.Validator{Handler: e.handler, Store: e.store}
	e.monitor = &session.Monitor{
		Env:       e.env,
		Bus:       e.bus,
		Recover:   e.recoverSession,
		Terminate: func() { _ = e.LogOut(true, "") },
	}

	// Tokens surviving from a previous run still get their timers.
	if e.store.AccessToken() != "" || e.store.IDToken() != "" {
		e.store.SetupExpirationTimers()
	}

	return e, nil
}

// Events returns the engine's event bus.
func (e *Engine) Events() *events.Bus { return e.bus }

// Store exposes the token store manager.
func (e *Engine) Store() *store.Manager { return e.store }

// Config returns a snapshot of the effective configuration.
func (e *Engine) Config() config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) setHandler(handler validation.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
	e.builder.Hasher = handler
	e.validator.Handler = handler
}

// LoadDiscoveryDocument fetches, validates, and merges the discovery
// document, then starts the asynchronous JWKS load when a jwks_uri is
// present. JWKS failures surface as jwks_load_error events without failing
// the discovery load.
func (e *Engine) LoadDiscoveryDocument(ctx context.Context, documentURL string) (*discovery.Document, error) {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	doc, err := e.loader.Load(ctx, &cfg, documentURL)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	if cfg.JWKSURI != "" {
		if _, isNull := e.handler.(validation.NullHandler); isNull {
			handler, err := validation.NewJWKSHandler(ctx, cfg.JWKSURI, e.http)
			if err != nil {
				e.bus.PublishError(events.TypeJWKSLoadError, err, cfg.JWKSURI)
			} else {
				e.setHandler(handler)
				go func() {
					if err := handler.Preload(context.Background()); err != nil {
						e.bus.PublishError(events.TypeJWKSLoadError, err, cfg.JWKSURI)
					}
				}()
			}
		}
	}

	return doc, nil
}

// CreateLoginURL builds an authorization request URL against the current
// configuration.
func (e *Engine) CreateLoginURL(opts flow.LoginOptions) (string, error) {
	return e.builder.CreateLoginURL(e.Config(), opts)
}

// InitLoginFlow starts a full redirect-based login: builds the URL and
// hands it to the host's navigation. A second call before the callback is
// processed fails with ErrFlowInProgress.
func (e *Engine) InitLoginFlow(opts flow.LoginOptions) error {
	if err := e.builder.BeginRedirect(); err != nil {
		return err
	}

	loginURL, err := e.CreateLoginURL(opts)
	if err != nil {
		e.builder.FinishRedirect()
		return err
	}
	if err := e.env.OpenURI(loginURL); err != nil {
		e.builder.FinishRedirect()
		return fmt.Errorf("failed to navigate to login URL: %w", err)
	}
	return nil
}

// TryLogin processes an authorization callback, fragment or query encoded.
// It verifies the state/nonce linkage, then either redeems the code or
// accepts the implicit tokens. The redirect-flow guard is released whatever
// the outcome.
func (e *Engine) TryLogin(ctx context.Context, raw string) error {
	defer e.builder.FinishRedirect()
	return e.processCallback(ctx, raw, callbackOptions{})
}

type callbackOptions struct {
	// silent marks a silent-refresh callback: nonce checks use the
	// recorded refresh subject and events use the refresh variants.
	silent bool
}

func (e *Engine) processCallback(ctx context.Context, raw string, opts callbackOptions) error {
	cfg := e.Config()

	params, err := flow.ParseCallback(raw)
	if err != nil {
		return err
	}

	if params.Error != "" {
		err := fmt.Errorf("%w: %s (%s)", ErrServerError, params.Error, params.ErrorDescription)
		if params.Code != "" || cfg.ResponseType == "code" {
			e.bus.PublishError(events.TypeCodeError, err, params.Error)
		} else {
			e.bus.PublishError(events.TypeTokenError, err, params.Error)
		}
		return err
	}

	if params.State != "" {
		nonce, _ := flow.SplitState(params.State, cfg.NonceStateSeparator)
		if stored := e.store.Nonce(); stored != "" && nonce != stored {
			err := ErrNonceLinkBroken
			e.bus.PublishError(events.TypeInvalidNonceInState, err, "")
			return err
		}
	}

	if params.SessionState != "" {
		if err := e.store.StoreSessionState(params.SessionState); err != nil {
			return err
		}
	}

	if params.Code != "" {
		return e.exchangeCode(ctx, cfg, params.Code, opts)
	}
	return e.acceptImplicit(ctx, cfg, params, opts)
}

// exchangeCode redeems an authorization code, consuming the stored PKCE
// verifier.
func (e *Engine) exchangeCode(ctx context.Context, cfg config.Config, code string, opts callbackOptions) error {
	verifier, err := e.store.ConsumePKCEVerifier()
	if err != nil {
		return err
	}

	response, err := e.grants.AuthorizationCode(ctx, cfg, code, verifier)
	if err != nil {
		e.bus.PublishError(events.TypeTokenError, err, "authorization_code")
		return err
	}
	return e.storeTokenResponse(ctx, cfg, response, tokenStoreOptions{
		skipNonceCheck: false,
		silent:         opts.silent,
	})
}

// acceptImplicit stores the tokens of an implicit or silent-refresh
// fragment.
func (e *Engine) acceptImplicit(ctx context.Context, cfg config.Config, params *flow.CallbackParams, opts callbackOptions) error {
	if params.AccessToken == "" && params.IDToken == "" {
		err := errors.New("callback carries neither tokens nor a code")
		e.bus.PublishError(events.TypeTokenError, err, "")
		return err
	}

	response := &grant.TokenResponse{
		AccessToken: params.AccessToken,
		IDToken:     params.IDToken,
		TokenType:   params.TokenType,
		Scope:       params.Scope,
	}
	if params.ExpiresIn != "" {
		if _, err := fmt.Sscanf(params.ExpiresIn, "%d", &response.ExpiresIn); err != nil {
			logger.Warnf("ignoring unparseable expires_in %q", params.ExpiresIn)
		}
	}
	return e.storeTokenResponse(ctx, cfg, response, tokenStoreOptions{silent: opts.silent})
}

type tokenStoreOptions struct {
	// skipNonceCheck disables the nonce claim comparison, used for refresh
	// grants where the server does not echo the nonce.
	skipNonceCheck bool

	// refresh marks a refresh-token grant; it adds the token_refreshed
	// event.
	refresh bool

	// silent marks a silent refresh; it checks the recorded subject.
	silent bool
}

// storeTokenResponse validates the id_token if present, writes all fields,
// and publishes token_received only after the store write completed. This
// is the single path by which exchange results become trusted state.
func (e *Engine) storeTokenResponse(ctx context.Context, cfg config.Config, response *grant.TokenResponse, opts tokenStoreOptions) error {
	var result *idtoken.Result
	if response.IDToken != "" {
		validateOpts := idtoken.Options{
			AccessToken:    response.AccessToken,
			SkipNonceCheck: opts.skipNonceCheck,
		}
		if opts.silent {
			e.mu.Lock()
			validateOpts.RefreshSubject = e.refreshSubject
			e.mu.Unlock()
		}

		var err error
		result, err = e.validator.Process(ctx, cfg, response.IDToken, validateOpts)
		if err != nil {
			if opts.refresh {
				e.bus.PublishError(events.TypeTokenRefreshError, err, "id_token validation")
			} else {
				e.bus.PublishError(events.TypeTokenError, err, "id_token validation")
			}
			return err
		}
	}

	if response.AccessToken != "" {
		if err := e.store.StoreAccessToken(response.AccessToken, response.RefreshToken,
			response.ExpiresInDuration(), response.Scope); err != nil {
			return err
		}
	}
	if result != nil {
		if err := e.store.StoreIDToken(result.IDToken, result.ClaimsJSON, result.ExpiresAt); err != nil {
			return err
		}
	}

	e.store.SetupExpirationTimers()

	e.bus.PublishSuccess(events.TypeTokenReceived, "")
	if opts.refresh {
		e.bus.PublishSuccess(events.TypeTokenRefreshed, "")
	}

	if cfg.SessionChecksEnabled {
		if sessionState := e.store.SessionState(); sessionState != "" {
			if err := e.monitor.Start(cfg, sessionState); err != nil {
				logger.Warnf("failed to start session monitor: %v", err)
			}
		}
	}
	return nil
}

// FetchTokenUsingPasswordFlow runs the resource-owner password grant and
// stores the result.
func (e *Engine) FetchTokenUsingPasswordFlow(ctx context.Context, username, password string, extra map[string]string) error {
	cfg := e.Config()

	response, err := e.grants.Password(ctx, cfg, username, password, extra)
	if err != nil {
		e.bus.PublishError(events.TypeTokenError, err, "password")
		return err
	}
	// Password-grant servers do not echo a nonce.
	return e.storeTokenResponse(ctx, cfg, response, tokenStoreOptions{skipNonceCheck: true})
}

// RefreshToken exchanges the stored refresh token for fresh tokens.
// Concurrent calls collapse into a single exchange.
func (e *Engine) RefreshToken(ctx context.Context) error {
	_, err, _ := e.refreshFlight.Do("refresh_token", func() (any, error) {
		cfg := e.Config()

		refreshToken := e.store.RefreshToken()
		if refreshToken == "" {
			e.bus.PublishError(events.TypeTokenRefreshError, ErrNoRefreshToken, "")
			return nil, ErrNoRefreshToken
		}

		response, err := e.grants.Refresh(ctx, cfg, refreshToken)
		if err != nil {
			e.bus.PublishError(events.TypeTokenRefreshError, err, "refresh_token")
			return nil, err
		}
		return nil, e.storeTokenResponse(ctx, cfg, response, tokenStoreOptions{
			skipNonceCheck: true,
			refresh:        true,
		})
	})
	return err
}

// FetchTokenUsingGrant runs an arbitrary custom grant.
func (e *Engine) FetchTokenUsingGrant(ctx context.Context, grantType string, params map[string]string) error {
	cfg := e.Config()

	response, err := e.grants.Exchange(ctx, cfg, grantType, params)
	if err != nil {
		e.bus.PublishError(events.TypeTokenError, err, grantType)
		return err
	}
	return e.storeTokenResponse(ctx, cfg, response, tokenStoreOptions{skipNonceCheck: true})
}

// HasValidAccessToken reports whether the stored access token is valid.
func (e *Engine) HasValidAccessToken() bool { return e.store.HasValidAccessToken() }

// HasValidIDToken reports whether the stored id_token is valid.
func (e *Engine) HasValidIDToken() bool { return e.store.HasValidIDToken() }

// LogOut stops monitoring, clears the token store, and performs the
// end-session redirect unless suppressed.
func (e *Engine) LogOut(noRedirect bool, state string) error {
	e.monitor.Stop()
	e.builder.FinishRedirect()

	redirect, err := e.store.LogOut(noRedirect, state)
	if err != nil {
		return err
	}
	if redirect != "" {
		if err := e.env.OpenURI(redirect); err != nil {
			return fmt.Errorf("failed to navigate to end-session URL: %w", err)
		}
	}
	return nil
}

// RevokeTokenAndLogout revokes the access and refresh tokens at the
// revocation endpoint, then logs out locally. Revocation failures are
// published but do not prevent the logout.
func (e *Engine) RevokeTokenAndLogout(ctx context.Context, noRedirect bool) error {
	cfg := e.Config()

	if accessToken := e.store.AccessToken(); accessToken != "" {
		if err := e.grants.Revoke(ctx, cfg, accessToken, "access_token"); err != nil {
			e.bus.PublishError(events.TypeTokenRevokeError, err, "access_token")
		}
	}
	if refreshToken := e.store.RefreshToken(); refreshToken != "" {
		if err := e.grants.Revoke(ctx, cfg, refreshToken, "refresh_token"); err != nil {
			e.bus.PublishError(events.TypeTokenRevokeError, err, "refresh_token")
		}
	}
	return e.LogOut(noRedirect, "")
}

// recoverSession is the session monitor's recovery path: silent refresh
// when a silent-refresh redirect is configured, otherwise the refresh-token
// grant.
func (e *Engine) recoverSession(ctx context.Context) error {
	cfg := e.Config()

	if cfg.SilentRefreshRedirectURI != "" {
		return e.SilentRefresh(ctx, SilentRefreshOptions{})
	}
	if e.store.RefreshToken() != "" {
		return e.RefreshToken(ctx)
	}
	return ErrNoRecoveryPath
}
