// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the effective client configuration: documented
// defaults, caller-supplied settings, and endpoints merged in from a
// discovery document. Operations read an immutable by-value snapshot.
package config

import (
	"errors"
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/oidcflow/oidcflow/pkg/networking"
)

// Configuration errors, surfaced lazily by the operation that needs the
// missing setting rather than at configure time.
var (
	ErrMissingIssuer      = errors.New("no issuer configured")
	ErrMissingClientID    = errors.New("no client id configured")
	ErrMissingLoginURL    = errors.New("no authorization endpoint configured")
	ErrMissingTokenURL    = errors.New("no token endpoint configured")
	ErrMissingRedirectURI = errors.New("no redirect URI configured")
	ErrNoTokenKind        = errors.New("neither OIDC nor access token requested")
)

// Config is the effective client configuration. The zero value of a field
// means "not set"; Resolve fills unset fields from Default. Tri-state
// booleans whose documented default is true use a *bool so an explicit
// false survives the merge.
type Config struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string

	// ClientID identifies this client at the authorization server.
	ClientID string

	// ClientSecret is sent with token requests when set. Public clients
	// leave it empty and rely on PKCE.
	ClientSecret string

	// Scope is the space-separated scope string sent on login.
	Scope string

	// ResponseType overrides the derived response type when set, e.g. "code".
	ResponseType string

	// RedirectURI receives the authorization response.
	RedirectURI string

	// SilentRefreshRedirectURI, when set, is used instead of RedirectURI for
	// silent refresh attempts.
	SilentRefreshRedirectURI string

	// PostLogoutRedirectURI is passed to the end-session endpoint.
	PostLogoutRedirectURI string

	// Endpoints, normally merged in from the discovery document but
	// configurable directly for servers without discovery support.
	LoginURL           string
	TokenEndpoint      string
	UserinfoEndpoint   string
	RevocationEndpoint string
	LogoutURL          string
	CheckSessionIFrame string
	JWKSURI            string

	// OIDC requests an id_token. Default true.
	OIDC *bool

	// RequestAccessToken requests an access token. Default true.
	RequestAccessToken *bool

	// StrictDiscoveryDocumentValidation requires every discovery endpoint to
	// start with the issuer string. Default true.
	StrictDiscoveryDocumentValidation *bool

	// SkipIssuerCheck disables the issuer comparison during discovery
	// validation and id_token validation.
	SkipIssuerCheck bool

	// DisablePKCE suppresses the code challenge on code-flow login URLs.
	DisablePKCE bool

	// DisableAtHashCheck skips at_hash validation regardless of flow.
	DisableAtHashCheck bool

	// SessionChecksEnabled turns on the OIDC session-management monitor.
	SessionChecksEnabled bool

	// UseHTTPBasicAuth sends client credentials in an Authorization header
	// instead of the request body.
	UseHTTPBasicAuth bool

	// HTTPSPolicy governs which URLs the engine will touch. Default
	// remote_only: HTTPS everywhere except localhost.
	HTTPSPolicy networking.HTTPSPolicy

	// ClockSkew widens the id_token time-window check in both directions.
	ClockSkew time.Duration

	// TimeoutFactor scales the token lifetime to pick the token_expires
	// notification point, e.g. 0.75 fires at three quarters of the lifetime.
	TimeoutFactor float64

	// SessionCheckInterval is the check-session iframe polling period.
	SessionCheckInterval time.Duration

	// SilentRefreshTimeout bounds a silent refresh attempt.
	SilentRefreshTimeout time.Duration

	// PopupPollInterval is how often a popup is polled for user closure.
	PopupPollInterval time.Duration

	// NonceStateSeparator joins the nonce and the caller state in the
	// outgoing state parameter.
	NonceStateSeparator string

	// Resource is an optional audience restriction sent on login.
	Resource string

	// CustomQueryParams are appended to login and token requests. Explicit
	// call-site parameters take precedence over them.
	CustomQueryParams map[string]string

	// FallbackAccessTokenExpiration is assumed when the token response
	// carries no expires_in. Zero means the token never expires locally.
	FallbackAccessTokenExpiration time.Duration
}

// Bool returns a pointer to v, for the tri-state boolean fields.
func Bool(v bool) *bool { return &v }

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Scope:                             "openid profile email",
		OIDC:                              Bool(true),
		RequestAccessToken:                Bool(true),
		StrictDiscoveryDocumentValidation: Bool(true),
		HTTPSPolicy:                       networking.PolicyRemoteOnly,
		ClockSkew:                         600 * time.Second,
		TimeoutFactor:                     0.75,
		SessionCheckInterval:              3 * time.Second,
		SilentRefreshTimeout:              20 * time.Second,
		PopupPollInterval:                 500 * time.Millisecond,
		NonceStateSeparator:               ";",
	}
}

// Resolve merges partial over the documented defaults and returns the
// effective configuration. Contradictory settings are not rejected here;
// the operation that needs them reports the configuration error.
func Resolve(partial Config) (Config, error) {
	cfg := partial
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return Config{}, fmt.Errorf("failed to merge configuration: %w", err)
	}
	return cfg, nil
}

// UseOIDC reports whether an id_token is requested.
func (c *Config) UseOIDC() bool {
	return c.OIDC == nil || *c.OIDC
}

// WantsAccessToken reports whether an access token is requested.
func (c *Config) WantsAccessToken() bool {
	return c.RequestAccessToken == nil || *c.RequestAccessToken
}

// StrictValidation reports whether discovery endpoints must carry the
// issuer prefix.
func (c *Config) StrictValidation() bool {
	return c.StrictDiscoveryDocumentValidation == nil || *c.StrictDiscoveryDocumentValidation
}

// DerivedResponseType returns the configured response type, or derives one
// from the requested token kinds.
func (c *Config) DerivedResponseType() (string, error) {
	if c.ResponseType != "" {
		return c.ResponseType, nil
	}
	switch {
	case c.UseOIDC() && c.WantsAccessToken():
		return "id_token token", nil
	case c.UseOIDC():
		return "id_token", nil
	case c.WantsAccessToken():
		return "token", nil
	default:
		return "", ErrNoTokenKind
	}
}

// ValidateForLogin checks the settings a login URL needs.
func (c *Config) ValidateForLogin() error {
	if c.ClientID == "" {
		return ErrMissingClientID
	}
	if c.LoginURL == "" {
		return ErrMissingLoginURL
	}
	if c.RedirectURI == "" {
		return ErrMissingRedirectURI
	}
	if !c.UseOIDC() && !c.WantsAccessToken() {
		return ErrNoTokenKind
	}
	return nil
}

// ValidateForTokenExchange checks the settings a grant exchange needs.
func (c *Config) ValidateForTokenExchange() error {
	if c.ClientID == "" {
		return ErrMissingClientID
	}
	if c.TokenEndpoint == "" {
		return ErrMissingTokenURL
	}
	return nil
}

// ValidateForDiscovery checks the settings a discovery load needs.
func (c *Config) ValidateForDiscovery() error {
	if c.Issuer == "" {
		return ErrMissingIssuer
	}
	return nil
}
